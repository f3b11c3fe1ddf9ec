package registry

import (
	"errors"
	"fmt"
)

var (
	// ErrDoubleFree is matched by errors.Is for a second release of a handle.
	ErrDoubleFree = errors.New("native handle released twice")
	// ErrUnknownHandle is matched by errors.Is for a handle this registry never issued.
	ErrUnknownHandle = errors.New("unknown native handle")
)

// DoubleFreeError reports an Unregister of a handle that was already released.
type DoubleFreeError struct {
	ID HandleID
}

func (e *DoubleFreeError) Error() string {
	return fmt.Sprintf("native handle %d released twice", e.ID)
}

func (e *DoubleFreeError) Is(target error) bool { return target == ErrDoubleFree }

// UnknownHandleError reports an Unregister of a handle that was never issued.
type UnknownHandleError struct {
	ID HandleID
}

func (e *UnknownHandleError) Error() string {
	return fmt.Sprintf("unknown native handle %d", e.ID)
}

func (e *UnknownHandleError) Is(target error) bool { return target == ErrUnknownHandle }
