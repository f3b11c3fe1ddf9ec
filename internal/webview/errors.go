package webview

import (
	"errors"
	"fmt"

	"github.com/xkilldash9x/peerwatch/api/schemas"
)

var (
	// ErrUseAfterClose is matched by *UseAfterCloseError.
	ErrUseAfterClose = errors.New("window used after close")
	// ErrManagerClosed is returned by Open after Shutdown.
	ErrManagerClosed = errors.New("webview manager is shut down")
	// ErrInvalidURL is returned for URLs a window cannot load.
	ErrInvalidURL = errors.New("invalid window url")
)

// UseAfterCloseError reports an operation on a window whose native peer is
// gone or going.
type UseAfterCloseError struct {
	WindowID string
	Op       string
	State    schemas.WindowState
}

func (e *UseAfterCloseError) Error() string {
	return fmt.Sprintf("%s on window %s: window is %s", e.Op, e.WindowID, e.State)
}

func (e *UseAfterCloseError) Is(target error) bool {
	return target == ErrUseAfterClose
}
