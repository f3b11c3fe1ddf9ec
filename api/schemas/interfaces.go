package schemas

import "context"

// -- Native Webview Interfaces --

// Backend allocates native webview peers. Implementations wrap a real toolkit
// (a browser target over CDP) or a pure Go stand-in.
type Backend interface {
	// Name identifies the backend in logs and reports.
	Name() string
	// CreateView allocates one native view. It must return before any content
	// is loaded.
	CreateView(ctx context.Context, id string) (NativeView, error)
	// Close releases backend-wide resources. Views must be destroyed first.
	Close(ctx context.Context) error
}

// NativeView is the host-managed half of a window. It is owned by exactly one
// window handle and destroyed exactly once.
type NativeView interface {
	// Load issues a request for url and blocks until the load completes, fails,
	// or ctx is cancelled.
	Load(ctx context.Context, url string) error
	// Gone is closed when the native side disappeared without Destroy being
	// called (the target was closed externally, the process died).
	Gone() <-chan struct{}
	// Destroy tears down the native resources.
	Destroy(ctx context.Context) error
}

// -- Diagnostics Interfaces --

// MemoryProbe reports process-wide native object usage.
type MemoryProbe interface {
	MemoryUsage(ctx context.Context) (MemoryUsage, error)
	ForceCollect(ctx context.Context) error
}
