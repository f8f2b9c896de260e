//go:build !govips || !cgo

package pipeline

func Startup() error {
	return nil
}

func Shutdown() {}

// NewBackend returns the pure-Go fallback codec.
func NewBackend() Backend {
	return stdBackend{}
}
