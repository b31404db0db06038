//go:build !cgo

package console

// SystemClipboard stub for non-CGO builds.
type SystemClipboard struct{}

// NewSystemClipboard fails when CGO is disabled.
func NewSystemClipboard() (*SystemClipboard, error) {
	return nil, ErrClipboardUnavailable
}

// Write fails when CGO is disabled.
func (c *SystemClipboard) Write(string) error {
	return ErrClipboardUnavailable
}

// Read fails when CGO is disabled.
func (c *SystemClipboard) Read() (string, error) {
	return "", ErrClipboardUnavailable
}
