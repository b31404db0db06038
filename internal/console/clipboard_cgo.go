//go:build cgo

package console

import (
	"fmt"
	"sync"

	"golang.design/x/clipboard"
)

// SystemClipboard bridges the host clipboard.
type SystemClipboard struct {
	initialized bool
	mu          sync.Mutex
}

// NewSystemClipboard initializes host clipboard access.
func NewSystemClipboard() (*SystemClipboard, error) {
	if err := clipboard.Init(); err != nil {
		return nil, fmt.Errorf("initializing clipboard: %w", err)
	}
	return &SystemClipboard{initialized: true}, nil
}

// Write replaces the host clipboard text.
func (c *SystemClipboard) Write(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized {
		return ErrClipboardUnavailable
	}
	clipboard.Write(clipboard.FmtText, []byte(text))
	return nil
}

// Read returns the host clipboard text.
func (c *SystemClipboard) Read() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized {
		return "", ErrClipboardUnavailable
	}
	return string(clipboard.Read(clipboard.FmtText)), nil
}
