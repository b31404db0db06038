package console

import "errors"

// ErrClipboardUnavailable reports that no operator clipboard exists,
// either because the build has no cgo or the display has none.
var ErrClipboardUnavailable = errors.New("operator clipboard unavailable")

// Clipboard is the operator-side pasteboard the console bridges device
// pasteboards with.
type Clipboard interface {
	Write(text string) error
	Read() (string, error)
}
