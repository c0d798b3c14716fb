package bundle

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when no metadata exists for an entry.
	ErrNotFound = errors.New("bundle not found")
	// ErrContentUnavailable means the entry has neither content nor summary to store.
	ErrContentUnavailable = errors.New("entry has no content")
)

// FilesystemError reports a failed create/write/rename inside the bundle tree.
// It is fatal for the entry it concerns and for nothing else.
type FilesystemError struct {
	Op   string
	Path string
	Err  error
}

func (e *FilesystemError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *FilesystemError) Unwrap() error {
	return e.Err
}

func fsError(op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &FilesystemError{Op: op, Path: path, Err: err}
}

// IsFilesystemError reports whether err wraps a FilesystemError.
func IsFilesystemError(err error) bool {
	var fsErr *FilesystemError
	return errors.As(err, &fsErr)
}
