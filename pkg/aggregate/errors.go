package aggregate

import (
	"errors"
	"fmt"
)

// ErrPaginationOverrun indicates the page walk exceeded the configured
// ceiling without upstream signalling an end.
var ErrPaginationOverrun = errors.New("pagination exceeded the configured page ceiling")

// PageError reports why the page walk stopped early and the index of the
// last page that was fetched successfully. Extract returns it alongside the
// partial dataset so the caller can judge what was lost.
type PageError struct {
	LastPage int
	Err      error
}

func (e *PageError) Error() string {
	return fmt.Sprintf("extraction stopped after page %d: %v", e.LastPage, e.Err)
}

func (e *PageError) Unwrap() error {
	return e.Err
}
