package store

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for message mutations; handlers map these onto HTTP
// statuses and the websocket loop onto structured failure frames.
var (
	ErrNotAuthorized = errors.New("not authorized")
	ErrNotFound      = errors.New("message not found")
)

// WindowExpiredError rejects an edit outside the allowed window. Elapsed is
// kept so the user-facing message can say how late the attempt was.
type WindowExpiredError struct {
	Elapsed time.Duration
}

func (e *WindowExpiredError) Error() string {
	return fmt.Sprintf("Edit window expired. Message was posted %d minutes ago.", int(e.Elapsed.Minutes()))
}
