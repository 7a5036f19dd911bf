package mailbox

import "errors"

// Client error taxonomy. Adapters wrap these with %w.
var (
	// ErrAuthExpired means the credential is no longer accepted; requires re-authorization.
	ErrAuthExpired = errors.New("mailbox auth expired")
	// ErrSessionRejected means a data call was refused with the session's
	// access token. The caller refreshes the session once before giving up.
	ErrSessionRejected = errors.New("mailbox session rejected")
	// ErrCursorInvalid means the provider pruned history older than the cursor.
	ErrCursorInvalid = errors.New("mailbox cursor invalid")
	// ErrTransient covers network and rate-limit failures; retried on the next trigger.
	ErrTransient = errors.New("mailbox transient failure")
	// ErrNotFound means the message no longer exists at the provider.
	ErrNotFound = errors.New("mailbox message not found")
)
