package sync

import "errors"

var (
	ErrDisconnected = errors.New("mailbox disconnected")
	ErrNotSeeded    = errors.New("mailbox cursor not seeded")
	ErrNoCredential = errors.New("no credential stored for scope")
)
