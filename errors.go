package boardsync

import "errors"

var (
	ErrClosed        = errors.New("boardsync: replica is closed")
	ErrObjectUnknown = errors.New("boardsync: unknown object")
	ErrObjectExists  = errors.New("boardsync: object already exists")
	ErrNoTransport   = errors.New("boardsync: replica needs a transport")
	ErrBadPolicy     = errors.New("boardsync: unknown conflict policy")
)
