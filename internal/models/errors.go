package models

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrForbidden         = errors.New("forbidden")
	ErrDuplicateOpenCase = errors.New("requester already has an open case")
	ErrNoSelection       = errors.New("no case selected")
	ErrIndexOutOfRange   = errors.New("case index out of range")
	ErrCaseClosed        = errors.New("case is closed")
	ErrTransport         = errors.New("transport failure")
	ErrStore             = errors.New("store failure")
)
