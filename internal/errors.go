package manager

import "errors"

// Sentinel errors for the manager domain.
var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrBadRequest   = errors.New("bad request")
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrNoAccount    = errors.New("no available account")
	ErrDecrypt      = errors.New("credential decryption failed")
	ErrUpstream     = errors.New("upstream error")
)
