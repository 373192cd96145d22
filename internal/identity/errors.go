package identity

import "errors"

var (
	ErrNotFound      = errors.New("identity: not found")
	ErrEmailConflict = errors.New("identity: email already in use")
	ErrInvalidInput  = errors.New("identity: invalid input")
)
