package store

import "errors"

var (
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrNotFound         = errors.New("no such file")
	ErrAlreadyExists    = errors.New("file already exists")
	ErrPermissionDenied = errors.New("permission denied")
	ErrTooLarge         = errors.New("file too large for the store")
)
