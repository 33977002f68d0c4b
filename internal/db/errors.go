package db

import "errors"

var (
	ErrDuplicateUser    = errors.New("user already exists")
	ErrUserNotFound     = errors.New("user not found")
	ErrInstanceNotFound = errors.New("instance not found")
	ErrEmptyHistory     = errors.New("message history is empty")
)
