package domain

import "errors"

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalid        = errors.New("invalid campaign definition")
	ErrAlreadyPlanned = errors.New("campaign already has scheduled drops")
	ErrEmptyContent   = errors.New("content list is empty")
	ErrEmptyAudience  = errors.New("audience is empty")
	ErrStartInPast    = errors.New("start date is in the past")
	ErrNoChannels     = errors.New("no valid channels selected")
)
