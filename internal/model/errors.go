package model

import "errors"

// Ingestion errors. Events failing these checks never enter the pipeline.
var (
	ErrNoRecipients    = errors.New("no recipients")
	ErrInvalidType     = errors.New("invalid notification type")
	ErrInvalidChannel  = errors.New("invalid channel")
	ErrInvalidPriority = errors.New("invalid priority")
	ErrMissingEventID  = errors.New("event id is required")
)

// Store and ledger errors.
var (
	ErrUnknownUser = errors.New("unknown user")
	ErrNotFound    = errors.New("not found")
	ErrImmutable   = errors.New("record is terminal")
	ErrAlreadyRead = errors.New("record already read")
	ErrNotSent     = errors.New("record was not sent")
)
