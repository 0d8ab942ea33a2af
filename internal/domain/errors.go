package domain

import "errors"

var (
	errNilDescriptor = errors.New("domain: nil descriptor")
	errEmptyName     = errors.New("domain: descriptor name must not be empty")
	errUnknownKind   = errors.New("domain: unknown primitive kind")
	errMissingSchema = errors.New("domain: input and output schema are required")
	errNilHandler    = errors.New("domain: handler must not be nil")
)
