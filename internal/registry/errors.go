package registry

import "errors"

var (
	ErrDuplicateName     = errors.New("registry: duplicate name")
	ErrNotFound          = errors.New("registry: not found")
	ErrSchemaInvalid     = errors.New("registry: invalid descriptor")
	ErrAmbiguousResource = errors.New("registry: ambiguous resource")
)

// IsAmbiguous reports whether err (or something it wraps) is
// ErrAmbiguousResource.
func IsAmbiguous(err error) bool { return errors.Is(err, ErrAmbiguousResource) }
