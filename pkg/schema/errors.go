package schema

import (
	"fmt"
	"strings"
)

// UnknownModelError reports a reference to a model name that was never
// registered.
type UnknownModelError struct {
	Model string
}

func (e UnknownModelError) Error() string {
	return fmt.Sprintf("schema: unknown model %q", e.Model)
}

// InvalidFieldPathError reports a field path that does not resolve from its
// root model: a missing segment, or a scalar segment followed by more path.
type InvalidFieldPathError struct {
	Model   string
	Path    string
	Segment string
	Reason  string
}

func (e InvalidFieldPathError) Error() string {
	return fmt.Sprintf("schema: invalid path %q on %s: segment %q %s", e.Path, e.Model, e.Segment, e.Reason)
}

// CircularComputeError reports a dependency cycle among computed fields,
// detected at registry finalization.
type CircularComputeError struct {
	Cycle []string // model.field entries forming the cycle
}

func (e CircularComputeError) Error() string {
	return fmt.Sprintf("schema: computed field dependency cycle: %s", strings.Join(e.Cycle, " -> "))
}

// DuplicateFieldError reports a field-name collision during model extension.
type DuplicateFieldError struct {
	Model string
	Field string
}

func (e DuplicateFieldError) Error() string {
	return fmt.Sprintf("schema: field %q already declared on model %s", e.Field, e.Model)
}
