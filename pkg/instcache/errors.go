package instcache

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

var (
	// ErrStructuralInvariant is wrapped by the panic value raised when shared
	// state is found in an impossible condition. Continuing would spread the
	// damage to every attached process.
	ErrStructuralInvariant = errors.New("instcache: structural invariant violated")

	// ErrIncompatible is returned when attaching to a segment with a
	// different magic, version or shape.
	ErrIncompatible = errors.New("instcache: incompatible segment")

	// ErrInvalidOptions is returned for out-of-range options.
	ErrInvalidOptions = errors.New("instcache: invalid options")

	// ErrNotMaster is returned by Init when another live process is already
	// the master of the segment.
	ErrNotMaster = errors.New("instcache: segment has another live master")
)

// fatal logs msg at error level and panics with an error wrapping
// ErrStructuralInvariant.
func fatal(log *zap.Logger, msg string, fields ...zap.Field) {
	log.Error(msg, fields...)

	panic(fmt.Errorf("%w: %s", ErrStructuralInvariant, msg))
}
