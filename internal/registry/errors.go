package registry

import (
	"errors"
	"fmt"

	"github.com/dongwonkwak/ironpost/internal/pluginapi"
)

// ErrAlreadyRegistered is returned by Register when a plugin with the
// same name is already present.
var ErrAlreadyRegistered = errors.New("registry: plugin already registered")

// ErrNotFound is returned when a named plugin is not present.
var ErrNotFound = errors.New("registry: plugin not found")

// InvalidStateError reports an illegal lifecycle transition attempt.
type InvalidStateError struct {
	Plugin   string
	Current  pluginapi.State
	Expected pluginapi.State
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("registry: plugin %q: invalid state transition: current=%s expected=%s",
		e.Plugin, e.Current, e.Expected)
}

// StopFailedError aggregates per-plugin stop errors encountered during
// StopAll. StopAll is continue-on-error (§4.1): every plugin's Stop is
// attempted regardless of earlier failures.
type StopFailedError struct {
	Errors map[string]error // plugin name -> error
}

func (e *StopFailedError) Error() string {
	return fmt.Sprintf("registry: stop_all: %d plugin(s) failed to stop cleanly", len(e.Errors))
}

func (e *StopFailedError) Unwrap() []error {
	errs := make([]error, 0, len(e.Errors))
	for _, err := range e.Errors {
		errs = append(errs, err)
	}
	return errs
}
