package parley

import (
	"errors"
	"fmt"
)

// Sentinel errors for routing and chat failures.
var (
	// ErrNoProvider is returned when a model names an unregistered provider.
	ErrNoProvider = errors.New("provider not registered")

	// ErrInvalidModel is returned for malformed model strings.
	ErrInvalidModel = errors.New("invalid model format (expected provider/model)")

	// ErrNoModel is returned when no model is specified and no default is set.
	ErrNoModel = errors.New("no model specified")

	// ErrNothingToSend is returned by Chat.Send and Chat.Stream when called
	// with no parts and no pending tool results to resubmit.
	ErrNothingToSend = errors.New("nothing to send")

	// ErrNoStructuredOutput is returned by Chat.Extract when the final reply
	// carries no structured value to decode.
	ErrNoStructuredOutput = errors.New("no structured output in reply")
)

// ModelError reports a model resolution failure with enough context to fix
// the model string.
type ModelError struct {
	Model     string   // the model string that failed to resolve
	Err       error    // the underlying sentinel
	Available []string // configured providers, when relevant
}

func (e *ModelError) Error() string {
	if len(e.Available) > 0 {
		return fmt.Sprintf("model %q: %v (configured providers: %v)", e.Model, e.Err, e.Available)
	}
	return fmt.Sprintf("model %q: %v", e.Model, e.Err)
}

func (e *ModelError) Unwrap() error {
	return e.Err
}
