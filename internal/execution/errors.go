package execution

import "errors"

var (
	// ErrExecutionTimeout means a transition used its whole retry budget.
	ErrExecutionTimeout = errors.New("execution timeout")

	// ErrAlreadySubmitted is an idempotency hit. It is success-equivalent:
	// the logical order exists and must not be placed again.
	ErrAlreadySubmitted = errors.New("already submitted")

	// ErrRejected is wrapped by surfaces for definitive refusals; the order
	// was not placed.
	ErrRejected = errors.New("order rejected")

	// ErrDryRun stops a run after the preview.
	ErrDryRun = errors.New("dry run")

	// ErrIllegalTransition guards the transition table.
	ErrIllegalTransition = errors.New("illegal state transition")

	// ErrSubmitAmbiguous means the submit call failed without saying whether
	// the order was placed.
	ErrSubmitAmbiguous = errors.New("submission outcome unknown")

	// ErrNotVerified means order history never showed the submitted order.
	ErrNotVerified = errors.New("submission not verified")
)
