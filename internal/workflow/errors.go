package workflow

import "errors"

// Sentinel errors for the orchestration core. Each carries a stable
// machine-readable code via CodeFor so the REST layer can surface a
// uniform error body. Wrap with fmt.Errorf("%w: detail", ...) to add context.
var (
	// ErrInvalidWorktree indicates the path does not exist, is not a
	// directory, or is not a VCS root.
	ErrInvalidWorktree = errors.New("invalid worktree")
	// ErrWorktreeConflict indicates another workflow holds the worktree
	// in an active status.
	ErrWorktreeConflict = errors.New("worktree conflict")
	// ErrConcurrencyLimit indicates the global active count is at the ceiling.
	ErrConcurrencyLimit = errors.New("concurrency limit reached")
	// ErrInvalidState indicates the requested operation is not allowed
	// from the workflow's current status.
	ErrInvalidState = errors.New("invalid workflow state")
	// ErrInvalidTransition is the state-machine violation raised by the repository.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrNotFound indicates an unknown workflow or event id.
	ErrNotFound = errors.New("not found")
	// ErrPolicyDenied indicates an external policy hook rejected admission.
	ErrPolicyDenied = errors.New("policy denied")
	// ErrValidation indicates a request body failed schema or sanity checks.
	ErrValidation = errors.New("validation error")
)

// CodeFor maps an error chain to its stable machine-readable code.
// Unclassified errors map to "internal_error".
func CodeFor(err error) string {
	switch {
	case errors.Is(err, ErrInvalidWorktree):
		return "invalid_worktree"
	case errors.Is(err, ErrWorktreeConflict):
		return "worktree_conflict"
	case errors.Is(err, ErrConcurrencyLimit):
		return "concurrency_limit"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrPolicyDenied):
		return "policy_denied"
	case errors.Is(err, ErrValidation):
		return "validation_error"
	default:
		return "internal_error"
	}
}
