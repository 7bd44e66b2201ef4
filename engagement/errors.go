package engagement

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrNotFound signals the referenced engagement, contract, or schedule
	// item does not exist.
	ErrNotFound = errors.New("engagement: not found")
	// ErrNotAuthorized signals the caller is not a valid actor for the action
	// given their relationship to the engagement.
	ErrNotAuthorized = errors.New("engagement: not authorized")
	// ErrInvalidTransition signals the action is not permitted from the
	// current lifecycle state.
	ErrInvalidTransition = errors.New("engagement: invalid transition")
	// ErrInvalidState signals a guard condition blocks an otherwise
	// authorized, state-appropriate action (e.g. deleting a done item).
	ErrInvalidState = errors.New("engagement: invalid state")
	// ErrValidation signals structurally invalid input.
	ErrValidation = errors.New("engagement: validation failed")
	// ErrAlreadyExists signals a duplicate contract creation attempt.
	ErrAlreadyExists = errors.New("engagement: already exists")
	// ErrConflict signals a concurrent-modification race was lost; the caller
	// may safely retry.
	ErrConflict = errors.New("engagement: conflict, retry")
	// ErrUnavailable wraps unexpected storage failures. No retries happen at
	// this layer; retry policy belongs to the caller.
	ErrUnavailable = errors.New("engagement: storage unavailable")
)

func validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// storageErr maps low-level pgx failures onto the error kinds callers can act
// on: unique violations become ErrAlreadyExists, serialization failures and
// deadlocks become retryable ErrConflict, anything else is ErrUnavailable.
func storageErr(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return fmt.Errorf("engagement: %s: %w", op, ErrAlreadyExists)
		case "40001", "40P01":
			return fmt.Errorf("engagement: %s: %w", op, ErrConflict)
		}
	}
	return fmt.Errorf("engagement: %s: %w", op, errors.Join(ErrUnavailable, err))
}
