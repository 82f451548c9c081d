package escrowflow

import (
	"errors"

	"fundflow/native/funding"
)

var (
	// ErrAbandoned is returned when the attempt was cancelled while a
	// collaborator call was in flight. The call's result is discarded.
	ErrAbandoned = errors.New("escrowflow: attempt abandoned")
	// ErrInvalidSigner is returned when the wallet address is malformed.
	ErrInvalidSigner = errors.New("escrowflow: signer address is not valid")
	// ErrDraftRequired is returned by Submit without a draft.
	ErrDraftRequired = errors.New("escrowflow: draft required")
)

// ValidationError carries every violation found in a draft. It is returned
// as data alongside the retained draft; the machine stays in form.
type ValidationError struct {
	Result funding.Result
}

func (e *ValidationError) Error() string {
	if err := e.Result.Err(); err != nil {
		return err.Error()
	}
	return funding.ErrInvalidDraft.Error()
}

func (e *ValidationError) Unwrap() error { return funding.ErrInvalidDraft }
