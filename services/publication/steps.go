package publication

import (
	"errors"
	"fmt"
)

// Step is a page of the winner publication wizard.
type Step string

const (
	StepWallets      Step = "wallets"
	StepAnnouncement Step = "announcement"
	StepPreview      Step = "preview"
	StepPublished    Step = "published"
)

var allowedTransitions = map[Step][]Step{
	StepWallets:      {StepAnnouncement},
	StepAnnouncement: {StepPreview, StepWallets},
	StepPreview:      {StepAnnouncement, StepPublished},
}

// ErrInvalidStep is returned for operations not permitted on the current step.
var ErrInvalidStep = errors.New("publication: invalid step")

// ValidateTransition ensures the wizard moves along permitted edges.
func ValidateTransition(current, next Step) error {
	for _, step := range allowedTransitions[current] {
		if step == next {
			return nil
		}
	}
	return fmt.Errorf("%w: %s to %s is not permitted", ErrInvalidStep, current, next)
}
