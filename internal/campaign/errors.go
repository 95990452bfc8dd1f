package campaign

import (
	"errors"
	"fmt"
)

// ErrValidation is wrapped by every input error; nothing is persisted or sent when it is returned.
var ErrValidation = errors.New("validation failed")

var (
	ErrNoInstances           = fmt.Errorf("%w: no instances selected", ErrValidation)
	ErrNoContacts            = fmt.Errorf("%w: no contacts", ErrValidation)
	ErrNoTemplates           = fmt.Errorf("%w: no message templates", ErrValidation)
	ErrInvalidTemplate       = fmt.Errorf("%w: invalid message template", ErrValidation)
	ErrInvalidDelayRange     = fmt.Errorf("%w: invalid delay range", ErrValidation)
	ErrNoDeliverableContacts = fmt.Errorf("%w: no contact has a usable phone number", ErrValidation)
	ErrInvalidSchedule       = fmt.Errorf("%w: scheduled campaign without scheduled_for", ErrValidation)
)

var (
	// ErrInvalidTransition means the campaign was not in a status the operation can start from.
	ErrInvalidTransition = errors.New("invalid campaign status transition")

	// ErrEnqueueFailed means message rows exist but the queue refused them; the campaign
	// stays pending without started_at for an operator to inspect.
	ErrEnqueueFailed = errors.New("enqueue failed")

	// ErrBusy means another lifecycle operation holds the campaign.
	ErrBusy = errors.New("campaign is busy")
)

// IsValidation reports whether err is an input error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}
