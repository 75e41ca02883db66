// internal/errors/errors.go
package appErrors

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrValidation marks a rejected campaign or recipient input.
	ErrValidation = errors.New("validation failed")

	// ErrNotDeletable is returned when deleting a campaign that already started sending.
	ErrNotDeletable = errors.New("campaign can only be deleted while scheduled")

	// ErrNotFollowUpable is returned when the parent campaign has not finished.
	ErrNotFollowUpable = errors.New("follow-ups require a done campaign")

	// ErrCycleInProgress is returned when a dispatch cycle is triggered while another one runs.
	ErrCycleInProgress = errors.New("dispatch cycle already in progress")

	// ErrLeaseLost is returned when a cycle's claim on a campaign was taken over.
	ErrLeaseLost = errors.New("campaign lease held by another cycle")
)

// ErrCampaignNotFound is returned when no campaign has the requested id.
type ErrCampaignNotFound struct {
	CampaignID uuid.UUID
}

func (e *ErrCampaignNotFound) Error() string {
	return fmt.Sprintf("campaign with ID %s not found", e.CampaignID)
}

// Helper constructor
func NewCampaignNotFound(id uuid.UUID) error {
	return &ErrCampaignNotFound{CampaignID: id}
}

// ErrRecipientNotFound is returned when no recipient has the requested id.
type ErrRecipientNotFound struct {
	RecipientID uuid.UUID
}

func (e *ErrRecipientNotFound) Error() string {
	return fmt.Sprintf("recipient with ID %s not found", e.RecipientID)
}

func NewRecipientNotFound(id uuid.UUID) error {
	return &ErrRecipientNotFound{RecipientID: id}
}

// Validation wraps ErrValidation with a field-specific message.
func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// IsNotFound reports whether err is any of the not-found errors.
func IsNotFound(err error) bool {
	var campaignErr *ErrCampaignNotFound
	var recipientErr *ErrRecipientNotFound
	return errors.As(err, &campaignErr) || errors.As(err, &recipientErr)
}
