// internal/model/recipient.go
package model

import (
	"time"

	"github.com/google/uuid"
)

const (
	RecipientPending = "pending"
	RecipientSent    = "sent"
	RecipientFailed  = "failed"
)

type Recipient struct {
	ID              uuid.UUID         `db:"id" json:"id"`
	CampaignID      uuid.UUID         `db:"campaign_id" json:"campaign_id"`
	Email           string            `db:"email" json:"email"`
	Name            string            `db:"name" json:"name"`
	FirstName       string            `db:"first_name" json:"first_name,omitempty"`
	Company         string            `db:"company" json:"company,omitempty"`
	Metadata        map[string]string `db:"metadata" json:"metadata,omitempty"`
	SubjectOverride string            `db:"subject_override" json:"subject_override,omitempty"`
	BodyOverride    string            `db:"body_override" json:"body_override,omitempty"`
	Status          string            `db:"status" json:"status"` // pending, sent, failed
	SentAt          *time.Time        `db:"sent_at" json:"sent_at,omitempty"`
	AttemptedAt     *time.Time        `db:"attempted_at" json:"attempted_at,omitempty"`
	Error           string            `db:"error" json:"error,omitempty"`
	Position        int               `db:"position" json:"-"`
	CreatedAt       time.Time         `db:"created_at" json:"created_at"`
}

// Terminal reports whether the recipient has already been attempted.
func (r *Recipient) Terminal() bool {
	return r.Status == RecipientSent || r.Status == RecipientFailed
}

// RecipientUpdate is the one-shot outcome written for a pending recipient.
type RecipientUpdate struct {
	Status      string
	SentAt      *time.Time
	AttemptedAt time.Time
	Error       string
}
