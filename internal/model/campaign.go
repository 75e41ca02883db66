// internal/model/campaign.go
package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	CampaignScheduled  = "scheduled"
	CampaignSending    = "sending"
	CampaignInProgress = "in_progress"
	CampaignDone       = "done"
	CampaignFailed     = "failed"
)

type Campaign struct {
	ID                uuid.UUID     `db:"id" json:"id"`
	Name              string        `db:"name" json:"name"`
	Subject           string        `db:"subject" json:"subject"`
	Body              string        `db:"body" json:"body"`
	FromName          string        `db:"from_name" json:"from_name"`
	ScheduledAt       time.Time     `db:"scheduled_at" json:"scheduled_at"`
	WindowStart       TimeOfDay     `db:"window_start" json:"window_start"`
	WindowEnd         TimeOfDay     `db:"window_end" json:"window_end"`
	DailyLimit        int           `db:"daily_limit" json:"daily_limit"`
	DelayBetweenSends time.Duration `db:"delay_seconds" json:"-"`
	Status            string        `db:"status" json:"status"`
	SentCount         int           `db:"sent_count" json:"sent_count"`
	TotalCount        int           `db:"total_count" json:"total_count"`
	ParentCampaignID  *uuid.UUID    `db:"parent_campaign_id" json:"parent_campaign_id,omitempty"`
	LeaseExpiresAt    *time.Time    `db:"lease_expires_at" json:"-"`
	LeaseToken        *uuid.UUID    `db:"lease_token" json:"-"`
	CreatedAt         time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt         *time.Time    `db:"updated_at" json:"updated_at,omitempty"`
}

// MarshalJSON renders the send delay in whole seconds, the unit campaigns
// are created with.
func (c Campaign) MarshalJSON() ([]byte, error) {
	type campaign Campaign
	return json.Marshal(struct {
		campaign
		DelaySeconds int `json:"delay_seconds"`
	}{campaign(c), int(c.DelayBetweenSends / time.Second)})
}

// CampaignUpdate carries the fields the dispatcher persists when a cycle
// finishes or pauses a campaign. Persisting it also releases the lease.
type CampaignUpdate struct {
	Status    string
	SentCount int
	// LeaseToken, when set, applies the update only while that claim still
	// holds the campaign.
	LeaseToken uuid.UUID
}

// CampaignProgress is the recipient breakdown of one campaign.
type CampaignProgress struct {
	Total   int `json:"total"`
	Pending int `json:"pending"`
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
}

// TimeOfDay is a wall-clock time expressed as minutes since midnight.
type TimeOfDay int

const minutesPerDay = 24 * 60

// ParseTimeOfDay parses "HH:MM" (24h clock).
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid time of day %q: %w", s, err)
	}
	return TimeOfDay(t.Hour()*60 + t.Minute()), nil
}

func (t TimeOfDay) Hour() int   { return int(t) / 60 }
func (t TimeOfDay) Minute() int { return int(t) % 60 }

func (t TimeOfDay) Valid() bool { return t >= 0 && t < minutesPerDay }

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour(), t.Minute())
}

func (t TimeOfDay) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *TimeOfDay) UnmarshalText(b []byte) error {
	v, err := ParseTimeOfDay(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}
