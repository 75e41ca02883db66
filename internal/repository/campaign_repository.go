package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/unclebandit/campaign-dispatch/internal/db"
	appErrors "github.com/unclebandit/campaign-dispatch/internal/errors"
	"github.com/unclebandit/campaign-dispatch/internal/model"
)

type CampaignRepositoryInterface interface {
	// Campaign CRUD
	CreateWithRecipients(ctx context.Context, c *model.Campaign, recipients []*model.Recipient) error
	GetByID(ctx context.Context, id uuid.UUID) (*model.Campaign, error)
	ListCampaigns(ctx context.Context, offset, limit int, status string) ([]*model.Campaign, int, error)
	Delete(ctx context.Context, id uuid.UUID) error

	// Dispatch
	ListDueCampaigns(ctx context.Context, now time.Time) ([]*model.Campaign, error)
	ClaimCampaign(ctx context.Context, id, token uuid.UUID, now, leaseUntil time.Time) (bool, error)
	RenewLease(ctx context.Context, id, token uuid.UUID, leaseUntil time.Time) (bool, error)
	UpdateCampaign(ctx context.Context, id uuid.UUID, u model.CampaignUpdate) error
}

type CampaignRepository struct {
	DB *sql.DB
}

const campaignColumns = `id, name, subject, body, from_name, scheduled_at, window_start, window_end,
        daily_limit, delay_seconds, status, sent_count, total_count, parent_campaign_id,
        lease_expires_at, lease_token, created_at, updated_at`

// A campaign is claimable when it is waiting, or when the cycle that claimed
// it let its lease lapse (crashed mid-batch).
const claimableCondition = `(status IN ('scheduled', 'in_progress')
        OR (status = 'sending' AND (lease_expires_at IS NULL OR lease_expires_at < $2)))`

// ====================== Campaign CRUD ======================

// CreateWithRecipients stores a campaign and its recipients in one transaction.
func (r *CampaignRepository) CreateWithRecipients(ctx context.Context, c *model.Campaign, recipients []*model.Recipient) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.Status == "" {
		c.Status = model.CampaignScheduled
	}
	c.CreatedAt = time.Now().UTC()
	c.SentCount = 0
	c.TotalCount = len(recipients)

	return db.WithTx(ctx, r.DB, func(tx *sql.Tx) error {
		var parent uuid.NullUUID
		if c.ParentCampaignID != nil {
			parent = uuid.NullUUID{UUID: *c.ParentCampaignID, Valid: true}
		}
		_, err := tx.ExecContext(ctx, `
            INSERT INTO campaigns (id, name, subject, body, from_name, scheduled_at, window_start,
                window_end, daily_limit, delay_seconds, status, sent_count, total_count,
                parent_campaign_id, created_at)
            VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
        `, c.ID, c.Name, c.Subject, c.Body, c.FromName, c.ScheduledAt, int(c.WindowStart),
			int(c.WindowEnd), c.DailyLimit, int(c.DelayBetweenSends/time.Second), c.Status,
			c.SentCount, c.TotalCount, parent, c.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert campaign: %w", err)
		}

		stmt, err := tx.PrepareContext(ctx, `
            INSERT INTO recipients (id, campaign_id, email, name, first_name, company, metadata,
                subject_override, body_override, status, position, created_at)
            VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
        `)
		if err != nil {
			return fmt.Errorf("prepare recipient insert: %w", err)
		}
		defer stmt.Close()

		for i, rec := range recipients {
			if rec.ID == uuid.Nil {
				rec.ID = uuid.New()
			}
			rec.CampaignID = c.ID
			rec.Status = model.RecipientPending
			rec.Position = i
			rec.CreatedAt = c.CreatedAt

			meta, err := marshalMetadata(rec.Metadata)
			if err != nil {
				return err
			}
			if _, err := stmt.ExecContext(ctx, rec.ID, rec.CampaignID, rec.Email, rec.Name,
				rec.FirstName, rec.Company, meta, rec.SubjectOverride, rec.BodyOverride,
				rec.Status, rec.Position, rec.CreatedAt); err != nil {
				return fmt.Errorf("insert recipient %s: %w", rec.Email, err)
			}
		}
		return nil
	})
}

func (r *CampaignRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE id=$1`
	c, err := scanCampaign(r.DB.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewCampaignNotFound(id)
		}
		return nil, err
	}
	return c, nil
}

func (r *CampaignRepository) ListCampaigns(ctx context.Context, offset, limit int, status string) ([]*model.Campaign, int, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE ($1 = '' OR status = $1)
        ORDER BY created_at DESC LIMIT $2 OFFSET $3`

	rows, err := r.DB.QueryContext(ctx, query, status, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	campaigns := []*model.Campaign{}
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, 0, err
		}
		campaigns = append(campaigns, c)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	var total int
	countQuery := `SELECT COUNT(*) FROM campaigns WHERE ($1 = '' OR status = $1)`
	if err := r.DB.QueryRowContext(ctx, countQuery, status).Scan(&total); err != nil {
		return nil, 0, err
	}

	return campaigns, total, nil
}

// Delete removes a campaign that has not started sending yet.
func (r *CampaignRepository) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM campaigns WHERE id=$1 AND status='scheduled'`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	// Distinguish a missing campaign from one that is already history.
	if _, err := r.GetByID(ctx, id); err != nil {
		return err
	}
	return appErrors.ErrNotDeletable
}

// ====================== Dispatch ======================

// ListDueCampaigns returns campaigns whose schedule has arrived and that a
// cycle may claim.
func (r *CampaignRepository) ListDueCampaigns(ctx context.Context, now time.Time) ([]*model.Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns
        WHERE scheduled_at <= $1 AND ` + claimableCondition + `
        ORDER BY scheduled_at, id`

	// $2 is the lease comparison instant, which is the same clock reading.
	rows, err := r.DB.QueryContext(ctx, query, now, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var campaigns []*model.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		campaigns = append(campaigns, c)
	}
	return campaigns, rows.Err()
}

// ClaimCampaign moves a claimable campaign to sending and takes a lease on it
// under token. It reports false when another cycle holds the campaign.
func (r *CampaignRepository) ClaimCampaign(ctx context.Context, id, token uuid.UUID, now, leaseUntil time.Time) (bool, error) {
	query := `UPDATE campaigns SET status='sending', lease_expires_at=$3, lease_token=$4, updated_at=$2
        WHERE id=$1 AND ` + claimableCondition
	res, err := r.DB.ExecContext(ctx, query, id, now, leaseUntil, token)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// RenewLease moves the lease of the claim identified by token to leaseUntil.
// It reports false when that claim no longer holds the campaign.
func (r *CampaignRepository) RenewLease(ctx context.Context, id, token uuid.UUID, leaseUntil time.Time) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `
        UPDATE campaigns SET lease_expires_at=$3
        WHERE id=$1 AND status='sending' AND lease_token=$2
    `, id, token, leaseUntil)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// UpdateCampaign persists the aggregate state and releases the lease. With a
// lease token it returns ErrLeaseLost once another claim owns the campaign.
func (r *CampaignRepository) UpdateCampaign(ctx context.Context, id uuid.UUID, u model.CampaignUpdate) error {
	var token uuid.NullUUID
	if u.LeaseToken != uuid.Nil {
		token = uuid.NullUUID{UUID: u.LeaseToken, Valid: true}
	}
	res, err := r.DB.ExecContext(ctx, `
        UPDATE campaigns SET status=$2, sent_count=$3, lease_expires_at=NULL, lease_token=NULL,
            updated_at=NOW()
        WHERE id=$1 AND ($4::uuid IS NULL OR (status='sending' AND lease_token=$4))
    `, id, u.Status, u.SentCount, token)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	if _, err := r.GetByID(ctx, id); err != nil {
		return err
	}
	return appErrors.ErrLeaseLost
}

// ====================== Scanning ======================

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCampaign(row rowScanner) (*model.Campaign, error) {
	var (
		c                      model.Campaign
		windowStart, windowEnd int
		delaySeconds           int
		parent, token          uuid.NullUUID
		lease, updated         sql.NullTime
	)
	err := row.Scan(&c.ID, &c.Name, &c.Subject, &c.Body, &c.FromName, &c.ScheduledAt,
		&windowStart, &windowEnd, &c.DailyLimit, &delaySeconds, &c.Status, &c.SentCount,
		&c.TotalCount, &parent, &lease, &token, &c.CreatedAt, &updated)
	if err != nil {
		return nil, err
	}
	c.WindowStart = model.TimeOfDay(windowStart)
	c.WindowEnd = model.TimeOfDay(windowEnd)
	c.DelayBetweenSends = time.Duration(delaySeconds) * time.Second
	if parent.Valid {
		id := parent.UUID
		c.ParentCampaignID = &id
	}
	if lease.Valid {
		c.LeaseExpiresAt = &lease.Time
	}
	if token.Valid {
		t := token.UUID
		c.LeaseToken = &t
	}
	if updated.Valid {
		c.UpdatedAt = &updated.Time
	}
	return &c, nil
}

// marshalMetadata returns text; lib/pq would send a []byte as bytea.
func marshalMetadata(meta map[string]string) (string, error) {
	if meta == nil {
		meta = map[string]string{}
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}
	return string(b), nil
}

var _ CampaignRepositoryInterface = (*CampaignRepository)(nil)
