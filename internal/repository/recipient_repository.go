package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	appErrors "github.com/unclebandit/campaign-dispatch/internal/errors"
	"github.com/unclebandit/campaign-dispatch/internal/model"
)

// RecipientRepositoryInterface defines the recipient queries used by the services
type RecipientRepositoryInterface interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.Recipient, error)
	ListByCampaign(ctx context.Context, campaignID uuid.UUID) ([]*model.Recipient, error)
	ListSent(ctx context.Context, campaignID uuid.UUID) ([]*model.Recipient, error)
	ListSentByIDs(ctx context.Context, campaignID uuid.UUID, ids []uuid.UUID) ([]*model.Recipient, error)
	ListPending(ctx context.Context, campaignID uuid.UUID, limit int) ([]*model.Recipient, error)
	Update(ctx context.Context, id uuid.UUID, u model.RecipientUpdate) error
	CountAttemptedSince(ctx context.Context, campaignID uuid.UUID, since time.Time) (int, error)
	Progress(ctx context.Context, campaignID uuid.UUID) (model.CampaignProgress, error)
}

// ErrRecipientNotPending is returned when an outcome is written for a
// recipient that already reached a terminal state.
var ErrRecipientNotPending = errors.New("recipient is no longer pending")

type RecipientRepository struct {
	DB *sql.DB
}

const recipientColumns = `id, campaign_id, email, name, first_name, company, metadata,
        subject_override, body_override, status, sent_at, attempted_at, error, position, created_at`

// GetByID fetches a recipient by ID
func (r *RecipientRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Recipient, error) {
	query := `SELECT ` + recipientColumns + ` FROM recipients WHERE id=$1`
	rec, err := scanRecipient(r.DB.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewRecipientNotFound(id)
		}
		return nil, err
	}
	return rec, nil
}

// ListByCampaign returns every recipient of a campaign in load order.
func (r *RecipientRepository) ListByCampaign(ctx context.Context, campaignID uuid.UUID) ([]*model.Recipient, error) {
	query := `SELECT ` + recipientColumns + ` FROM recipients WHERE campaign_id=$1 ORDER BY position`
	return r.list(ctx, query, campaignID)
}

// ListSent returns recipients that were delivered, ordered by email.
func (r *RecipientRepository) ListSent(ctx context.Context, campaignID uuid.UUID) ([]*model.Recipient, error) {
	query := `SELECT ` + recipientColumns + ` FROM recipients
        WHERE campaign_id=$1 AND status='sent' ORDER BY email`
	return r.list(ctx, query, campaignID)
}

// ListSentByIDs returns the subset of ids that are sent recipients of the
// campaign. Ids that do not qualify are silently left out.
func (r *RecipientRepository) ListSentByIDs(ctx context.Context, campaignID uuid.UUID, ids []uuid.UUID) ([]*model.Recipient, error) {
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = id.String()
	}
	query := `SELECT ` + recipientColumns + ` FROM recipients
        WHERE campaign_id=$1 AND status='sent' AND id = ANY($2::uuid[]) ORDER BY email`
	return r.list(ctx, query, campaignID, pq.Array(keys))
}

// ListPending returns up to limit pending recipients in load order.
// A non-positive limit returns all of them.
func (r *RecipientRepository) ListPending(ctx context.Context, campaignID uuid.UUID, limit int) ([]*model.Recipient, error) {
	query := `SELECT ` + recipientColumns + ` FROM recipients
        WHERE campaign_id=$1 AND status='pending' ORDER BY position`
	if limit > 0 {
		return r.list(ctx, query+` LIMIT $2`, campaignID, limit)
	}
	return r.list(ctx, query, campaignID)
}

// Update writes the outcome of one send attempt. Each call commits on its
// own, and only a pending row is ever changed.
func (r *RecipientRepository) Update(ctx context.Context, id uuid.UUID, u model.RecipientUpdate) error {
	query := `
        UPDATE recipients
        SET status=$2, sent_at=$3, attempted_at=$4, error=$5
        WHERE id=$1 AND status='pending'
    `
	res, err := r.DB.ExecContext(ctx, query, id, u.Status, u.SentAt, u.AttemptedAt, u.Error)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrRecipientNotPending, id)
	}
	return nil
}

// CountAttemptedSince counts recipients sent or failed at or after since.
func (r *RecipientRepository) CountAttemptedSince(ctx context.Context, campaignID uuid.UUID, since time.Time) (int, error) {
	var count int
	err := r.DB.QueryRowContext(ctx, `
        SELECT COUNT(*) FROM recipients
        WHERE campaign_id=$1 AND attempted_at >= $2`, campaignID, since).Scan(&count)
	return count, err
}

func (r *RecipientRepository) Progress(ctx context.Context, campaignID uuid.UUID) (model.CampaignProgress, error) {
	var p model.CampaignProgress

	rows, err := r.DB.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM recipients WHERE campaign_id=$1 GROUP BY status`, campaignID)
	if err != nil {
		return p, err
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return p, err
		}
		switch status {
		case model.RecipientPending:
			p.Pending = count
		case model.RecipientSent:
			p.Sent = count
		case model.RecipientFailed:
			p.Failed = count
		}
		p.Total += count
	}
	return p, rows.Err()
}

func (r *RecipientRepository) list(ctx context.Context, query string, args ...any) ([]*model.Recipient, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	recipients := []*model.Recipient{}
	for rows.Next() {
		rec, err := scanRecipient(rows)
		if err != nil {
			return nil, err
		}
		recipients = append(recipients, rec)
	}
	return recipients, rows.Err()
}

func scanRecipient(row rowScanner) (*model.Recipient, error) {
	var (
		rec              model.Recipient
		meta             []byte
		sentAt, attempts sql.NullTime
	)
	err := row.Scan(&rec.ID, &rec.CampaignID, &rec.Email, &rec.Name, &rec.FirstName, &rec.Company,
		&meta, &rec.SubjectOverride, &rec.BodyOverride, &rec.Status, &sentAt, &attempts,
		&rec.Error, &rec.Position, &rec.CreatedAt)
	if err != nil {
		return nil, err
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &rec.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata for recipient %s: %w", rec.ID, err)
		}
	}
	if sentAt.Valid {
		rec.SentAt = &sentAt.Time
	}
	if attempts.Valid {
		rec.AttemptedAt = &attempts.Time
	}
	return &rec, nil
}

var _ RecipientRepositoryInterface = (*RecipientRepository)(nil)
