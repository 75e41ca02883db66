// internal/repository/memory.go
package repository

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	appErrors "github.com/unclebandit/campaign-dispatch/internal/errors"
	"github.com/unclebandit/campaign-dispatch/internal/model"
)

// MemoryStore keeps campaigns and recipients in process memory with the same
// semantics as the Postgres repositories. Values handed out are copies.
type MemoryStore struct {
	mu         sync.Mutex
	campaigns  map[uuid.UUID]*model.Campaign
	recipients map[uuid.UUID]*model.Recipient
	order      []uuid.UUID
	now        func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		campaigns:  make(map[uuid.UUID]*model.Campaign),
		recipients: make(map[uuid.UUID]*model.Recipient),
		now:        time.Now,
	}
}

// Campaigns returns the campaign side of the store.
func (m *MemoryStore) Campaigns() *MemoryCampaignRepository {
	return &MemoryCampaignRepository{m: m}
}

// Recipients returns the recipient side of the store.
func (m *MemoryStore) Recipients() *MemoryRecipientRepository {
	return &MemoryRecipientRepository{m: m}
}

// SetClock replaces the clock used for created_at stamps.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func claimable(c *model.Campaign, now time.Time) bool {
	switch c.Status {
	case model.CampaignScheduled, model.CampaignInProgress:
		return true
	case model.CampaignSending:
		return c.LeaseExpiresAt == nil || c.LeaseExpiresAt.Before(now)
	}
	return false
}

// holds reports whether the claim identified by token still owns c.
func holds(c *model.Campaign, token uuid.UUID) bool {
	return c.Status == model.CampaignSending && c.LeaseToken != nil && *c.LeaseToken == token
}

func cloneCampaign(c *model.Campaign) *model.Campaign {
	cp := *c
	if c.LeaseToken != nil {
		t := *c.LeaseToken
		cp.LeaseToken = &t
	}
	return &cp
}

func cloneRecipient(r *model.Recipient) *model.Recipient {
	cp := *r
	cp.Metadata = maps.Clone(r.Metadata)
	return &cp
}

// ====================== Campaigns ======================

type MemoryCampaignRepository struct {
	m *MemoryStore
}

func (r *MemoryCampaignRepository) CreateWithRecipients(ctx context.Context, c *model.Campaign, recipients []*model.Recipient) error {
	m := r.m
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]struct{}, len(recipients))
	for _, rec := range recipients {
		key := strings.ToLower(rec.Email)
		if _, dup := seen[key]; dup {
			return fmt.Errorf("insert recipient %s: duplicate email", rec.Email)
		}
		seen[key] = struct{}{}
	}

	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.Status == "" {
		c.Status = model.CampaignScheduled
	}
	c.CreatedAt = m.now().UTC()
	c.SentCount = 0
	c.TotalCount = len(recipients)
	m.campaigns[c.ID] = cloneCampaign(c)
	m.order = append(m.order, c.ID)

	for i, rec := range recipients {
		if rec.ID == uuid.Nil {
			rec.ID = uuid.New()
		}
		rec.CampaignID = c.ID
		rec.Status = model.RecipientPending
		rec.Position = i
		rec.CreatedAt = c.CreatedAt
		m.recipients[rec.ID] = cloneRecipient(rec)
	}
	return nil
}

func (r *MemoryCampaignRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Campaign, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()

	c, ok := r.m.campaigns[id]
	if !ok {
		return nil, appErrors.NewCampaignNotFound(id)
	}
	return cloneCampaign(c), nil
}

// ListCampaigns returns newest campaigns first.
func (r *MemoryCampaignRepository) ListCampaigns(ctx context.Context, offset, limit int, status string) ([]*model.Campaign, int, error) {
	m := r.m
	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []*model.Campaign
	for i := len(m.order) - 1; i >= 0; i-- {
		c, ok := m.campaigns[m.order[i]]
		if !ok || (status != "" && c.Status != status) {
			continue
		}
		matched = append(matched, cloneCampaign(c))
	}

	total := len(matched)
	if offset >= total {
		return []*model.Campaign{}, total, nil
	}
	end := min(offset+limit, total)
	return matched[offset:end], total, nil
}

func (r *MemoryCampaignRepository) Delete(ctx context.Context, id uuid.UUID) error {
	m := r.m
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.campaigns[id]
	if !ok {
		return appErrors.NewCampaignNotFound(id)
	}
	if c.Status != model.CampaignScheduled {
		return appErrors.ErrNotDeletable
	}
	delete(m.campaigns, id)
	m.order = slices.DeleteFunc(m.order, func(v uuid.UUID) bool { return v == id })
	for rid, rec := range m.recipients {
		if rec.CampaignID == id {
			delete(m.recipients, rid)
		}
	}
	return nil
}

func (r *MemoryCampaignRepository) ListDueCampaigns(ctx context.Context, now time.Time) ([]*model.Campaign, error) {
	m := r.m
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []*model.Campaign
	for _, c := range m.campaigns {
		if !c.ScheduledAt.After(now) && claimable(c, now) {
			due = append(due, cloneCampaign(c))
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].ScheduledAt.Equal(due[j].ScheduledAt) {
			return due[i].ScheduledAt.Before(due[j].ScheduledAt)
		}
		return due[i].ID.String() < due[j].ID.String()
	})
	return due, nil
}

func (r *MemoryCampaignRepository) ClaimCampaign(ctx context.Context, id, token uuid.UUID, now, leaseUntil time.Time) (bool, error) {
	m := r.m
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.campaigns[id]
	if !ok || !claimable(c, now) {
		return false, nil
	}
	c.Status = model.CampaignSending
	c.LeaseExpiresAt = &leaseUntil
	c.LeaseToken = &token
	c.UpdatedAt = &now
	return true, nil
}

func (r *MemoryCampaignRepository) RenewLease(ctx context.Context, id, token uuid.UUID, leaseUntil time.Time) (bool, error) {
	m := r.m
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.campaigns[id]
	if !ok || !holds(c, token) {
		return false, nil
	}
	c.LeaseExpiresAt = &leaseUntil
	return true, nil
}

func (r *MemoryCampaignRepository) UpdateCampaign(ctx context.Context, id uuid.UUID, u model.CampaignUpdate) error {
	m := r.m
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.campaigns[id]
	if !ok {
		return appErrors.NewCampaignNotFound(id)
	}
	if u.LeaseToken != uuid.Nil && !holds(c, u.LeaseToken) {
		return appErrors.ErrLeaseLost
	}
	now := m.now().UTC()
	c.Status = u.Status
	c.SentCount = u.SentCount
	c.LeaseExpiresAt = nil
	c.LeaseToken = nil
	c.UpdatedAt = &now
	return nil
}

// ====================== Recipients ======================

type MemoryRecipientRepository struct {
	m *MemoryStore
}

func (r *MemoryRecipientRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Recipient, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()

	rec, ok := r.m.recipients[id]
	if !ok {
		return nil, appErrors.NewRecipientNotFound(id)
	}
	return cloneRecipient(rec), nil
}

func (r *MemoryRecipientRepository) ListByCampaign(ctx context.Context, campaignID uuid.UUID) ([]*model.Recipient, error) {
	return r.filter(campaignID, "", 0, byPosition), nil
}

func (r *MemoryRecipientRepository) ListSent(ctx context.Context, campaignID uuid.UUID) ([]*model.Recipient, error) {
	return r.filter(campaignID, model.RecipientSent, 0, byEmail), nil
}

func (r *MemoryRecipientRepository) ListSentByIDs(ctx context.Context, campaignID uuid.UUID, ids []uuid.UUID) ([]*model.Recipient, error) {
	sent := r.filter(campaignID, model.RecipientSent, 0, byEmail)
	return slices.DeleteFunc(sent, func(rec *model.Recipient) bool {
		return !slices.Contains(ids, rec.ID)
	}), nil
}

func (r *MemoryRecipientRepository) ListPending(ctx context.Context, campaignID uuid.UUID, limit int) ([]*model.Recipient, error) {
	return r.filter(campaignID, model.RecipientPending, limit, byPosition), nil
}

func (r *MemoryRecipientRepository) Update(ctx context.Context, id uuid.UUID, u model.RecipientUpdate) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()

	rec, ok := r.m.recipients[id]
	if !ok || rec.Status != model.RecipientPending {
		return fmt.Errorf("%w: %s", ErrRecipientNotPending, id)
	}
	at := u.AttemptedAt
	rec.Status = u.Status
	rec.SentAt = u.SentAt
	rec.AttemptedAt = &at
	rec.Error = u.Error
	return nil
}

func (r *MemoryRecipientRepository) CountAttemptedSince(ctx context.Context, campaignID uuid.UUID, since time.Time) (int, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()

	count := 0
	for _, rec := range r.m.recipients {
		if rec.CampaignID == campaignID && rec.AttemptedAt != nil && !rec.AttemptedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func (r *MemoryRecipientRepository) Progress(ctx context.Context, campaignID uuid.UUID) (model.CampaignProgress, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()

	var p model.CampaignProgress
	for _, rec := range r.m.recipients {
		if rec.CampaignID != campaignID {
			continue
		}
		p.Total++
		switch rec.Status {
		case model.RecipientPending:
			p.Pending++
		case model.RecipientSent:
			p.Sent++
		case model.RecipientFailed:
			p.Failed++
		}
	}
	return p, nil
}

func byPosition(a, b *model.Recipient) int { return a.Position - b.Position }
func byEmail(a, b *model.Recipient) int    { return strings.Compare(a.Email, b.Email) }

func (r *MemoryRecipientRepository) filter(campaignID uuid.UUID, status string, limit int, cmp func(a, b *model.Recipient) int) []*model.Recipient {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()

	out := []*model.Recipient{}
	for _, rec := range r.m.recipients {
		if rec.CampaignID == campaignID && (status == "" || rec.Status == status) {
			out = append(out, cloneRecipient(rec))
		}
	}
	slices.SortFunc(out, cmp)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

var (
	_ CampaignRepositoryInterface  = (*MemoryCampaignRepository)(nil)
	_ RecipientRepositoryInterface = (*MemoryRecipientRepository)(nil)
)
