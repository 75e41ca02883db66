// internal/service/campaign_service.go
package service

import (
	"context"
	"fmt"
	netmail "net/mail"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	appErrors "github.com/unclebandit/campaign-dispatch/internal/errors"
	"github.com/unclebandit/campaign-dispatch/internal/mail"
	"github.com/unclebandit/campaign-dispatch/internal/model"
	"github.com/unclebandit/campaign-dispatch/internal/repository"
)

type CampaignService struct {
	CampaignRepo  repository.CampaignRepositoryInterface
	RecipientRepo repository.RecipientRepositoryInterface
	Sender        mail.Sender
	FromEmail     string
	Defaults      CampaignDefaults
}

// CampaignDefaults fill scheduling fields a new campaign leaves out.
type CampaignDefaults struct {
	WindowStart       model.TimeOfDay
	WindowEnd         model.TimeOfDay
	DailyLimit        int
	DelayBetweenSends time.Duration
}

type NewRecipient struct {
	Email           string            `json:"email"`
	Name            string            `json:"name"`
	FirstName       string            `json:"first_name"`
	Company         string            `json:"company"`
	Metadata        map[string]string `json:"metadata"`
	SubjectOverride string            `json:"subject_override"`
	BodyOverride    string            `json:"body_override"`
}

type CreateCampaignInput struct {
	Name         string           `json:"name"`
	Subject      string           `json:"subject"`
	Body         string           `json:"body"`
	FromName     string           `json:"from_name"`
	ScheduledAt  time.Time        `json:"scheduled_at"`
	WindowStart  *model.TimeOfDay `json:"window_start"`
	WindowEnd    *model.TimeOfDay `json:"window_end"`
	DailyLimit   *int             `json:"daily_limit"`
	DelaySeconds *int             `json:"delay_seconds"`
	Recipients   []NewRecipient   `json:"recipients"`
}

type DuplicateInput struct {
	Name        string     `json:"name"`
	ScheduledAt *time.Time `json:"scheduled_at"`
}

type FollowUpInput struct {
	Name         string      `json:"name"`
	Subject      string      `json:"subject"`
	Body         string      `json:"body"`
	FromName     string      `json:"from_name"`
	ScheduledAt  time.Time   `json:"scheduled_at"`
	RecipientIDs []uuid.UUID `json:"recipient_ids"`
}

type CampaignDetails struct {
	Campaign *model.Campaign        `json:"campaign"`
	Stats    model.CampaignProgress `json:"stats"`
}

type Preview struct {
	RecipientID uuid.UUID `json:"recipient_id"`
	Subject     string    `json:"subject"`
	Body        string    `json:"body"`
}

// CreateCampaign validates the input and stores a scheduled campaign with
// all of its recipients pending.
func (s *CampaignService) CreateCampaign(ctx context.Context, in CreateCampaignInput) (*model.Campaign, error) {
	return s.create(ctx, in, nil)
}

func (s *CampaignService) create(ctx context.Context, in CreateCampaignInput, parent *uuid.UUID) (*model.Campaign, error) {
	c, err := s.buildCampaign(in)
	if err != nil {
		return nil, err
	}
	c.ParentCampaignID = parent

	recipients, err := normalizeRecipients(in.Recipients)
	if err != nil {
		return nil, err
	}

	if err := s.CampaignRepo.CreateWithRecipients(ctx, c, recipients); err != nil {
		return nil, fmt.Errorf("create campaign: %w", err)
	}
	return c, nil
}

func (s *CampaignService) buildCampaign(in CreateCampaignInput) (*model.Campaign, error) {
	c := &model.Campaign{
		Name:              strings.TrimSpace(in.Name),
		Subject:           in.Subject,
		Body:              in.Body,
		FromName:          strings.TrimSpace(in.FromName),
		ScheduledAt:       in.ScheduledAt.UTC(),
		WindowStart:       s.Defaults.WindowStart,
		WindowEnd:         s.Defaults.WindowEnd,
		DailyLimit:        s.Defaults.DailyLimit,
		DelayBetweenSends: s.Defaults.DelayBetweenSends,
		Status:            model.CampaignScheduled,
	}
	if in.WindowStart != nil {
		c.WindowStart = *in.WindowStart
	}
	if in.WindowEnd != nil {
		c.WindowEnd = *in.WindowEnd
	}
	if in.DailyLimit != nil {
		c.DailyLimit = *in.DailyLimit
	}
	if in.DelaySeconds != nil {
		if *in.DelaySeconds < 0 {
			return nil, appErrors.Validation("delay_seconds must not be negative")
		}
		c.DelayBetweenSends = time.Duration(*in.DelaySeconds) * time.Second
	}

	switch {
	case c.Name == "":
		return nil, appErrors.Validation("name is required")
	case strings.TrimSpace(c.Subject) == "":
		return nil, appErrors.Validation("subject is required")
	case strings.TrimSpace(c.Body) == "":
		return nil, appErrors.Validation("body is required")
	case in.ScheduledAt.IsZero():
		return nil, appErrors.Validation("scheduled_at is required")
	case !c.WindowStart.Valid() || !c.WindowEnd.Valid():
		return nil, appErrors.Validation("send window must be between 00:00 and 23:59")
	case c.DailyLimit <= 0:
		return nil, appErrors.Validation("daily_limit must be positive")
	case c.DelayBetweenSends < 0:
		return nil, appErrors.Validation("delay between sends must not be negative")
	}
	return c, nil
}

// normalizeRecipients lowercases emails, rejects invalid ones and keeps the
// first occurrence of each address.
func normalizeRecipients(in []NewRecipient) ([]*model.Recipient, error) {
	if len(in) == 0 {
		return nil, appErrors.Validation("at least one recipient is required")
	}

	seen := make(map[string]struct{}, len(in))
	out := make([]*model.Recipient, 0, len(in))
	for i, nr := range in {
		email := strings.ToLower(strings.TrimSpace(nr.Email))
		if email == "" {
			return nil, appErrors.Validation("recipient %d: email is required", i)
		}
		addr, err := netmail.ParseAddress(email)
		if err != nil || addr.Address != email {
			return nil, appErrors.Validation("recipient %d: invalid email %q", i, nr.Email)
		}
		if _, dup := seen[email]; dup {
			continue
		}
		seen[email] = struct{}{}

		out = append(out, &model.Recipient{
			Email:           email,
			Name:            strings.TrimSpace(nr.Name),
			FirstName:       strings.TrimSpace(nr.FirstName),
			Company:         strings.TrimSpace(nr.Company),
			Metadata:        nr.Metadata,
			SubjectOverride: nr.SubjectOverride,
			BodyOverride:    nr.BodyOverride,
		})
	}
	return out, nil
}

// ListCampaigns fetches campaigns with pagination
func (s *CampaignService) ListCampaigns(ctx context.Context, page, pageSize int, status string) ([]model.Campaign, map[string]int, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}
	offset := (page - 1) * pageSize

	ptrs, total, err := s.CampaignRepo.ListCampaigns(ctx, offset, pageSize, status)
	if err != nil {
		return nil, nil, err
	}

	campaigns := make([]model.Campaign, len(ptrs))
	for i, c := range ptrs {
		campaigns[i] = *c
	}

	totalPages := (total + pageSize - 1) / pageSize
	pagination := map[string]int{
		"page":        page,
		"page_size":   pageSize,
		"total_count": total,
		"total_pages": totalPages,
	}

	return campaigns, pagination, nil
}

// GetCampaignDetails returns a campaign with its recipient status breakdown.
func (s *CampaignService) GetCampaignDetails(ctx context.Context, id uuid.UUID) (*CampaignDetails, error) {
	campaign, err := s.CampaignRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	stats, err := s.RecipientRepo.Progress(ctx, id)
	if err != nil {
		return nil, err
	}
	return &CampaignDetails{Campaign: campaign, Stats: stats}, nil
}

// DeleteCampaign removes a campaign that is still scheduled.
func (s *CampaignService) DeleteCampaign(ctx context.Context, id uuid.UUID) error {
	return s.CampaignRepo.Delete(ctx, id)
}

// DuplicateCampaign copies a campaign's configuration and recipients into a
// new scheduled campaign. Progress is not copied.
func (s *CampaignService) DuplicateCampaign(ctx context.Context, id uuid.UUID, in DuplicateInput) (*model.Campaign, error) {
	src, err := s.CampaignRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	recipients, err := s.RecipientRepo.ListByCampaign(ctx, id)
	if err != nil {
		return nil, err
	}

	input := CreateCampaignInput{
		Name:         strings.TrimSpace(in.Name),
		Subject:      src.Subject,
		Body:         src.Body,
		FromName:     src.FromName,
		ScheduledAt:  src.ScheduledAt,
		WindowStart:  &src.WindowStart,
		WindowEnd:    &src.WindowEnd,
		DailyLimit:   &src.DailyLimit,
		DelaySeconds: intPtr(int(src.DelayBetweenSends / time.Second)),
		Recipients:   make([]NewRecipient, 0, len(recipients)),
	}
	if input.Name == "" {
		input.Name = src.Name + " (copy)"
	}
	if in.ScheduledAt != nil {
		input.ScheduledAt = *in.ScheduledAt
	}
	for _, r := range recipients {
		nr := newRecipientFrom(r)
		nr.SubjectOverride = r.SubjectOverride
		nr.BodyOverride = r.BodyOverride
		input.Recipients = append(input.Recipients, nr)
	}

	return s.create(ctx, input, &src.ID)
}

// CreateFollowUp starts a new campaign addressed to recipients that were
// sent the parent campaign. An empty selection means every sent recipient.
func (s *CampaignService) CreateFollowUp(ctx context.Context, parentID uuid.UUID, in FollowUpInput) (*model.Campaign, error) {
	parent, err := s.CampaignRepo.GetByID(ctx, parentID)
	if err != nil {
		return nil, err
	}
	if parent.Status != model.CampaignDone {
		return nil, appErrors.ErrNotFollowUpable
	}

	selected, err := s.followUpRecipients(ctx, parentID, in.RecipientIDs)
	if err != nil {
		return nil, err
	}

	input := CreateCampaignInput{
		Name:         in.Name,
		Subject:      in.Subject,
		Body:         in.Body,
		FromName:     in.FromName,
		ScheduledAt:  in.ScheduledAt,
		WindowStart:  &parent.WindowStart,
		WindowEnd:    &parent.WindowEnd,
		DailyLimit:   &parent.DailyLimit,
		DelaySeconds: intPtr(int(parent.DelayBetweenSends / time.Second)),
	}
	if strings.TrimSpace(input.FromName) == "" {
		input.FromName = parent.FromName
	}
	for _, r := range selected {
		input.Recipients = append(input.Recipients, newRecipientFrom(r))
	}

	return s.create(ctx, input, &parent.ID)
}

// followUpRecipients resolves the follow-up audience. Every requested id
// must belong to a recipient that was sent the parent campaign.
func (s *CampaignService) followUpRecipients(ctx context.Context, parentID uuid.UUID, ids []uuid.UUID) ([]*model.Recipient, error) {
	if len(ids) == 0 {
		sent, err := s.RecipientRepo.ListSent(ctx, parentID)
		if err != nil {
			return nil, err
		}
		if len(sent) == 0 {
			return nil, appErrors.Validation("parent campaign has no sent recipients")
		}
		return sent, nil
	}

	unique := slices.Compact(slices.SortedFunc(slices.Values(ids), func(a, b uuid.UUID) int {
		return strings.Compare(a.String(), b.String())
	}))
	found, err := s.RecipientRepo.ListSentByIDs(ctx, parentID, unique)
	if err != nil {
		return nil, err
	}
	if len(found) != len(unique) {
		return nil, appErrors.Validation("%d of the selected recipients were not sent the parent campaign", len(unique)-len(found))
	}
	return found, nil
}

// ListSentRecipients lists delivered recipients, the pool follow-ups pick from.
func (s *CampaignService) ListSentRecipients(ctx context.Context, campaignID uuid.UUID) ([]*model.Recipient, error) {
	if _, err := s.CampaignRepo.GetByID(ctx, campaignID); err != nil {
		return nil, err
	}
	return s.RecipientRepo.ListSent(ctx, campaignID)
}

// RenderPreview renders the subject and body one recipient would receive.
func (s *CampaignService) RenderPreview(ctx context.Context, campaignID, recipientID uuid.UUID) (*Preview, error) {
	campaign, err := s.CampaignRepo.GetByID(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	recipient, err := s.RecipientRepo.GetByID(ctx, recipientID)
	if err != nil {
		return nil, err
	}
	if recipient.CampaignID != campaign.ID {
		return nil, appErrors.NewRecipientNotFound(recipientID)
	}

	subject, body := EffectiveContent(campaign, recipient)
	return &Preview{
		RecipientID: recipient.ID,
		Subject:     Render(subject, recipient),
		Body:        RenderBody(body, recipient),
	}, nil
}

// SendTestEmail sends a one-off message through the configured transport.
func (s *CampaignService) SendTestEmail(ctx context.Context, to, subject, body string) error {
	if strings.TrimSpace(to) == "" || strings.TrimSpace(subject) == "" || strings.TrimSpace(body) == "" {
		return appErrors.Validation("to, subject and body are required")
	}
	if _, err := netmail.ParseAddress(to); err != nil {
		return appErrors.Validation("invalid email %q", to)
	}
	return s.Sender.Send(ctx, &mail.Message{
		From:    mail.Address("Test", s.FromEmail),
		To:      to,
		Subject: subject,
		HTML:    body,
	})
}

func newRecipientFrom(r *model.Recipient) NewRecipient {
	return NewRecipient{
		Email:     r.Email,
		Name:      r.Name,
		FirstName: r.FirstName,
		Company:   r.Company,
		Metadata:  r.Metadata,
	}
}

func intPtr(v int) *int { return &v }
