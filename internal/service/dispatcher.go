// internal/service/dispatcher.go
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	appErrors "github.com/unclebandit/campaign-dispatch/internal/errors"
	"github.com/unclebandit/campaign-dispatch/internal/mail"
	"github.com/unclebandit/campaign-dispatch/internal/model"
)

// CampaignStore defines the campaign operations the dispatcher needs
type CampaignStore interface {
	ListDueCampaigns(ctx context.Context, now time.Time) ([]*model.Campaign, error)
	ClaimCampaign(ctx context.Context, id, token uuid.UUID, now, leaseUntil time.Time) (bool, error)
	RenewLease(ctx context.Context, id, token uuid.UUID, leaseUntil time.Time) (bool, error)
	UpdateCampaign(ctx context.Context, id uuid.UUID, u model.CampaignUpdate) error
}

// RecipientStore defines the recipient operations the dispatcher needs
type RecipientStore interface {
	ListPending(ctx context.Context, campaignID uuid.UUID, limit int) ([]*model.Recipient, error)
	Update(ctx context.Context, id uuid.UUID, u model.RecipientUpdate) error
	CountAttemptedSince(ctx context.Context, campaignID uuid.UUID, since time.Time) (int, error)
	Progress(ctx context.Context, campaignID uuid.UUID) (model.CampaignProgress, error)
}

const (
	SkipOutsideWindow = "outside window"
	SkipDailyLimit    = "daily limit reached"
	SkipClaimed       = "claimed by another cycle"

	PauseWindowClosed = "window closed mid-send"
	PauseInterrupted  = "interrupted"
)

// CampaignResult is the outcome of one campaign within a cycle.
type CampaignResult struct {
	CampaignID uuid.UUID `json:"campaign_id"`
	Sent       int       `json:"sent"`
	Failed     int       `json:"failed"`
	Skipped    string    `json:"skipped,omitempty"`
	Paused     string    `json:"paused,omitempty"`
	Error      string    `json:"error,omitempty"`
	Status     string    `json:"status"`
}

// Summary maps campaign names to their cycle result.
type Summary map[string]CampaignResult

func (s Summary) add(c *model.Campaign, res CampaignResult) {
	key := c.Name
	if _, taken := s[key]; taken {
		key = fmt.Sprintf("%s (%s)", c.Name, c.ID)
	}
	s[key] = res
}

// Dispatcher runs dispatch cycles: it sends the due recipients of every
// eligible campaign and records each outcome as it happens.
type Dispatcher struct {
	campaigns  CampaignStore
	recipients RecipientStore
	sender     mail.Sender
	fromEmail  string

	loc      *time.Location
	workers  int
	leaseTTL time.Duration
	log      zerolog.Logger
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error

	running sync.Mutex
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithLocation sets the reference zone campaign windows are expressed in.
func WithLocation(loc *time.Location) DispatcherOption {
	return func(d *Dispatcher) {
		if loc != nil {
			d.loc = loc
		}
	}
}

// WithWorkers bounds how many campaigns are processed in parallel.
func WithWorkers(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.workers = n
		}
	}
}

// WithLeaseTTL sets how long a claim holds a campaign without being renewed.
func WithLeaseTTL(ttl time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if ttl > 0 {
			d.leaseTTL = ttl
		}
	}
}

// WithLogger sets the dispatcher's logger.
func WithLogger(log zerolog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.log = log }
}

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

// WithSleep replaces the inter-send wait.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) DispatcherOption {
	return func(d *Dispatcher) {
		if sleep != nil {
			d.sleep = sleep
		}
	}
}

// NewDispatcher returns a dispatcher sending from fromEmail. By default it
// works in UTC, one campaign at a time, with a 15 minute lease.
func NewDispatcher(campaigns CampaignStore, recipients RecipientStore, sender mail.Sender, fromEmail string, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		campaigns:  campaigns,
		recipients: recipients,
		sender:     sender,
		fromEmail:  fromEmail,
		loc:        time.UTC,
		workers:    1,
		leaseTTL:   15 * time.Minute,
		log:        zerolog.Nop(),
		now:        time.Now,
		sleep:      sleepContext,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// RunCycle processes every due campaign once and reports per-campaign
// results. It fails only when due campaigns cannot be listed or another
// cycle is still running in this process.
func (d *Dispatcher) RunCycle(ctx context.Context) (Summary, error) {
	if !d.running.TryLock() {
		return nil, appErrors.ErrCycleInProgress
	}
	defer d.running.Unlock()

	started := d.now()
	due, err := d.campaigns.ListDueCampaigns(ctx, started)
	if err != nil {
		return nil, fmt.Errorf("list due campaigns: %w", err)
	}

	summary := make(Summary, len(due))
	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(d.workers)

	for _, c := range due {
		g.Go(func() error {
			res := d.safeProcess(ctx, c)
			mu.Lock()
			summary.add(c, res)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	d.log.Info().
		Int("campaigns", len(due)).
		Dur("elapsed", d.now().Sub(started)).
		Msg("dispatch cycle finished")
	return summary, nil
}

// safeProcess keeps a panicking campaign from taking down its siblings.
func (d *Dispatcher) safeProcess(ctx context.Context, c *model.Campaign) (res CampaignResult) {
	defer func() {
		if p := recover(); p != nil {
			res = CampaignResult{CampaignID: c.ID, Status: c.Status, Error: fmt.Sprintf("panic: %v", p)}
			d.log.Error().Str("campaign_id", c.ID.String()).Interface("panic", p).Msg("campaign processing panicked")
		}
	}()
	return d.processCampaign(ctx, c)
}

func (d *Dispatcher) processCampaign(ctx context.Context, c *model.Campaign) CampaignResult {
	res := CampaignResult{CampaignID: c.ID, Status: c.Status}
	log := d.log.With().Str("campaign_id", c.ID.String()).Str("campaign", c.Name).Logger()

	now := d.now()
	if !IsWithinWindow(c.WindowStart, c.WindowEnd, now, d.loc) {
		res.Skipped = SkipOutsideWindow
		log.Debug().Stringer("window_start", c.WindowStart).Stringer("window_end", c.WindowEnd).Msg("skipped: outside window")
		return res
	}

	limit, ok, err := d.batchLimit(ctx, c, now)
	if err != nil {
		return d.abort(res, log, "count attempts", err)
	}
	if !ok {
		res.Skipped = SkipDailyLimit
		log.Debug().Int("daily_limit", c.DailyLimit).Msg("skipped: daily limit reached")
		return res
	}

	lease := &claim{id: c.ID, token: uuid.New()}
	claimed, err := d.campaigns.ClaimCampaign(ctx, c.ID, lease.token, now, now.Add(d.leaseTTL))
	if err != nil {
		return d.abort(res, log, "claim campaign", err)
	}
	if !claimed {
		res.Skipped = SkipClaimed
		log.Info().Msg("skipped: campaign claimed by another cycle")
		return res
	}
	res.Status = model.CampaignSending

	batch, err := d.recipients.ListPending(ctx, c.ID, limit)
	if err != nil {
		return d.release(ctx, lease, d.abort(res, log, "load pending recipients", err), log)
	}
	log.Info().Int("batch", len(batch)).Msg("campaign claimed")

	for i, r := range batch {
		if i > 0 && c.DelayBetweenSends > 0 {
			// The lease must outlive the wait, however long the delay is.
			if res, ok := d.renew(ctx, lease, c.DelayBetweenSends, res, log); !ok {
				return res
			}
			if err := d.sleep(ctx, c.DelayBetweenSends); err != nil {
				res.Paused = PauseInterrupted
				return d.finish(ctx, c, lease, res, log)
			}
		}
		if ctx.Err() != nil {
			res.Paused = PauseInterrupted
			return d.finish(ctx, c, lease, res, log)
		}
		if !IsWithinWindow(c.WindowStart, c.WindowEnd, d.now(), d.loc) {
			res.Paused = PauseWindowClosed
			return d.finish(ctx, c, lease, res, log)
		}
		// Nothing is sent unless this claim still owns the campaign.
		if res, ok := d.renew(ctx, lease, 0, res, log); !ok {
			return res
		}
		if err := d.send(ctx, c, r, &res, log); err != nil {
			return d.release(ctx, lease, d.abort(res, log, "record recipient outcome", err), log)
		}
	}
	return d.finish(ctx, c, lease, res, log)
}

// claim identifies one cycle's hold on a campaign.
type claim struct {
	id    uuid.UUID
	token uuid.UUID
}

// renew extends the lease to cover extra plus a full TTL from now. ok is
// false when the claim was lost or could not be renewed; res then carries
// the outcome to report.
func (d *Dispatcher) renew(ctx context.Context, lease *claim, extra time.Duration, res CampaignResult, log zerolog.Logger) (CampaignResult, bool) {
	held, err := d.campaigns.RenewLease(context.WithoutCancel(ctx), lease.id, lease.token, d.now().Add(extra+d.leaseTTL))
	if err != nil {
		return d.release(ctx, lease, d.abort(res, log, "renew lease", err), log), false
	}
	if !held {
		return d.lost(res, log), false
	}
	return res, true
}

// lost reports a campaign whose lease was taken over by another cycle. The
// new owner is left alone: nothing more is sent or persisted.
func (d *Dispatcher) lost(res CampaignResult, log zerolog.Logger) CampaignResult {
	res.Skipped = SkipClaimed
	log.Warn().Int("sent", res.Sent).Int("failed", res.Failed).Msg("lease lost to another cycle, stopping")
	return res
}

// batchLimit returns how many recipients may still be attempted in the
// current window occurrence. A zero limit with ok=true means unlimited.
func (d *Dispatcher) batchLimit(ctx context.Context, c *model.Campaign, now time.Time) (int, bool, error) {
	if c.DailyLimit <= 0 {
		return 0, true, nil
	}
	since := WindowOpenedAt(c.WindowStart, now, d.loc)
	used, err := d.recipients.CountAttemptedSince(ctx, c.ID, since)
	if err != nil {
		return 0, false, err
	}
	remaining := c.DailyLimit - used
	if remaining <= 0 {
		return 0, false, nil
	}
	return remaining, true, nil
}

// send makes one delivery attempt and commits its outcome on its own.
// Only a store failure is returned; a transport failure is recorded.
func (d *Dispatcher) send(ctx context.Context, c *model.Campaign, r *model.Recipient, res *CampaignResult, log zerolog.Logger) error {
	// Once a send starts it runs to completion and its outcome is written.
	ctx = context.WithoutCancel(ctx)

	subject, body := EffectiveContent(c, r)
	msg := &mail.Message{
		From:    mail.Address(c.FromName, d.fromEmail),
		To:      r.Email,
		Subject: Render(subject, r),
		HTML:    RenderBody(body, r),
	}
	sendErr := d.sender.Send(ctx, msg)

	at := d.now()
	update := model.RecipientUpdate{AttemptedAt: at}
	if sendErr != nil {
		update.Status = model.RecipientFailed
		update.Error = sendErr.Error()
	} else {
		update.Status = model.RecipientSent
		update.SentAt = &at
	}

	if err := d.recipients.Update(ctx, r.ID, update); err != nil {
		return fmt.Errorf("recipient %s: %w", r.ID, err)
	}
	if sendErr != nil {
		res.Failed++
		log.Warn().Err(sendErr).Str("recipient_id", r.ID.String()).Msg("send failed")
	} else {
		res.Sent++
	}
	return nil
}

// finish recomputes the campaign aggregate from its recipients and persists
// it, releasing the lease.
func (d *Dispatcher) finish(ctx context.Context, c *model.Campaign, lease *claim, res CampaignResult, log zerolog.Logger) CampaignResult {
	ctx = context.WithoutCancel(ctx)

	progress, err := d.recipients.Progress(ctx, c.ID)
	if err != nil {
		return d.release(ctx, lease, d.abort(res, log, "load campaign progress", err), log)
	}

	status := model.CampaignInProgress
	if progress.Pending == 0 {
		status = model.CampaignDone
	}
	update := model.CampaignUpdate{Status: status, SentCount: progress.Sent, LeaseToken: lease.token}
	if err := d.campaigns.UpdateCampaign(ctx, c.ID, update); err != nil {
		if errors.Is(err, appErrors.ErrLeaseLost) {
			return d.lost(res, log)
		}
		return d.release(ctx, lease, d.abort(res, log, "update campaign", err), log)
	}
	res.Status = status

	event := log.Info()
	if res.Paused != "" {
		event = event.Str("paused", res.Paused)
	}
	event.Int("sent", res.Sent).
		Int("failed", res.Failed).
		Int("pending", progress.Pending).
		Str("status", status).
		Msg("campaign cycle finished")
	return res
}

func (d *Dispatcher) abort(res CampaignResult, log zerolog.Logger, op string, err error) CampaignResult {
	res.Error = fmt.Sprintf("%s: %v", op, err)
	log.Error().Err(err).Str("op", op).Int("sent", res.Sent).Int("failed", res.Failed).Msg("campaign cycle aborted")
	return res
}

// release expires the lease right away so the next cycle can resume the
// campaign. Best effort: if the store is still failing the lease lapses on
// its own.
func (d *Dispatcher) release(ctx context.Context, lease *claim, res CampaignResult, log zerolog.Logger) CampaignResult {
	if _, err := d.campaigns.RenewLease(context.WithoutCancel(ctx), lease.id, lease.token, d.now()); err != nil {
		log.Warn().Err(err).Msg("could not release campaign lease")
	}
	return res
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
