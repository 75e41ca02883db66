package service_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/unclebandit/campaign-dispatch/internal/errors"
	"github.com/unclebandit/campaign-dispatch/internal/mail"
	"github.com/unclebandit/campaign-dispatch/internal/model"
	"github.com/unclebandit/campaign-dispatch/internal/repository"
	"github.com/unclebandit/campaign-dispatch/internal/service"
)

const fromEmail = "outreach@acme.io"

var ist = time.FixedZone("UTC+05:30", 5*3600+30*60)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fakeSender struct {
	mu     sync.Mutex
	sent   []*mail.Message
	failTo map[string]error
	onSend func(msg *mail.Message)
}

func (s *fakeSender) Send(ctx context.Context, msg *mail.Message) error {
	if s.onSend != nil {
		s.onSend(msg)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failTo[msg.To]; err != nil {
		return err
	}
	s.sent = append(s.sent, msg)
	return nil
}

func (s *fakeSender) Sent() []*mail.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*mail.Message(nil), s.sent...)
}

type harness struct {
	store  *repository.MemoryStore
	clock  *fakeClock
	sender *fakeSender
	sleeps []time.Duration
	mu     sync.Mutex
}

func newHarness(t *testing.T, now time.Time) *harness {
	t.Helper()
	h := &harness{
		store:  repository.NewMemoryStore(),
		clock:  &fakeClock{t: now},
		sender: &fakeSender{failTo: map[string]error{}},
	}
	h.store.SetClock(h.clock.Now)
	return h
}

func (h *harness) sleep(ctx context.Context, d time.Duration) error {
	h.mu.Lock()
	h.sleeps = append(h.sleeps, d)
	h.mu.Unlock()
	h.clock.Advance(d)
	return ctx.Err()
}

func (h *harness) dispatcher(opts ...service.DispatcherOption) *service.Dispatcher {
	return h.dispatcherWith(h.store.Campaigns(), h.store.Recipients(), opts...)
}

func (h *harness) dispatcherWith(campaigns service.CampaignStore, recipients service.RecipientStore, opts ...service.DispatcherOption) *service.Dispatcher {
	base := []service.DispatcherOption{
		service.WithLocation(ist),
		service.WithClock(h.clock.Now),
		service.WithSleep(h.sleep),
	}
	return service.NewDispatcher(campaigns, recipients, h.sender, fromEmail, append(base, opts...)...)
}

type campaignSpec struct {
	name       string
	start, end string
	dailyLimit int
	delay      time.Duration
	recipients int
}

func (h *harness) addCampaign(t *testing.T, spec campaignSpec) *model.Campaign {
	t.Helper()
	if spec.name == "" {
		spec.name = "Launch"
	}
	if spec.start == "" {
		spec.start, spec.end = "20:00", "01:00"
	}
	start, err := model.ParseTimeOfDay(spec.start)
	require.NoError(t, err)
	end, err := model.ParseTimeOfDay(spec.end)
	require.NoError(t, err)

	c := &model.Campaign{
		Name:              spec.name,
		Subject:           "Hello {{first_name}}",
		Body:              "Body for {{email}}",
		FromName:          "Acme",
		ScheduledAt:       h.clock.Now().Add(-time.Hour),
		WindowStart:       start,
		WindowEnd:         end,
		DailyLimit:        spec.dailyLimit,
		DelayBetweenSends: spec.delay,
	}
	recipients := make([]*model.Recipient, spec.recipients)
	for i := range recipients {
		recipients[i] = &model.Recipient{
			Email:     fmt.Sprintf("r%d@%s.example", i, uuid.NewString()[:8]),
			FirstName: fmt.Sprintf("R%d", i),
		}
	}
	require.NoError(t, h.store.Campaigns().CreateWithRecipients(context.Background(), c, recipients))
	return c
}

func (h *harness) campaign(t *testing.T, id uuid.UUID) *model.Campaign {
	t.Helper()
	c, err := h.store.Campaigns().GetByID(context.Background(), id)
	require.NoError(t, err)
	return c
}

func (h *harness) progress(t *testing.T, id uuid.UUID) model.CampaignProgress {
	t.Helper()
	p, err := h.store.Recipients().Progress(context.Background(), id)
	require.NoError(t, err)
	return p
}

func evening() time.Time { return time.Date(2026, 3, 1, 21, 0, 0, 0, ist) }

func TestRunCycleRespectsDailyLimit(t *testing.T) {
	h := newHarness(t, evening())
	c := h.addCampaign(t, campaignSpec{dailyLimit: 2, delay: time.Minute, recipients: 5})

	summary, err := h.dispatcher().RunCycle(context.Background())
	require.NoError(t, err)

	res := summary["Launch"]
	assert.Equal(t, 2, res.Sent)
	assert.Equal(t, 0, res.Failed)
	assert.Equal(t, model.CampaignInProgress, res.Status)
	assert.Empty(t, res.Paused)

	stored := h.campaign(t, c.ID)
	assert.Equal(t, model.CampaignInProgress, stored.Status)
	assert.Equal(t, 2, stored.SentCount)
	assert.Nil(t, stored.LeaseExpiresAt)
	assert.Equal(t, model.CampaignProgress{Total: 5, Pending: 3, Sent: 2}, h.progress(t, c.ID))

	// One delay between the two sends and none after the last.
	assert.Equal(t, []time.Duration{time.Minute}, h.sleeps)
}

func TestRunCyclePausesWhenWindowCloses(t *testing.T) {
	h := newHarness(t, time.Date(2026, 3, 1, 21, 0, 0, 0, ist))
	c := h.addCampaign(t, campaignSpec{start: "20:00", end: "21:00", dailyLimit: 2, delay: time.Minute, recipients: 5})

	summary, err := h.dispatcher().RunCycle(context.Background())
	require.NoError(t, err)

	res := summary["Launch"]
	assert.Equal(t, 1, res.Sent)
	assert.Equal(t, service.PauseWindowClosed, res.Paused)
	assert.Equal(t, model.CampaignInProgress, res.Status)

	stored := h.campaign(t, c.ID)
	assert.Equal(t, model.CampaignInProgress, stored.Status)
	assert.Equal(t, 1, stored.SentCount)
	assert.Len(t, h.sender.Sent(), 1)
}

func TestRunCycleCompletesCampaign(t *testing.T) {
	h := newHarness(t, evening())
	c := h.addCampaign(t, campaignSpec{dailyLimit: 10, recipients: 3})

	summary, err := h.dispatcher().RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, model.CampaignDone, summary["Launch"].Status)
	stored := h.campaign(t, c.ID)
	assert.Equal(t, model.CampaignDone, stored.Status)
	assert.Equal(t, 3, stored.SentCount)

	// A done campaign is never selected again.
	summary, err = h.dispatcher().RunCycle(context.Background())
	require.NoError(t, err)
	assert.Empty(t, summary)
	assert.Len(t, h.sender.Sent(), 3)
}

func TestRunCycleIsIdempotentWithinOneWindow(t *testing.T) {
	h := newHarness(t, evening())
	c := h.addCampaign(t, campaignSpec{dailyLimit: 2, recipients: 5})
	d := h.dispatcher()

	_, err := d.RunCycle(context.Background())
	require.NoError(t, err)

	// Same evening, after midnight: still the same window occurrence.
	h.clock.Set(time.Date(2026, 3, 2, 0, 30, 0, 0, ist))
	summary, err := d.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, service.SkipDailyLimit, summary["Launch"].Skipped)
	assert.Len(t, h.sender.Sent(), 2)

	// Next evening the quota is available again.
	h.clock.Set(time.Date(2026, 3, 2, 20, 30, 0, 0, ist))
	summary, err = d.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, summary["Launch"].Sent)
	assert.Equal(t, 4, h.campaign(t, c.ID).SentCount)

	// Every recipient receives the campaign at most once.
	seen := map[string]int{}
	for _, msg := range h.sender.Sent() {
		seen[msg.To]++
	}
	for to, n := range seen {
		assert.Equal(t, 1, n, to)
	}
}

func TestRunCycleSkipsOutsideWindow(t *testing.T) {
	h := newHarness(t, time.Date(2026, 3, 1, 5, 0, 0, 0, ist))
	c := h.addCampaign(t, campaignSpec{dailyLimit: 5, recipients: 2})

	summary, err := h.dispatcher().RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, service.SkipOutsideWindow, summary["Launch"].Skipped)
	assert.Equal(t, model.CampaignScheduled, h.campaign(t, c.ID).Status)
	assert.Empty(t, h.sender.Sent())
}

func TestRunCycleIgnoresFutureCampaigns(t *testing.T) {
	h := newHarness(t, evening())
	c := h.addCampaign(t, campaignSpec{dailyLimit: 5, recipients: 2})
	h.clock.Set(c.ScheduledAt.Add(-time.Minute))

	summary, err := h.dispatcher().RunCycle(context.Background())
	require.NoError(t, err)
	assert.Empty(t, summary)
}

func TestRunCycleRecordsTransportFailure(t *testing.T) {
	h := newHarness(t, evening())
	c := h.addCampaign(t, campaignSpec{dailyLimit: 10, recipients: 3})

	recipients, err := h.store.Recipients().ListByCampaign(context.Background(), c.ID)
	require.NoError(t, err)
	h.sender.failTo[recipients[1].Email] = errors.New("550 mailbox unavailable")

	summary, err := h.dispatcher().RunCycle(context.Background())
	require.NoError(t, err)

	res := summary["Launch"]
	assert.Equal(t, 2, res.Sent)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, model.CampaignDone, res.Status)
	assert.Equal(t, 2, h.campaign(t, c.ID).SentCount)

	failed, err := h.store.Recipients().GetByID(context.Background(), recipients[1].ID)
	require.NoError(t, err)
	assert.Equal(t, model.RecipientFailed, failed.Status)
	assert.Equal(t, "550 mailbox unavailable", failed.Error)
	assert.Nil(t, failed.SentAt)
	assert.NotNil(t, failed.AttemptedAt)

	sent, err := h.store.Recipients().GetByID(context.Background(), recipients[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.RecipientSent, sent.Status)
	assert.NotNil(t, sent.SentAt)
}

func TestRunCycleRendersPerRecipient(t *testing.T) {
	h := newHarness(t, evening())
	ctx := context.Background()

	c := &model.Campaign{
		Name:        "Overrides",
		Subject:     "Default",
		Body:        "Hello {{first_name}} from {{business_name}}",
		FromName:    "Acme",
		ScheduledAt: h.clock.Now().Add(-time.Minute),
		WindowStart: 20 * 60,
		WindowEnd:   60,
		DailyLimit:  10,
	}
	recipients := []*model.Recipient{
		{Email: "a@x.io", SubjectOverride: "Hi", Metadata: map[string]string{"business_name": "Acme"}},
	}
	require.NoError(t, h.store.Campaigns().CreateWithRecipients(ctx, c, recipients))

	_, err := h.dispatcher().RunCycle(ctx)
	require.NoError(t, err)

	sent := h.sender.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "Hi", sent[0].Subject)
	assert.Equal(t, "Hello there from Acme"+service.UnsubscribeFooter, sent[0].HTML)
	assert.Equal(t, `"Acme" <outreach@acme.io>`, sent[0].From)
	assert.Equal(t, "a@x.io", sent[0].To)
}

// failingRecipients fails outcome writes for one campaign.
type failingRecipients struct {
	*repository.MemoryRecipientRepository
	campaignID uuid.UUID
	byID       map[uuid.UUID]uuid.UUID
}

func (f *failingRecipients) Update(ctx context.Context, id uuid.UUID, u model.RecipientUpdate) error {
	if f.byID[id] == f.campaignID {
		return errors.New("connection reset")
	}
	return f.MemoryRecipientRepository.Update(ctx, id, u)
}

func TestRunCycleIsolatesStoreFailures(t *testing.T) {
	h := newHarness(t, evening())
	ctx := context.Background()
	broken := h.addCampaign(t, campaignSpec{name: "Broken", dailyLimit: 10, recipients: 2})
	healthy := h.addCampaign(t, campaignSpec{name: "Healthy", dailyLimit: 10, recipients: 2})

	byID := map[uuid.UUID]uuid.UUID{}
	for _, c := range []*model.Campaign{broken, healthy} {
		list, err := h.store.Recipients().ListByCampaign(ctx, c.ID)
		require.NoError(t, err)
		for _, r := range list {
			byID[r.ID] = c.ID
		}
	}
	recipients := &failingRecipients{
		MemoryRecipientRepository: h.store.Recipients(),
		campaignID:                broken.ID,
		byID:                      byID,
	}

	summary, err := h.dispatcherWith(h.store.Campaigns(), recipients, service.WithWorkers(2)).RunCycle(ctx)
	require.NoError(t, err)

	assert.Contains(t, summary["Broken"].Error, "connection reset")
	assert.Equal(t, 0, summary["Broken"].Sent)
	assert.Equal(t, 2, summary["Healthy"].Sent)
	assert.Equal(t, model.CampaignDone, h.campaign(t, healthy.ID).Status)

	// The failed campaign's lease was released, so a later cycle resumes it.
	h.clock.Advance(time.Second)
	summary, err = h.dispatcher().RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.CampaignDone, summary["Broken"].Status)
	assert.Equal(t, 2, h.campaign(t, broken.ID).SentCount)
}

func TestRunCycleResumesAfterLeaseExpiry(t *testing.T) {
	h := newHarness(t, evening())
	ctx := context.Background()
	c := h.addCampaign(t, campaignSpec{dailyLimit: 10, recipients: 2})

	// A previous cycle claimed the campaign and died.
	claimed, err := h.store.Campaigns().ClaimCampaign(ctx, c.ID, uuid.New(), h.clock.Now(), h.clock.Now().Add(time.Minute))
	require.NoError(t, err)
	require.True(t, claimed)

	summary, err := h.dispatcher().RunCycle(ctx)
	require.NoError(t, err)
	assert.Empty(t, summary, "live lease keeps the campaign out of the cycle")

	h.clock.Advance(2 * time.Minute)
	summary, err = h.dispatcher().RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, summary["Launch"].Sent)
	assert.Equal(t, model.CampaignDone, h.campaign(t, c.ID).Status)
}

// lostClaims loses every claim race.
type lostClaims struct {
	*repository.MemoryCampaignRepository
}

func (lostClaims) ClaimCampaign(context.Context, uuid.UUID, uuid.UUID, time.Time, time.Time) (bool, error) {
	return false, nil
}

func TestRunCycleSkipsClaimedCampaign(t *testing.T) {
	h := newHarness(t, evening())
	h.addCampaign(t, campaignSpec{dailyLimit: 10, recipients: 2})

	d := h.dispatcherWith(lostClaims{h.store.Campaigns()}, h.store.Recipients())
	summary, err := d.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, service.SkipClaimed, summary["Launch"].Skipped)
	assert.Empty(t, h.sender.Sent())
}

func TestRunCycleRejectsConcurrentCycle(t *testing.T) {
	h := newHarness(t, evening())
	h.addCampaign(t, campaignSpec{dailyLimit: 10, recipients: 1})

	started := make(chan struct{})
	release := make(chan struct{})
	h.sender.onSend = func(*mail.Message) {
		close(started)
		<-release
	}

	d := h.dispatcher()
	done := make(chan error, 1)
	go func() {
		_, err := d.RunCycle(context.Background())
		done <- err
	}()

	<-started
	_, err := d.RunCycle(context.Background())
	assert.ErrorIs(t, err, appErrors.ErrCycleInProgress)

	close(release)
	require.NoError(t, <-done)
}

func TestRunCycleStopsOnCancellation(t *testing.T) {
	h := newHarness(t, evening())
	c := h.addCampaign(t, campaignSpec{dailyLimit: 10, delay: time.Minute, recipients: 3})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sleep := func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}

	summary, err := h.dispatcher(service.WithSleep(sleep)).RunCycle(ctx)
	require.NoError(t, err)

	res := summary["Launch"]
	assert.Equal(t, 1, res.Sent)
	assert.Equal(t, service.PauseInterrupted, res.Paused)
	assert.Equal(t, model.CampaignInProgress, res.Status)

	stored := h.campaign(t, c.ID)
	assert.Equal(t, model.CampaignInProgress, stored.Status)
	assert.Equal(t, 1, stored.SentCount)
}

func TestRunCycleKeysCollidingNames(t *testing.T) {
	h := newHarness(t, evening())
	a := h.addCampaign(t, campaignSpec{name: "Same", dailyLimit: 10, recipients: 1})
	b := h.addCampaign(t, campaignSpec{name: "Same", dailyLimit: 10, recipients: 1})

	summary, err := h.dispatcher().RunCycle(context.Background())
	require.NoError(t, err)

	require.Len(t, summary, 2)
	require.Contains(t, summary, "Same")
	other := summary["Same"].CampaignID
	if other == a.ID {
		other = b.ID
	} else {
		other = a.ID
	}
	assert.Contains(t, summary, fmt.Sprintf("Same (%s)", other))
}

func sendsPerRecipient(msgs []*mail.Message) map[string]int {
	counts := map[string]int{}
	for _, m := range msgs {
		counts[m.To]++
	}
	return counts
}

func TestRunCycleLeaseCoversLongDelay(t *testing.T) {
	h := newHarness(t, evening())
	ctx := context.Background()
	c := h.addCampaign(t, campaignSpec{dailyLimit: 10, delay: 20 * time.Minute, recipients: 3})

	// A second process triggers a cycle 16 minutes into the first delay,
	// past the 15 minute TTL.
	other := h.dispatcher(service.WithLeaseTTL(15 * time.Minute))
	var otherSummary service.Summary
	first := true
	sleep := func(ctx context.Context, d time.Duration) error {
		if first {
			first = false
			h.clock.Advance(16 * time.Minute)
			var err error
			otherSummary, err = other.RunCycle(ctx)
			require.NoError(t, err)
			h.clock.Advance(d - 16*time.Minute)
			return nil
		}
		return h.sleep(ctx, d)
	}

	summary, err := h.dispatcher(service.WithLeaseTTL(15*time.Minute), service.WithSleep(sleep)).RunCycle(ctx)
	require.NoError(t, err)

	assert.Empty(t, otherSummary, "a renewed lease keeps the campaign away from other cycles")
	assert.Equal(t, 3, summary["Launch"].Sent)
	assert.Equal(t, model.CampaignDone, summary["Launch"].Status)

	require.Len(t, h.sender.Sent(), 3)
	for to, n := range sendsPerRecipient(h.sender.Sent()) {
		assert.Equal(t, 1, n, "recipient %s", to)
	}
	assert.Equal(t, 3, h.campaign(t, c.ID).SentCount)
}

func TestRunCycleStalledCycleYieldsToNewOwner(t *testing.T) {
	h := newHarness(t, evening())
	ctx := context.Background()
	c := h.addCampaign(t, campaignSpec{dailyLimit: 10, delay: 20 * time.Minute, recipients: 3})

	// The first cycle stalls past its lease; a second process takes over and
	// completes the campaign before the first one wakes up.
	other := h.dispatcher(service.WithLeaseTTL(15 * time.Minute))
	var otherSummary service.Summary
	first := true
	sleep := func(ctx context.Context, d time.Duration) error {
		if first {
			first = false
			h.clock.Advance(d + 16*time.Minute)
			var err error
			otherSummary, err = other.RunCycle(ctx)
			require.NoError(t, err)
		}
		return nil
	}

	summary, err := h.dispatcher(service.WithLeaseTTL(15*time.Minute), service.WithSleep(sleep)).RunCycle(ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, otherSummary["Launch"].Sent)
	assert.Equal(t, model.CampaignDone, otherSummary["Launch"].Status)

	res := summary["Launch"]
	assert.Equal(t, 1, res.Sent)
	assert.Equal(t, service.SkipClaimed, res.Skipped)
	assert.Empty(t, res.Error)

	require.Len(t, h.sender.Sent(), 3)
	for to, n := range sendsPerRecipient(h.sender.Sent()) {
		assert.Equal(t, 1, n, "recipient %s", to)
	}

	stored := h.campaign(t, c.ID)
	assert.Equal(t, model.CampaignDone, stored.Status, "the stale cycle does not overwrite the new owner")
	assert.Equal(t, 3, stored.SentCount)
	assert.Nil(t, stored.LeaseToken)
}

func TestRunCycleStaleClaimDoesNotFinish(t *testing.T) {
	h := newHarness(t, evening())
	ctx := context.Background()
	c := h.addCampaign(t, campaignSpec{dailyLimit: 10, recipients: 1})

	// Another process takes the campaign over while the send is in flight.
	taken := uuid.New()
	h.sender.onSend = func(*mail.Message) {
		h.clock.Advance(time.Hour)
		claimed, err := h.store.Campaigns().ClaimCampaign(ctx, c.ID, taken, h.clock.Now(), h.clock.Now().Add(time.Minute))
		require.NoError(t, err)
		require.True(t, claimed)
	}

	summary, err := h.dispatcher(service.WithLeaseTTL(time.Minute)).RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, service.SkipClaimed, summary["Launch"].Skipped)
	assert.Equal(t, 1, summary["Launch"].Sent)

	stored := h.campaign(t, c.ID)
	assert.Equal(t, model.CampaignSending, stored.Status)
	require.NotNil(t, stored.LeaseToken)
	assert.Equal(t, taken, *stored.LeaseToken)
	assert.Equal(t, h.clock.Now().Add(time.Minute), *stored.LeaseExpiresAt)
}
