package main

import (
	"context"
	"sync"
	"testing"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/campaign-dispatch/internal/queue"
	"github.com/unclebandit/campaign-dispatch/internal/service"
)

type countingRunner struct {
	mu    sync.Mutex
	calls int
}

func (r *countingRunner) RunCycle(context.Context) (service.Summary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return service.Summary{}, nil
}

func TestCycleJobTriggersSubscriber(t *testing.T) {
	ctx := context.Background()
	q := queue.NewInMemoryQueue(zerolog.Nop())
	runner := &countingRunner{}

	sub := &queue.CycleSubscriber{Queue: q, Topic: "dispatch_cycles", Runner: runner, Log: zerolog.Nop()}
	require.NoError(t, sub.Start(ctx))

	job := cycleJob(ctx, q, "dispatch_cycles", zerolog.Nop())
	job()
	job()
	require.NoError(t, q.Close())

	assert.Equal(t, 2, runner.calls)
}

func TestCycleJobWithoutSubscriberDoesNotPanic(t *testing.T) {
	q := queue.NewInMemoryQueue(zerolog.Nop())
	assert.NotPanics(t, cycleJob(context.Background(), q, "nobody", zerolog.Nop()))
}

func TestDefaultScheduleParses(t *testing.T) {
	_, err := cron.ParseStandard("*/5 * * * *")
	assert.NoError(t, err)
}
