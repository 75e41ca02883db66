package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/campaign-dispatch/internal/repository"
	"github.com/unclebandit/campaign-dispatch/internal/service"
)

func TestDemoCampaignIsValid(t *testing.T) {
	store := repository.NewMemoryStore()
	svc := &service.CampaignService{
		CampaignRepo:  store.Campaigns(),
		RecipientRepo: store.Recipients(),
		Defaults: service.CampaignDefaults{
			WindowStart: 20 * 60,
			WindowEnd:   60,
			DailyLimit:  50,
		},
	}

	c, err := svc.CreateCampaign(context.Background(), demoCampaign(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)))
	require.NoError(t, err)
	assert.Equal(t, "Demo outreach 2026-03-01", c.Name)
	assert.Equal(t, 3, c.TotalCount)
}
