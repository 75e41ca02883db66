// cmd/seeder/main.go
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/unclebandit/campaign-dispatch/internal/app"
	"github.com/unclebandit/campaign-dispatch/internal/config"
	"github.com/unclebandit/campaign-dispatch/internal/logger"
	"github.com/unclebandit/campaign-dispatch/internal/service"
)

// Usage: seeder [-demo] [file.sql ...]
func main() {
	demo := flag.Bool("demo", false, "create a demo campaign scheduled for now")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		zerolog.New(os.Stderr).Fatal().Err(err).Msg("load config")
	}
	log, err := logger.New(cfg.App.Env, cfg.App.LogLevel)
	if err != nil {
		zerolog.New(os.Stderr).Fatal().Err(err).Msg("init logger")
	}

	ctx := context.Background()
	deps, err := app.Build(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("init")
	}
	defer deps.Close()

	for _, file := range flag.Args() {
		if err := execFile(ctx, deps.DB, file); err != nil {
			log.Fatal().Err(err).Str("file", file).Msg("seed failed")
		}
		log.Info().Str("file", file).Msg("seeded")
	}

	if *demo {
		c, err := deps.Campaigns.CreateCampaign(ctx, demoCampaign(time.Now()))
		if err != nil {
			log.Fatal().Err(err).Msg("create demo campaign")
		}
		log.Info().Str("campaign_id", c.ID.String()).Int("recipients", c.TotalCount).Msg("demo campaign created")
	}

	log.Info().Msg("database seeding completed")
}

func execFile(ctx context.Context, db *sql.DB, file string) error {
	content, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("read %s: %w", file, err)
	}
	if _, err := db.ExecContext(ctx, string(content)); err != nil {
		return fmt.Errorf("execute %s: %w", file, err)
	}
	return nil
}

func demoCampaign(now time.Time) service.CreateCampaignInput {
	return service.CreateCampaignInput{
		Name:        "Demo outreach " + now.Format("2006-01-02"),
		Subject:     "Quick question, {{first_name}}",
		Body:        "<p>Hi {{first_name}},</p><p>Is {{company}} still looking for help in {{city}}?</p>",
		FromName:    "Demo",
		ScheduledAt: now,
		Recipients: []service.NewRecipient{
			{Email: "ada@example.com", FirstName: "Ada", Company: "Analytical Engines", Metadata: map[string]string{"city": "London"}},
			{Email: "grace@example.com", Name: "Grace Hopper", Company: "COBOL Works", Metadata: map[string]string{"city": "Arlington"}},
			{Email: "owner@example.com", Metadata: map[string]string{"business_name": "Corner Bakery", "city": "Pune"}},
		},
	}
}
