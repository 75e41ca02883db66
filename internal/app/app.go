// internal/app/app.go
package app

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/unclebandit/campaign-dispatch/internal/config"
	"github.com/unclebandit/campaign-dispatch/internal/db"
	"github.com/unclebandit/campaign-dispatch/internal/mail"
	"github.com/unclebandit/campaign-dispatch/internal/model"
	"github.com/unclebandit/campaign-dispatch/internal/queue"
	"github.com/unclebandit/campaign-dispatch/internal/repository"
	"github.com/unclebandit/campaign-dispatch/internal/service"
)

// Deps is the wired object graph shared by the server and worker binaries.
type Deps struct {
	DB         *sql.DB
	Campaigns  *service.CampaignService
	Dispatcher *service.Dispatcher
}

// Build connects to the database, applies migrations and wires services.
func Build(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*Deps, error) {
	sender, err := mail.NewSender(MailConfig(cfg))
	if err != nil {
		return nil, err
	}
	defaults, err := CampaignDefaults(cfg.Defaults)
	if err != nil {
		return nil, err
	}
	loc, err := service.ParseOffset(cfg.Dispatch.ReferenceOffset)
	if err != nil {
		return nil, fmt.Errorf("REFERENCE_UTC_OFFSET: %w", err)
	}

	conn, err := db.Open(ctx, cfg.DB)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx, conn, cfg.DB.MigrationsTable, log); err != nil {
		_ = conn.Close()
		return nil, err
	}

	campaignRepo := &repository.CampaignRepository{DB: conn}
	recipientRepo := &repository.RecipientRepository{DB: conn}

	dispatcher := service.NewDispatcher(campaignRepo, recipientRepo, sender, cfg.Mail.FromEmail,
		service.WithLocation(loc),
		service.WithWorkers(cfg.Dispatch.Workers),
		service.WithLeaseTTL(cfg.Dispatch.LeaseTTL),
		service.WithLogger(log.With().Str("component", "dispatcher").Logger()),
	)

	campaigns := &service.CampaignService{
		CampaignRepo:  campaignRepo,
		RecipientRepo: recipientRepo,
		Sender:        sender,
		FromEmail:     cfg.Mail.FromEmail,
		Defaults:      defaults,
	}

	return &Deps{DB: conn, Campaigns: campaigns, Dispatcher: dispatcher}, nil
}

func (d *Deps) Close() error {
	return d.DB.Close()
}

// MailConfig maps the environment onto the transport settings.
func MailConfig(cfg *config.Config) mail.Config {
	return mail.Config{
		Provider:  cfg.Mail.Provider,
		FromEmail: cfg.Mail.FromEmail,
		SMTP: mail.SMTPConfig{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			User:     cfg.SMTP.User,
			Password: cfg.SMTP.Password,
			Timeout:  cfg.SMTP.Timeout,
		},
		ResendKey: cfg.Resend.APIKey,
	}
}

// CampaignDefaults parses the configured creation defaults.
func CampaignDefaults(cfg config.CampaignDefaults) (service.CampaignDefaults, error) {
	start, err := model.ParseTimeOfDay(cfg.WindowStart)
	if err != nil {
		return service.CampaignDefaults{}, fmt.Errorf("DEFAULT_WINDOW_START: %w", err)
	}
	end, err := model.ParseTimeOfDay(cfg.WindowEnd)
	if err != nil {
		return service.CampaignDefaults{}, fmt.Errorf("DEFAULT_WINDOW_END: %w", err)
	}
	if cfg.DailyLimit <= 0 {
		return service.CampaignDefaults{}, fmt.Errorf("DEFAULT_DAILY_LIMIT must be positive")
	}
	if cfg.DelayBetween < 0 {
		return service.CampaignDefaults{}, fmt.Errorf("DEFAULT_DELAY_BETWEEN_SENDS must not be negative")
	}
	return service.CampaignDefaults{
		WindowStart:       start,
		WindowEnd:         end,
		DailyLimit:        cfg.DailyLimit,
		DelayBetweenSends: cfg.DelayBetween,
	}, nil
}

// NewQueue returns RabbitMQ when AMQP_URL is set, else an in-process queue.
func NewQueue(cfg config.QueueConfig, log zerolog.Logger) (queue.Queue, error) {
	if cfg.AMQPURL == "" {
		return queue.NewInMemoryQueue(log), nil
	}
	return queue.NewAMQPQueue(cfg.AMQPURL, log)
}
