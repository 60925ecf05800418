// Package app wires the orchestrator: policy clock, durable stores,
// provider adapters, ingress, dispatcher, and the two HTTP surfaces.
package app

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/sebas/outdial/internal/adapters/crm"
	"github.com/sebas/outdial/internal/adapters/smsprov"
	"github.com/sebas/outdial/internal/adapters/voice"
	"github.com/sebas/outdial/internal/api"
	"github.com/sebas/outdial/internal/config"
	"github.com/sebas/outdial/internal/dispatch"
	"github.com/sebas/outdial/internal/events"
	"github.com/sebas/outdial/internal/ingress"
	"github.com/sebas/outdial/internal/redial"
	"github.com/sebas/outdial/internal/schedule"
	"github.com/sebas/outdial/internal/sms"
	"github.com/sebas/outdial/internal/suppression"
	"github.com/sebas/outdial/internal/tracker"
)

// App holds every running component of the orchestrator.
type App struct {
	config *config.Config

	policy  *schedule.Policy
	queue   *redial.Queue
	tracker *tracker.Tracker
	sms     *sms.Scheduler
	store   *suppression.Store
	log     *events.Log

	dispatcher    *dispatch.Dispatcher
	webhookServer *ingress.Server
	adminServer   *api.Server
}

// NewServer builds the full component graph from cfg. Construction order
// follows dependencies: policy and stores first, then adapters, then the
// loops and servers that consume them.
func NewServer(cfg *config.Config) (*App, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir %s: %w", cfg.DataDir, err)
	}

	policy, err := schedule.LoadPolicy(filepath.Join(cfg.DataDir, "scheduler-config.json"), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to load schedule policy: %w", err)
	}
	if err := policy.Watch(); err != nil {
		slog.Warn("[App] Schedule hot-reload unavailable", "error", err)
	}

	queue, err := redial.NewQueue(filepath.Join(cfg.DataDir, "redial-queue"), redialConfig(cfg), policy)
	if err != nil {
		policy.Close()
		return nil, fmt.Errorf("failed to open redial queue: %w", err)
	}
	staleMax := time.Duration(cfg.Tracker.StalePendingMaxMinutes) * time.Minute
	trk, err := tracker.New(filepath.Join(cfg.DataDir, "call-state-cache.json"), staleMax)
	if err != nil {
		policy.Close()
		return nil, fmt.Errorf("failed to open call tracker: %w", err)
	}
	smsSched, err := sms.NewScheduler(filepath.Join(cfg.DataDir, "sms-pending-leads.json"), smsConfig(cfg), policy)
	if err != nil {
		policy.Close()
		return nil, fmt.Errorf("failed to open sms scheduler: %w", err)
	}
	store, err := suppression.NewStore(filepath.Join(cfg.DataDir, "blocklist-config.json"))
	if err != nil {
		policy.Close()
		return nil, fmt.Errorf("failed to open suppression store: %w", err)
	}
	log, err := events.NewLog(filepath.Join(cfg.DataDir, "webhook-logs"), 0, policy)
	if err != nil {
		policy.Close()
		return nil, fmt.Errorf("failed to open event log: %w", err)
	}

	builder := events.NewBuilder(cfg.NodeID)
	gate := suppression.NewGate(store, func(b suppression.Block) {
		log.Append(builder.ContactBlocked(b.Phone, b.LeadID, string(b.Purpose), b.Reason, b.At))
	})

	dialer := voice.NewClient(voice.Config{
		BaseURL:    cfg.Voice.BaseURL,
		APIKey:     cfg.Voice.APIKey,
		From:       cfg.Voice.From,
		PathwayID:  cfg.Voice.PathwayID,
		WebhookURL: cfg.Voice.WebhookURL,
	})
	sender := smsprov.NewClient(smsprov.Config{
		BaseURL: cfg.SMSPr.BaseURL,
		APIKey:  cfg.SMSPr.APIKey,
	})
	var crmUpdater crm.Updater = crm.Noop{}
	if cfg.CRM.BaseURL != "" {
		crmUpdater = crm.NewClient(crm.Config{
			BaseURL: cfg.CRM.BaseURL,
			APIKey:  cfg.CRM.APIKey,
		})
	}

	ing := ingress.New(queue, trk, smsSched, store, crmUpdater, policy, log, builder)
	webhookServer := ingress.NewServer(cfg.WebhookAddr, ing, policy)

	dispatcher := dispatch.New(
		dispatchConfig(cfg),
		policy, queue, trk, smsSched, gate, dialer, sender, log, builder,
	)

	adminServer := api.NewServer(cfg.AdminAddr, queue, smsSched, store, trk, log, policy)

	slog.Info("[App] Components wired",
		"data_dir", cfg.DataDir,
		"node_id", cfg.NodeID,
		"timezone", policy.Location().String(),
	)

	return &App{
		config:        cfg,
		policy:        policy,
		queue:         queue,
		tracker:       trk,
		sms:           smsSched,
		store:         store,
		log:           log,
		dispatcher:    dispatcher,
		webhookServer: webhookServer,
		adminServer:   adminServer,
	}, nil
}

// Start brings the loops and listeners up.
func (a *App) Start() error {
	a.tracker.Start(time.Duration(a.config.Tracker.PersistIntervalSeconds) * time.Second)
	a.dispatcher.Start()

	if err := a.webhookServer.Start(); err != nil {
		return fmt.Errorf("failed to start webhook server: %w", err)
	}
	if err := a.adminServer.Start(); err != nil {
		return fmt.Errorf("failed to start admin server: %w", err)
	}

	slog.Info("[App] Started",
		"webhook_addr", a.config.WebhookAddr,
		"admin_addr", a.config.AdminAddr,
	)
	return nil
}

// Close shuts down in reverse order: listeners first so no new work arrives,
// then the dispatcher (waits for an in-flight tick), then final flushes.
func (a *App) Close() error {
	if a.webhookServer != nil {
		if err := a.webhookServer.Stop(); err != nil {
			slog.Warn("[App] Webhook server stop", "error", err)
		}
	}
	if a.adminServer != nil {
		if err := a.adminServer.Stop(); err != nil {
			slog.Warn("[App] Admin server stop", "error", err)
		}
	}

	if a.dispatcher != nil {
		a.dispatcher.Stop()
	}

	if a.tracker != nil {
		a.tracker.Stop()
	}
	if a.policy != nil {
		a.policy.Close()
	}

	slog.Info("[App] Stopped")
	return nil
}

func redialConfig(cfg *config.Config) redial.Config {
	rc := redial.DefaultConfig()
	rc.MaxAttempts = cfg.Redial.MaxAttempts
	rc.MaxDailyAttempts = cfg.Redial.MaxDailyAttempts
	if len(cfg.Redial.ProgressiveIntervals) > 0 {
		rc.Intervals = cfg.Redial.ProgressiveIntervals
	}
	rc.MinRetryGap = time.Duration(cfg.Redial.MinRetryGapMinutes) * time.Minute
	rc.ActiveWindowTodayOnly = cfg.Redial.ActiveWindowTodayOnly
	rc.RetentionDays = cfg.Redial.RetentionDays
	return rc
}

func smsConfig(cfg *config.Config) sms.Config {
	sc := sms.DefaultConfig()
	if len(cfg.SMS.DayGaps) > 0 {
		sc.DayGaps = cfg.SMS.DayGaps
	}
	if len(cfg.SMS.Templates) > 0 {
		sc.Templates = cfg.SMS.Templates
	}
	return sc
}

func dispatchConfig(cfg *config.Config) dispatch.Config {
	dc := dispatch.DefaultConfig()
	dc.RedialTick = time.Duration(cfg.Redial.TickMinutes) * time.Minute
	dc.SMSTick = time.Duration(cfg.SMS.TickMinutes) * time.Minute
	dc.RedialEnabled = cfg.Redial.Enabled
	dc.SMSEnabled = cfg.SMS.Enabled
	dc.SMSBusinessHoursOnly = cfg.SMS.BusinessHoursOnly
	dc.MaxDialsPerTick = cfg.Redial.MaxDialsPerTick
	dc.SMSFrom = cfg.SMS.From
	dc.RetentionDays = cfg.Redial.RetentionDays
	return dc
}
