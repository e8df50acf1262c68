package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/biodoia/hacp/internal/capabilities"
	"github.com/biodoia/hacp/internal/console"
	"github.com/biodoia/hacp/internal/escalation"
	"github.com/biodoia/hacp/internal/events"
	"github.com/biodoia/hacp/internal/metrics"
	"github.com/biodoia/hacp/internal/notifications"
	"github.com/biodoia/hacp/internal/providers"
	"github.com/biodoia/hacp/internal/providers/anthropic"
	"github.com/biodoia/hacp/internal/providers/openai"
	"github.com/biodoia/hacp/internal/providers/rest"
	"github.com/biodoia/hacp/internal/provisioning"
	"github.com/biodoia/hacp/internal/realtime"
	"github.com/biodoia/hacp/internal/registry"
	"github.com/biodoia/hacp/internal/routing"
	"github.com/biodoia/hacp/pkg/config"
	"github.com/biodoia/hacp/pkg/database"
	"github.com/biodoia/hacp/pkg/models"
	"github.com/biodoia/hacp/pkg/resilience"
	"github.com/biodoia/hacp/pkg/security"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// seniorKind identifica l'adapter Claude usato come senior
const seniorKind providers.Kind = "senior"

// stack raccoglie i componenti del control plane condivisi da serve e agents
type stack struct {
	config      *config.Config
	db          *database.DB
	store       *registry.Store
	adapters    *providers.Registry
	metrics     *metrics.Collectors
	bus         *events.Bus
	redis       *events.RedisSink
	stream      *realtime.Hub
	catalog     *capabilities.Catalog
	engine      *routing.Engine
	coordinator *escalation.Coordinator
	console     *console.Service
}

// loadConfig carica la configurazione indicata dal flag --config
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// initDB apre il database senza costruire il resto dello stack
func initDB(cmd *cobra.Command) (*database.DB, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return database.New(&cfg.Database)
}

// buildStack costruisce lo stack completo: database, provider, bus, orchestrator,
// senior, coordinator e servizio console
func buildStack(ctx context.Context, cfg *config.Config, migrate bool) (_ *stack, err error) {
	s := &stack{config: cfg}
	defer func() {
		if err != nil {
			s.Close()
		}
	}()

	s.db, err = database.New(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	if migrate {
		if err := s.db.AutoMigrate(); err != nil {
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
	}
	s.store = registry.New(s.db)
	s.metrics = metrics.New("hacp")

	if err := s.buildAdapters(); err != nil {
		return nil, err
	}

	s.catalog = capabilities.DefaultCatalog()
	entitlements, err := capabilities.NewPlanEntitlements(s.catalog, cfg.Entitlements)
	if err != nil {
		return nil, err
	}

	s.engine, err = routing.FromConfig(cfg.Routing)
	if err != nil {
		return nil, fmt.Errorf("failed to load routing policy: %w", err)
	}
	if err := s.engine.Validate(s.catalog.AllOperations()); err != nil {
		return nil, err
	}

	s.bus = events.NewBus(events.BusConfig{AsyncMode: true})
	s.bus.Register(events.LogSink{})
	s.bus.Register(events.NewStoreSink(s.store))
	s.bus.Register(s.metrics)
	if cfg.Redis.Enabled {
		sink, err := events.NewRedisSink(ctx, cfg.Redis)
		if err != nil {
			// gli eventi restano nell'audit anche senza redis
			log.Warn().Err(err).Str("host", cfg.Redis.Host).Msg("Redis unavailable, transition events will not be published")
		} else {
			s.redis = sink
			s.bus.Register(sink)
		}
	}
	if cfg.Monitoring.Stream.Enabled {
		s.stream = realtime.NewHub(realtime.Config{
			BufferSize: cfg.Monitoring.Stream.BufferSize,
			Heartbeat:  cfg.Monitoring.Stream.Heartbeat,
		})
		s.bus.Register(s.stream)
	}
	if cfg.Notifications.Enabled {
		notifier, err := buildNotifier(cfg.Notifications)
		if err != nil {
			return nil, fmt.Errorf("failed to configure notifications: %w", err)
		}
		s.bus.Register(notifier)
	}

	orchestrator := provisioning.New(s.store, s.adapters, s.catalog, entitlements, s.engine, s.bus, provisioning.Config{
		CallTimeout:     cfg.Provisioning.CallTimeout,
		TeardownTimeout: cfg.Provisioning.TeardownTimeout,
	})

	senior, err := s.buildSenior()
	if err != nil {
		return nil, err
	}
	s.coordinator = escalation.NewCoordinator(senior, s.store, s.bus, s.metrics, escalation.Config{
		Timeout:         cfg.Escalation.Timeout,
		AckTimeout:      cfg.Escalation.AckTimeout,
		FallbackMessage: cfg.Escalation.FallbackMessage,
		DegradedMessage: cfg.Escalation.DegradedMessage,
		Sanitizer:       security.NewSanitizer().WithMaxLength(cfg.Escalation.MaxInputLength),

		SessionIdleTimeout: cfg.Escalation.SessionIdle,
	})

	s.console = console.New(s.store, orchestrator, s.adapters, s.engine, s.catalog, s.coordinator, s.metrics)

	log.Info().
		Str("provider_a", cfg.Providers.A.Driver).
		Str("provider_b", cfg.Providers.B.Driver).
		Str("senior", cfg.Escalation.Senior.Driver).
		Str("routing", s.engine.Version()).
		Msg("Control plane ready")

	return s, nil
}

// buildNotifier traduce la configurazione in canali e regole
func buildNotifier(nc config.NotificationsConfig) (*notifications.Notifier, error) {
	channels := make([]notifications.Channel, 0, len(nc.Webhooks)+len(nc.Slack))
	for _, sc := range nc.Slack {
		channels = append(channels, notifications.NewSlackChannel(notifications.SlackConfig{
			Name:      sc.Name,
			Token:     sc.Token,
			ChannelID: sc.ChannelID,
			APIURL:    sc.APIURL,
		}))
	}
	for _, wh := range nc.Webhooks {
		channels = append(channels, notifications.NewWebhookChannel(notifications.WebhookConfig{
			Name:       wh.Name,
			URL:        wh.URL,
			Secret:     wh.Secret,
			Headers:    wh.Headers,
			Timeout:    wh.Timeout,
			MaxRetries: wh.MaxRetries,
			RetryWait:  wh.RetryWait,
		}))
	}

	rules := make([]notifications.Rule, 0, len(nc.Rules))
	for _, r := range nc.Rules {
		rule := notifications.Rule{
			Name:        r.Name,
			MinSeverity: notifications.Severity(r.MinSeverity),
			Cooldown:    r.Cooldown,
			Channels:    r.Channels,
		}
		for _, t := range r.Types {
			rule.Types = append(rule.Types, events.Type(t))
		}
		rules = append(rules, rule)
	}

	return notifications.New(rules, channels...)
}

// buildAdapters registra i driver e decora gli adapter A e B
func (s *stack) buildAdapters() error {
	s.adapters = providers.NewRegistry()
	s.adapters.RegisterDriver("openai", openai.Factory)
	s.adapters.RegisterDriver("rest", rest.Factory)
	s.adapters.RegisterDriver("anthropic", anthropic.Factory)
	s.adapters.RegisterDriver("fake", providers.FakeFactory)

	rc := s.config.Providers.Retry
	retry := resilience.DefaultRetryConfig()
	retry.MaxRetries = rc.MaxRetries
	if rc.InitialDelay > 0 {
		retry.InitialBackoff = rc.InitialDelay
	}
	if rc.MaxDelay > 0 {
		retry.MaxBackoff = rc.MaxDelay
	}
	if rc.Multiplier > 0 {
		retry.BackoffMultiplier = rc.Multiplier
	}

	for _, p := range []struct {
		kind providers.Kind
		cfg  config.ProviderConfig
	}{
		{models.ProviderA, s.config.Providers.A},
		{models.ProviderB, s.config.Providers.B},
	} {
		inner, err := s.adapters.Build(p.kind, p.cfg)
		if err != nil {
			return err
		}
		s.adapters.Replace(providers.NewResilient(inner, providers.ResilientConfig{
			Timeout:   p.cfg.Timeout,
			Retry:     retry,
			Breaker:   s.config.Providers.Breaker,
			RateLimit: p.cfg.RateLimit,
			Burst:     p.cfg.Burst,
			Observer:  s.metrics,
		}))
	}
	return nil
}

// buildSenior crea il senior indicato da escalation.senior.driver
func (s *stack) buildSenior() (escalation.Senior, error) {
	sc := s.config.Escalation.Senior
	tier := sc.Tier
	if tier == "" {
		tier = "senior"
	}

	switch sc.Driver {
	case "", "claude":
		if sc.APIKey == "" {
			return nil, errors.New("escalation.senior.api_key is required for the claude driver")
		}
		model := anthropic.New(anthropic.Config{
			Kind:      seniorKind,
			APIKey:    sc.APIKey,
			Model:     sc.Model,
			MaxTokens: sc.MaxTokens,
		})
		bulkhead := resilience.NewBulkhead(resilience.BulkheadConfig{
			MaxConcurrent: sc.MaxConcurrent,
			QueueTimeout:  s.config.Escalation.AckTimeout,
		})
		return escalation.NewModelSenior(tier, model, s.config.Providers.Breaker).WithBulkhead(bulkhead), nil

	case "adapter":
		if sc.RemoteID == "" {
			return nil, errors.New("escalation.senior.remote_id is required for the adapter driver")
		}
		adapter, err := s.adapters.Get(providers.Kind(sc.Provider))
		if err != nil {
			return nil, fmt.Errorf("escalation.senior.provider: %w", err)
		}
		return escalation.NewAdapterSenior(tier, adapter, sc.RemoteID), nil

	default:
		return nil, fmt.Errorf("unknown senior driver %q", sc.Driver)
	}
}

// Close rilascia le risorse dello stack
func (s *stack) Close() {
	if s.bus != nil {
		s.bus.Close()
	}
	if s.stream != nil {
		s.stream.Close()
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close redis sink")
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close database")
		}
	}
}

// setupLogger configura zerolog: livello da --log-level (o --verbose),
// output leggibile in sviluppo e JSON altrimenti
func setupLogger(cmd *cobra.Command, cfg *config.Config, verbose, dev bool) {
	level, _ := cmd.Flags().GetString("log-level")
	if !cmd.Flags().Changed("log-level") && cfg != nil && cfg.Monitoring.Logging.Level != "" {
		level = cfg.Monitoring.Logging.Level
	}
	if verbose {
		level = "debug"
	}

	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	if dev || (cfg != nil && cfg.Monitoring.Logging.Format == "console") {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.RFC3339,
		})
	} else {
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	}
}
