package domain

// Config holds the complete Ibis configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Tier determines feature availability
	Tier Tier `json:"tier"`

	// AnalysisMode determines how invoices are scored
	// - "inline": score synchronously within the request (fast, simple)
	// - "async": enqueue to the worker pool, respond with a pending analysis
	AnalysisMode AnalysisMode `json:"analysisMode"`

	// Component configurations
	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`
	Engine     EngineConfig     `json:"engine"`
	Escrow     EscrowConfig     `json:"escrow"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
	Sentry  SentryConfig  `json:"sentry"`
}

// AnalysisMode determines the invoice scoring strategy.
type AnalysisMode string

const (
	// ModeInline scores invoices synchronously in the request path.
	// Use for: interactive UIs, low-volume integrations.
	ModeInline AnalysisMode = "inline"

	// ModeAsync hands invoices to the worker pool and publishes
	// results on the event bus. Use for: batch ingestion, webhooks.
	ModeAsync AnalysisMode = "async"
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds
}

// EngineConfig holds risk engine settings.
type EngineConfig struct {
	// HistoryLimit caps how many past invoices are loaded per payer
	// for scoring context.
	HistoryLimit int `json:"historyLimit"`

	// DefaultBalance seeds cash-flow simulation when the caller
	// omits a current balance.
	DefaultBalance float64 `json:"defaultBalance"`
}

// EscrowConfig holds escrow registry settings.
type EscrowConfig struct {
	// MaxSubmissionsPerHour rate-limits escrow submissions per
	// submitter. Zero disables the limit.
	MaxSubmissionsPerHour int `json:"maxSubmissionsPerHour"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled      bool   `json:"enabled"`
	ServiceName  string `json:"serviceName"`
	ExporterType string `json:"exporterType"` // stdout, otlp, jaeger
	Endpoint     string `json:"endpoint"`
}

// SentryConfig holds error reporting settings.
type SentryConfig struct {
	Enabled     bool    `json:"enabled"`
	DSN         string  `json:"dsn"`
	Environment string  `json:"environment"`
	SampleRate  float64 `json:"sampleRate"`
}

// Tier represents the product tier.
type Tier string

const (
	// TierCommunity is the free tier with SQLite + channels
	TierCommunity Tier = "community"

	// TierPro is the paid tier with PostgreSQL + NATS + Redis
	TierPro Tier = "pro"

	// TierEnterprise includes multi-node, SSO, etc.
	TierEnterprise Tier = "enterprise"
)

// DefaultConfig returns a default configuration for Community tier.
// Scores inline by default - simple request/response analysis.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier:         TierCommunity,
		AnalysisMode: ModeInline,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./ibis.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     300, // 5 minutes
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Engine: EngineConfig{
			HistoryLimit:   100,
			DefaultBalance: 50000,
		},
		Escrow: EscrowConfig{
			MaxSubmissionsPerHour: 0,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "ibis",
		},
		Sentry: SentryConfig{
			Enabled:    false,
			SampleRate: 1.0,
		},
	}
}

// ProConfig returns a configuration for Pro tier.
// Pro tier supports both Inline and Async modes.
// Set IBIS_MODE=async to score through the worker pool.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	// Pro defaults to Inline, but Async is available
	cfg.AnalysisMode = ModeInline
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "ibis",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Escrow.MaxSubmissionsPerHour = 120
	cfg.Tracing.Enabled = true
	return cfg
}
