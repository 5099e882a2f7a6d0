package config

import (
	"strings"
	"time"

	"github.com/Netflix/go-env"
	"github.com/alapierre/go-hacienda-client/hacienda"
	"github.com/alapierre/go-hacienda-client/hacienda/aes"
	"github.com/alapierre/go-hacienda-client/hacienda/issuance"
	"github.com/go-faster/errors"
	"github.com/sirupsen/logrus"
)

// Settings are read from the environment, defaults in the tags.
type Settings struct {

	// authority
	Environment      string        `env:"HACIENDA_ENV,default=staging"`
	ReceptionURL     string        `env:"HACIENDA_RECEPTION_URL"` // overrides the environment's endpoint
	TokenURL         string        `env:"HACIENDA_TOKEN_URL"`
	AuthorityTimeout time.Duration `env:"AUTHORITY_HTTP_TIMEOUT,default=30s"`
	TokenRefreshSkew time.Duration `env:"TOKEN_REFRESH_SKEW,default=60s"`

	// pipeline
	AllocatorMaxAttempts  int           `env:"ALLOCATOR_MAX_ATTEMPTS,default=8"`
	SubmitMaxAttempts     int           `env:"SUBMIT_MAX_ATTEMPTS,default=5"`
	PollInterval          time.Duration `env:"POLL_INTERVAL,default=3s"`
	PollWindow            time.Duration `env:"POLL_WINDOW,default=30s"`
	PendingEscalateAfter  time.Duration `env:"PENDING_ESCALATE_AFTER,default=48h"`
	StatusRateLimit       int           `env:"STATUS_RATE_LIMIT,default=5"`
	StatusRateBurst       int           `env:"STATUS_RATE_BURST,default=5"`
	ReconcileInterval     time.Duration `env:"RECONCILE_INTERVAL,default=5m"`
	ReconcileParallelism  int           `env:"RECONCILE_PARALLELISM,default=4"`
	SequenceBackend       string        `env:"SEQUENCE_BACKEND,default=postgres"`
	VaultMasterKey        string        `env:"VAULT_MASTER_KEY,required=true"`
	DefaultCallbackURL    string        `env:"CALLBACK_URL"`
	ServerShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT,default=10s"`

	// http server
	Host         string        `env:"HOST,default=0.0.0.0"`
	Port         int           `env:"PORT,default=8080"`
	ReadTimeout  time.Duration `env:"READ_TIMEOUT,default=15s"`
	WriteTimeout time.Duration `env:"WRITE_TIMEOUT,default=120s"`
	IdleTimeout  time.Duration `env:"IDLE_TIMEOUT,default=60s"`
	LogLevel     string        `env:"LOG_LEVEL,default=info"`

	// storage and messaging
	DatabaseURL      string   `env:"DATABASE_URL,required=true"`
	DBMaxConnections int32    `env:"DB_MAX_CONNECTIONS,default=4"`
	RedisURL         string   `env:"REDIS_URL"`
	KafkaBrokers     []string `env:"KAFKA_BROKERS,separator=,"`
	KafkaTopic       string   `env:"KAFKA_TOPIC,default=hacienda.submissions"`
}

var sequenceBackends = map[string]bool{
	"postgres": true,
	"redis":    true,
	"memory":   true,
}

// Load reads and validates the settings.
func Load() (*Settings, error) {
	var cfg Settings
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal environment variables")
	}
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func validate(cfg *Settings) error {
	if _, err := cfg.HaciendaEnvironment(); err != nil {
		return err
	}
	if _, err := cfg.MasterKey(); err != nil {
		return errors.Wrap(err, "VAULT_MASTER_KEY")
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return errors.New("PORT must be between 1 and 65535")
	}
	if _, err := logrus.ParseLevel(cfg.LogLevel); err != nil {
		return errors.Errorf("invalid LOG_LEVEL: %s", cfg.LogLevel)
	}
	if !sequenceBackends[cfg.SequenceBackend] {
		return errors.Errorf("invalid SEQUENCE_BACKEND: %s (allowed: postgres, redis, memory)", cfg.SequenceBackend)
	}
	if cfg.SequenceBackend == "redis" && cfg.RedisURL == "" {
		return errors.New("SEQUENCE_BACKEND=redis requires REDIS_URL")
	}
	if cfg.AllocatorMaxAttempts < 1 || cfg.SubmitMaxAttempts < 1 {
		return errors.New("ALLOCATOR_MAX_ATTEMPTS and SUBMIT_MAX_ATTEMPTS must be at least 1")
	}
	if cfg.PollWindow < 0 || cfg.PollInterval <= 0 {
		return errors.New("POLL_INTERVAL must be positive and POLL_WINDOW not negative")
	}
	if cfg.PendingEscalateAfter <= 0 {
		return errors.New("PENDING_ESCALATE_AFTER must be positive")
	}
	if cfg.StatusRateLimit <= 0 || cfg.StatusRateBurst < 1 {
		return errors.New("STATUS_RATE_LIMIT must be positive and STATUS_RATE_BURST at least 1")
	}
	if cfg.ReconcileParallelism < 1 {
		return errors.New("RECONCILE_PARALLELISM must be at least 1")
	}
	if cfg.DBMaxConnections < 1 {
		return errors.New("DB_MAX_CONNECTIONS must be at least 1")
	}
	if len(cfg.KafkaBrokers) > 0 && cfg.KafkaTopic == "" {
		return errors.New("KAFKA_BROKERS requires KAFKA_TOPIC")
	}
	return nil
}

func (s *Settings) HaciendaEnvironment() (hacienda.Environment, error) {
	var e hacienda.Environment
	err := e.UnmarshalText([]byte(s.Environment))
	return e, err
}

// Endpoints of the configured environment with the URL overrides applied.
func (s *Settings) Endpoints() hacienda.Endpoints {
	e, _ := s.HaciendaEnvironment()
	ep := e.Endpoints()
	if s.ReceptionURL != "" {
		ep.Reception = strings.TrimRight(s.ReceptionURL, "/")
	}
	if s.TokenURL != "" {
		ep.Token = s.TokenURL
	}
	return ep
}

func (s *Settings) MasterKey() ([]byte, error) {
	return aes.DecodeKey(s.VaultMasterKey)
}

func (s *Settings) PendingPolicy() issuance.PendingPolicy {
	return issuance.PendingPolicy{
		PollInterval:  s.PollInterval,
		PollWindow:    s.PollWindow,
		EscalateAfter: s.PendingEscalateAfter,
	}
}

// Level is the parsed LOG_LEVEL; HACIENDA_DEBUG=true forces debug.
func (s *Settings) Level(debug bool) logrus.Level {
	if debug {
		return logrus.DebugLevel
	}
	l, err := logrus.ParseLevel(s.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return l
}
