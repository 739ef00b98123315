package config

import (
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/robertarktes/driving-school-scheduler/internal/rateLimit"
	"github.com/robertarktes/driving-school-scheduler/internal/resilience"
	"gopkg.in/yaml.v2"
)

type Config struct {
	HTTPAddr string `envconfig:"HTTP_ADDR" default:":8080"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	CRDBDSN        string `envconfig:"CRDB_DSN"`
	MongoURI       string `envconfig:"MONGO_URI"`
	MongoDB        string `envconfig:"MONGO_DB" default:"driving_school"`
	RedisAddr      string `envconfig:"REDIS_ADDR"`
	RabbitURL      string `envconfig:"RABBIT_URL"`
	RabbitExchange string `envconfig:"RABBIT_EXCHANGE" default:"dss.events"`
	JWTPublicKey   string `envconfig:"JWT_PUBLIC_KEY"`
	OTLPEndpoint   string `envconfig:"OTEL_EXPORTER_OTLP_ENDPOINT"`

	CalendarBaseURL string        `envconfig:"CALENDAR_BASE_URL" default:"https://www.googleapis.com/calendar/v3"`
	CalendarToken   string        `envconfig:"CALENDAR_TOKEN"`
	CalendarTimeout time.Duration `envconfig:"CALENDAR_TIMEOUT" default:"10s"`
	AdminCalendarID string        `envconfig:"ADMIN_CALENDAR_ID"`
	BufferMinutes   int           `envconfig:"BUFFER_MINUTES" default:"15"`
	SlotLockTTL     time.Duration `envconfig:"SLOT_LOCK_TTL" default:"2m"`

	RetryMaxRetries int           `envconfig:"RETRY_MAX_RETRIES" default:"3"`
	RetryBaseDelay  time.Duration `envconfig:"RETRY_BASE_DELAY" default:"1s"`
	RetryMaxDelay   time.Duration `envconfig:"RETRY_MAX_DELAY" default:"30s"`
	RetryBackoff    string        `envconfig:"RETRY_BACKOFF" default:"exponential"`

	BreakerFailureThreshold int           `envconfig:"BREAKER_FAILURE_THRESHOLD" default:"5"`
	BreakerSuccessThreshold int           `envconfig:"BREAKER_SUCCESS_THRESHOLD" default:"2"`
	BreakerRecoveryTimeout  time.Duration `envconfig:"BREAKER_RECOVERY_TIMEOUT" default:"30s"`

	CalendarRateLimit  int           `envconfig:"CALENDAR_RATE_LIMIT" default:"10"`
	CalendarRateWindow time.Duration `envconfig:"CALENDAR_RATE_WINDOW" default:"1s"`

	InboundRateLimit   int           `envconfig:"INBOUND_RATE_LIMIT" default:"60"`
	InboundRateWindow  time.Duration `envconfig:"INBOUND_RATE_WINDOW" default:"1m"`
	IdempotencyTTL     time.Duration `envconfig:"IDEMPOTENCY_TTL" default:"24h"`
	OutboxInterval     time.Duration `envconfig:"OUTBOX_INTERVAL" default:"5s"`
	OutboxBatch        int           `envconfig:"OUTBOX_BATCH" default:"50"`
	ReconcileWorkers   int           `envconfig:"RECONCILE_WORKERS" default:"4"`
	ReconcileQueue     string        `envconfig:"RECONCILE_QUEUE" default:"dss.reconcile"`
	ShutdownTimeout    time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"15s"`
	ResilienceFile     string        `envconfig:"RESILIENCE_FILE"`
	Resilience         Resilience    `ignored:"true"`
}

// Resilience holds per-key overrides read from RESILIENCE_FILE. Policy keys
// are "<dependency>.<operation>", breaker and limit keys are dependencies.
type Resilience struct {
	Policies map[string]resilience.Policy          `yaml:"policies"`
	Breakers map[string]resilience.BreakerSettings `yaml:"breakers"`
	Limits   map[string]rateLimit.Limit            `yaml:"limits"`
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, errors.Wrap(err, "parse environment")
	}
	if _, err := resilience.ParseBackoff(cfg.RetryBackoff); err != nil {
		return nil, errors.Wrap(err, "RETRY_BACKOFF")
	}
	if cfg.ResilienceFile != "" {
		res, err := LoadResilience(cfg.ResilienceFile)
		if err != nil {
			return nil, err
		}
		cfg.Resilience = *res
	}
	return &cfg, nil
}

// LoadResilience reads the YAML overrides at path, expanding ${VAR}
// references first.
func LoadResilience(path string) (*Resilience, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read resilience file")
	}

	var res Resilience
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &res); err != nil {
		return nil, errors.Wrap(err, "parse resilience file")
	}
	for key, p := range res.Policies {
		if p.Backoff == "" {
			p.Backoff = resilience.DefaultPolicy.Backoff
		} else if _, err := resilience.ParseBackoff(string(p.Backoff)); err != nil {
			return nil, errors.Wrapf(err, "policy %s", key)
		}
		if len(p.RetryableKinds) == 0 {
			p.RetryableKinds = resilience.DefaultPolicy.RetryableKinds
		}
		res.Policies[key] = p
	}
	return &res, nil
}

func (c *Config) RetryPolicy() resilience.Policy {
	p := resilience.DefaultPolicy
	p.MaxRetries = c.RetryMaxRetries
	p.BaseDelay = c.RetryBaseDelay
	p.MaxDelay = c.RetryMaxDelay
	p.Backoff = resilience.Backoff(c.RetryBackoff)
	return p
}

func (c *Config) BreakerSettings() resilience.BreakerSettings {
	return resilience.BreakerSettings{
		FailureThreshold: c.BreakerFailureThreshold,
		SuccessThreshold: c.BreakerSuccessThreshold,
		RecoveryTimeout:  c.BreakerRecoveryTimeout,
	}
}

func (c *Config) CalendarLimit() rateLimit.Limit {
	return rateLimit.Limit{MaxRequests: c.CalendarRateLimit, Window: c.CalendarRateWindow}
}

// PoliciesFor returns the policy overrides of one dependency keyed by
// operation name.
func (c *Config) PoliciesFor(dependency string) map[string]resilience.Policy {
	out := make(map[string]resilience.Policy)
	prefix := dependency + "."
	for key, p := range c.Resilience.Policies {
		if op, ok := strings.CutPrefix(key, prefix); ok {
			out[op] = p
		}
	}
	return out
}

// BreakerOverrides fills unset fields of each override from the environment
// settings.
func (c *Config) BreakerOverrides() map[string]resilience.BreakerSettings {
	base := c.BreakerSettings()
	out := make(map[string]resilience.BreakerSettings, len(c.Resilience.Breakers))
	for key, s := range c.Resilience.Breakers {
		if s.FailureThreshold == 0 {
			s.FailureThreshold = base.FailureThreshold
		}
		if s.SuccessThreshold == 0 {
			s.SuccessThreshold = base.SuccessThreshold
		}
		if s.RecoveryTimeout == 0 {
			s.RecoveryTimeout = base.RecoveryTimeout
		}
		out[key] = s
	}
	return out
}
