package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// ServiceConfig configures the sipservice daemon.
type ServiceConfig struct {
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`

	// Baresip ctrl_tcp connection
	BaresipAddr       string        `env:"BARESIP_ADDR" envDefault:"localhost:4444"`
	AccountAOR        string        `env:"ACCOUNT_AOR"`
	ReconnectInterval time.Duration `env:"BARESIP_RECONNECT_INTERVAL" envDefault:"2s"`

	// Ingestion and delivery
	IngestPartitions  int           `env:"INGEST_PARTITIONS" envDefault:"8"`
	IngestQueueSize   int           `env:"INGEST_QUEUE_SIZE" envDefault:"256"`
	DispatchLanes     int           `env:"DISPATCH_LANES" envDefault:"8"`
	DispatchQueueSize int           `env:"DISPATCH_QUEUE_SIZE" envDefault:"256"`
	OverflowPolicy    string        `env:"DISPATCH_OVERFLOW" envDefault:"drop_oldest"`
	PublishTimeout    time.Duration `env:"DISPATCH_PUBLISH_TIMEOUT" envDefault:"100ms"`
	HandlerTimeout    time.Duration `env:"DISPATCH_HANDLER_TIMEOUT" envDefault:"5s"`

	// Call semantics
	TrustEngineMissedCalls bool `env:"TRUST_ENGINE_MISSED_CALLS" envDefault:"false"`
	DefaultVideoWidth      int  `env:"DEFAULT_VIDEO_WIDTH" envDefault:"352"`
	DefaultVideoHeight     int  `env:"DEFAULT_VIDEO_HEIGHT" envDefault:"288"`

	// Observability endpoints, empty disables
	MetricsAddr string `env:"METRICS_ADDR" envDefault:":9090"`
	HealthAddr  string `env:"HEALTH_ADDR" envDefault:":50051"`

	// Call history (Redis)
	HistoryEnabled    bool          `env:"CALL_HISTORY_ENABLED" envDefault:"false"`
	RedisAddr         string        `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisUsername     string        `env:"REDIS_USERNAME"`
	RedisPassword     string        `env:"REDIS_PASSWORD"`
	RedisDB           int           `env:"REDIS_DB" envDefault:"0"`
	HistoryPrefix     string        `env:"CALL_HISTORY_PREFIX" envDefault:"sipvoice:callhistory:v1"`
	HistoryTTL        time.Duration `env:"CALL_HISTORY_TTL" envDefault:"720h"`
	HistoryMaxEntries int           `env:"CALL_HISTORY_MAX_ENTRIES" envDefault:"100"`
}

// Validate rejects values the service cannot run with.
func (c *ServiceConfig) Validate() error {
	if c == nil {
		return errors.New("nil service config")
	}
	var errs []error
	if strings.TrimSpace(c.BaresipAddr) == "" {
		errs = append(errs, errors.New("BARESIP_ADDR is required"))
	}
	if c.IngestPartitions <= 0 {
		errs = append(errs, fmt.Errorf("INGEST_PARTITIONS must be positive, got %d", c.IngestPartitions))
	}
	if c.DispatchLanes <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_LANES must be positive, got %d", c.DispatchLanes))
	}
	switch c.OverflowPolicy {
	case "drop_oldest", "block_with_timeout":
	default:
		errs = append(errs, fmt.Errorf("DISPATCH_OVERFLOW must be drop_oldest or block_with_timeout, got %q", c.OverflowPolicy))
	}
	if c.DefaultVideoWidth <= 0 || c.DefaultVideoHeight <= 0 {
		errs = append(errs, fmt.Errorf("default video size must be positive, got %dx%d", c.DefaultVideoWidth, c.DefaultVideoHeight))
	}
	if c.HistoryEnabled && strings.TrimSpace(c.RedisAddr) == "" {
		errs = append(errs, errors.New("REDIS_ADDR is required when CALL_HISTORY_ENABLED is set"))
	}
	return errors.Join(errs...)
}

// NewLogger builds a logrus logger from a level name and a format (text or json).
func NewLogger(level, format string) (*logrus.Logger, error) {
	l := logrus.New()

	lvl, err := logrus.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		return nil, err
	}
	l.SetLevel(lvl)

	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "text":
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
	return l, nil
}
