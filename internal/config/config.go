// Package config provides runtime configuration values for the service.
//
// Values are layered: built-in defaults, then an optional YAML file named by
// CONFIG_FILE, then environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/juju/errors"
	"gopkg.in/yaml.v3"
)

// Config holds configuration knobs for the HTTP server, storage, the
// propagation engine and its sinks.
type Config struct {
	HTTPAddr        string        `yaml:"http_addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	DataDir    string `yaml:"data_dir"`
	Fsync      string `yaml:"fsync"`
	Partitions int    `yaml:"partitions"`

	InitialWorkerCount      int           `yaml:"worker_count"`
	WorkerMin               int           `yaml:"worker_min"`
	WorkerMax               int           `yaml:"worker_max"`
	ScaleInterval           time.Duration `yaml:"scale_interval"`
	ScaleUpBacklogPerWorker int           `yaml:"scale_up_backlog_per_worker"`
	ScaleDownIdleTicks      int           `yaml:"scale_down_idle_ticks"`
	QueueHighWatermark      int           `yaml:"queue_high_watermark"`

	ReadBatch        int           `yaml:"read_batch"`
	MaxInFlight      int           `yaml:"max_in_flight"`
	PollInterval     time.Duration `yaml:"poll_interval"`
	SinkTimeout      time.Duration `yaml:"sink_timeout"`
	RetryBase        time.Duration `yaml:"retry_base"`
	RetryCap         time.Duration `yaml:"retry_cap"`
	RetryFactor      float64       `yaml:"retry_factor"`
	RetryMaxAttempts int           `yaml:"retry_max_attempts"`
	GapWarnThreshold int           `yaml:"gap_warn_threshold"`
	LeaseTTL         time.Duration `yaml:"lease_ttl"`
	LeaseOwner       string        `yaml:"lease_owner"`

	Sinks         []string `yaml:"sinks"`
	WebhookURL    string   `yaml:"webhook_url"`
	WebhookFilter string   `yaml:"webhook_filter"`

	RateLimitRPS   float64 `yaml:"rate_limit_rps"`
	RateLimitBurst int     `yaml:"rate_limit_burst"`
	ListMaxLimit   int     `yaml:"list_max_limit"`

	MaintenanceCron string        `yaml:"maintenance_cron"`
	LogRetention    time.Duration `yaml:"log_retention"`
	DLQRetention    time.Duration `yaml:"dlq_retention"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		HTTPAddr:                ":8080",
		ShutdownTimeout:         15 * time.Second,
		DataDir:                 "./data",
		Fsync:                   "interval",
		Partitions:              8,
		InitialWorkerCount:      3,
		WorkerMin:               3,
		WorkerMax:               8,
		ScaleInterval:           500 * time.Millisecond,
		ScaleUpBacklogPerWorker: 100,
		ScaleDownIdleTicks:      6,
		QueueHighWatermark:      5000,
		ReadBatch:               256,
		MaxInFlight:             1024,
		PollInterval:            250 * time.Millisecond,
		SinkTimeout:             5 * time.Second,
		RetryBase:               200 * time.Millisecond,
		RetryCap:                30 * time.Second,
		RetryFactor:             2,
		RetryMaxAttempts:        5,
		GapWarnThreshold:        100,
		LeaseTTL:                10 * time.Second,
		LeaseOwner:              defaultOwner(),
		Sinks:                   []string{"cache", "index", "events"},
		RateLimitRPS:            200,
		RateLimitBurst:          400,
		ListMaxLimit:            500,
		MaintenanceCron:         "*/15 * * * *",
		LogRetention:            24 * time.Hour,
		DLQRetention:            0,
		LogLevel:                "info",
		LogFormat:               "json",
	}
}

func defaultOwner() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		h = "node"
	}
	return fmt.Sprintf("%s-%d", h, os.Getpid())
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func atoienv(key string, def int) int {
	v := getenv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func floatenv(key string, def float64) float64 {
	v := getenv(key, "")
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func durenvms(key string, def time.Duration) time.Duration {
	ms := atoienv(key, int(def/time.Millisecond))
	return time.Duration(ms) * time.Millisecond
}

func durenvs(key string, def time.Duration) time.Duration {
	sec := atoienv(key, int(def/time.Second))
	return time.Duration(sec) * time.Second
}

func listenv(key string, def []string) []string {
	v := getenv(key, "")
	if v == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Load collects configuration from defaults, the optional CONFIG_FILE and the
// environment, in that order.
func Load() (Config, error) {
	c := Defaults()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := c.mergeFile(path); err != nil {
			return Config{}, errors.Trace(err)
		}
	}
	c.applyEnv()
	if err := c.Validate(); err != nil {
		return Config{}, errors.Trace(err)
	}
	return c, nil
}

func (c *Config) mergeFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return errors.Annotatef(err, "reading config file %q", path)
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return errors.Annotatef(err, "parsing config file %q", path)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.HTTPAddr = getenv("HTTP_ADDR", c.HTTPAddr)
	c.ShutdownTimeout = durenvs("SHUTDOWN_TIMEOUT", c.ShutdownTimeout)
	c.DataDir = getenv("DATA_DIR", c.DataDir)
	c.Fsync = getenv("FSYNC", c.Fsync)
	c.Partitions = atoienv("PARTITIONS", c.Partitions)

	c.WorkerMin = atoienv("WORKER_MIN", c.WorkerMin)
	c.WorkerMax = atoienv("WORKER_MAX", c.WorkerMax)
	c.InitialWorkerCount = atoienv("WORKER_COUNT", c.InitialWorkerCount)
	if c.InitialWorkerCount < c.WorkerMin {
		c.InitialWorkerCount = c.WorkerMin
	}
	if c.InitialWorkerCount > c.WorkerMax {
		c.InitialWorkerCount = c.WorkerMax
	}
	c.ScaleInterval = durenvms("SCALE_INTERVAL_MS", c.ScaleInterval)
	c.ScaleUpBacklogPerWorker = atoienv("SCALE_UP_BACKLOG_PER_WORKER", c.ScaleUpBacklogPerWorker)
	c.ScaleDownIdleTicks = atoienv("SCALE_DOWN_IDLE_TICKS", c.ScaleDownIdleTicks)
	c.QueueHighWatermark = atoienv("QUEUE_HIGH_WATERMARK", c.QueueHighWatermark)

	c.ReadBatch = atoienv("READ_BATCH", c.ReadBatch)
	c.MaxInFlight = atoienv("MAX_IN_FLIGHT", c.MaxInFlight)
	c.PollInterval = durenvms("POLL_INTERVAL_MS", c.PollInterval)
	c.SinkTimeout = durenvms("SINK_TIMEOUT_MS", c.SinkTimeout)
	c.RetryBase = durenvms("RETRY_BASE_MS", c.RetryBase)
	c.RetryCap = durenvms("RETRY_CAP_MS", c.RetryCap)
	c.RetryFactor = floatenv("RETRY_FACTOR", c.RetryFactor)
	c.RetryMaxAttempts = atoienv("RETRY_MAX_ATTEMPTS", c.RetryMaxAttempts)
	c.GapWarnThreshold = atoienv("GAP_WARN_THRESHOLD", c.GapWarnThreshold)
	c.LeaseTTL = durenvms("LEASE_TTL_MS", c.LeaseTTL)
	c.LeaseOwner = getenv("LEASE_OWNER", c.LeaseOwner)

	c.Sinks = listenv("SINKS", c.Sinks)
	c.WebhookURL = getenv("SINK_WEBHOOK_URL", c.WebhookURL)
	c.WebhookFilter = getenv("SINK_WEBHOOK_FILTER", c.WebhookFilter)

	c.RateLimitRPS = floatenv("RATE_LIMIT_RPS", c.RateLimitRPS)
	c.RateLimitBurst = atoienv("RATE_LIMIT_BURST", c.RateLimitBurst)
	c.ListMaxLimit = atoienv("LIST_MAX_LIMIT", c.ListMaxLimit)

	c.MaintenanceCron = getenv("MAINTENANCE_CRON", c.MaintenanceCron)
	c.LogRetention = durenvs("LOG_RETENTION", c.LogRetention)
	c.DLQRetention = durenvs("DLQ_RETENTION", c.DLQRetention)

	c.LogLevel = getenv("LOG_LEVEL", c.LogLevel)
	c.LogFormat = getenv("LOG_FORMAT", c.LogFormat)
}

// Validate reports configuration values the service cannot run with.
func (c Config) Validate() error {
	switch {
	case c.Partitions <= 0:
		return errors.NotValidf("partitions %d", c.Partitions)
	case c.WorkerMin <= 0 || c.WorkerMax < c.WorkerMin:
		return errors.NotValidf("worker bounds [%d, %d]", c.WorkerMin, c.WorkerMax)
	case c.RetryMaxAttempts <= 0:
		return errors.NotValidf("retry max attempts %d", c.RetryMaxAttempts)
	case c.RetryBase <= 0 || c.RetryCap < c.RetryBase:
		return errors.NotValidf("retry backoff base %s cap %s", c.RetryBase, c.RetryCap)
	case c.LeaseTTL <= 0:
		return errors.NotValidf("lease ttl %s", c.LeaseTTL)
	case c.DataDir == "":
		return errors.NotValidf("empty data dir")
	}
	switch c.Fsync {
	case "always", "interval", "never":
	default:
		return errors.NotValidf("fsync mode %q", c.Fsync)
	}
	return nil
}
