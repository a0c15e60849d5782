// Package config loads the server settings from a KEY=VALUE file.
//
// Lines starting with '#' are comments. Unknown keys are ignored. A key that
// is missing or whose value does not validate keeps its default and a
// warning is logged.
package config

import (
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"github.com/ztrue/tracerr"
	"go.uber.org/zap"
)

const (
	DefaultSockName        = "LSOfiletorage.sk"
	DefaultLogFile         = "logs.txt"
	DefaultThreads         = 2
	DefaultMaxFiles        = 10
	DefaultMaxMemoryMB     = 100
	DefaultReplAlg         = 0
	DefaultQueueLen        = 10
	DefaultShutdownTimeout = 30 * time.Second

	// MAXMEMORY is expressed in MB of 10^6 bytes
	megabyte = 1000 * 1000
)

type Config struct {
	Threads     int    `validate:"gte=1,lte=1024"`
	MaxFiles    int    `validate:"gte=1"`
	MaxBytes    int64  `validate:"gte=1"`
	ReplAlg     int    `validate:"gte=0,lte=3"`
	SockName    string `validate:"required,max=107"`
	LogFile     string `validate:"required"`
	QueueLen    int    `validate:"gte=1"`
	MetricsAddr string `validate:"omitempty,hostname_port"`
	// ShutdownTimeout bounds a hard shutdown before the process is killed
	ShutdownTimeout time.Duration `validate:"gt=0"`
}

// Default returns the built in settings.
func Default() *Config {
	return &Config{
		Threads:         DefaultThreads,
		MaxFiles:        DefaultMaxFiles,
		MaxBytes:        DefaultMaxMemoryMB * megabyte,
		ReplAlg:         DefaultReplAlg,
		SockName:        DefaultSockName,
		LogFile:         DefaultLogFile,
		QueueLen:        DefaultQueueLen,
		ShutdownTimeout: DefaultShutdownTimeout,
	}
}

type intSetting struct {
	key   string
	field string
	scale int64
	set   func(c *Config, v int64)
}

type stringSetting struct {
	key   string
	field string
	set   func(c *Config, v string)
}

var intSettings = []intSetting{
	{"THREADS", "Threads", 1, func(c *Config, v int64) { c.Threads = int(v) }},
	{"MAXFILES", "MaxFiles", 1, func(c *Config, v int64) { c.MaxFiles = int(v) }},
	{"MAXMEMORY", "MaxBytes", megabyte, func(c *Config, v int64) { c.MaxBytes = v }},
	{"REPL_ALG", "ReplAlg", 1, func(c *Config, v int64) { c.ReplAlg = int(v) }},
	{"QUEUE_LEN", "QueueLen", 1, func(c *Config, v int64) { c.QueueLen = int(v) }},
}

var stringSettings = []stringSetting{
	{"SOCKNAME", "SockName", func(c *Config, v string) { c.SockName = v }},
	{"LOGFILE", "LogFile", func(c *Config, v string) { c.LogFile = v }},
	{"METRICS_ADDR", "MetricsAddr", func(c *Config, v string) { c.MetricsAddr = v }},
}

// Load reads path. An empty path yields the defaults.
func Load(path string, log *zap.SugaredLogger) (*Config, error) {
	cfg := Default()
	if path == "" {
		log.Infof("no configuration file given, using defaults")
		return cfg, nil
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("env")
	if err := v.ReadInConfig(); err != nil {
		return nil, tracerr.Errorf("failed to read config file %s: %w", path, err)
	}

	validate := validator.New()
	for _, s := range intSettings {
		raw := strings.TrimSpace(v.GetString(s.key))
		if raw == "" {
			log.Warnf("%s not set, using default", s.key)
			continue
		}
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || (s.scale > 1 && n > (1<<62)/s.scale) {
			log.Warnf("%s=%q is not a valid number, using default", s.key, raw)
			continue
		}
		candidate := *cfg
		s.set(&candidate, n*s.scale)
		if err := validate.StructPartial(&candidate, s.field); err != nil {
			log.Warnf("%s=%q is out of range, using default", s.key, raw)
			continue
		}
		*cfg = candidate
	}
	for _, s := range stringSettings {
		raw := strings.TrimSpace(v.GetString(s.key))
		if raw == "" {
			continue
		}
		candidate := *cfg
		s.set(&candidate, raw)
		if err := validate.StructPartial(&candidate, s.field); err != nil {
			log.Warnf("%s=%q is not valid, using default", s.key, raw)
			continue
		}
		*cfg = candidate
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every field.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return tracerr.Errorf("invalid configuration: %w", err)
	}
	return nil
}
