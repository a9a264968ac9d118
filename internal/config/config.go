package config

import (
	"fmt"
	"strings"
	"time"

	"agentops/internal/domain"
)

// File is the on-disk shape of the config. Durations are strings ("90s",
// "5m") parsed by Resolve; unknown keys are rejected by the strict loader.
type File struct {
	Server   ServerFile   `json:"server"`
	DB       DBFile       `json:"db"`
	Log      LogFile      `json:"log"`
	Trigger  TriggerFile  `json:"trigger"`
	Executor ExecutorFile `json:"executor"`
	Approval ApprovalFile `json:"approval"`
	Budget   BudgetFile   `json:"budget"`
	Notify   NotifyFile   `json:"notify"`
	Metrics  MetricsFile  `json:"metrics"`
	Pprof    PprofFile    `json:"pprof"`
}

type ServerFile struct {
	Addr        string   `json:"addr"`
	CORSOrigins []string `json:"cors_origins"`
}

type DBFile struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout"`
}

type LogFile struct {
	Level   string `json:"level"`
	Console *bool  `json:"console"`
	File    string `json:"file"`
}

type TriggerFile struct {
	Tick string `json:"tick"`
}

type ExecutorFile struct {
	Workers      int    `json:"workers"`
	QueueSize    int    `json:"queue_size"`
	Timeout      string `json:"timeout"`
	RetryCeiling int    `json:"retry_ceiling"`
}

type ApprovalFile struct {
	TTL string `json:"ttl"`
}

type BudgetFile struct {
	DefaultDailyCap float64 `json:"default_daily_cap"`
	Enforcement     string  `json:"enforcement"`
}

type NotifyFile struct {
	Workers       int               `json:"workers"`
	QueueSize     int               `json:"queue_size"`
	RatePerSec    int               `json:"rate_per_sec"`
	RetryMax      int               `json:"retry_max"`
	RetryBase     string            `json:"retry_base"`
	RetryMaxDelay string            `json:"retry_max_delay"`
	Telegram      TelegramFile      `json:"telegram"`
	Gateways      map[string]string `json:"gateways"` // channel name -> gateway URL
}

type TelegramFile struct {
	Token string `json:"token"`
}

type MetricsFile struct {
	Enabled *bool `json:"enabled"`
}

type PprofFile struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
	Token   string `json:"token"`
}

// Config is the resolved runtime configuration.
type Config struct {
	Server struct {
		Addr        string
		CORSOrigins []string
	}
	DB struct {
		Path        string
		BusyTimeout time.Duration
	}
	Log struct {
		Level   string
		Console bool
		File    string
	}
	Trigger struct {
		Tick time.Duration
	}
	Executor struct {
		Workers      int
		QueueSize    int
		Timeout      time.Duration
		RetryCeiling int
	}
	Approval struct {
		TTL time.Duration
	}
	Budget struct {
		DefaultDailyCap float64
		Enforcement     domain.Enforcement
	}
	Notify struct {
		Workers       int
		QueueSize     int
		RatePerSec    int
		RetryMax      int
		RetryBase     time.Duration
		RetryMaxDelay time.Duration
		TelegramToken string
		Gateways      map[string]string
	}
	Metrics struct {
		Enabled bool
	}
	Pprof struct {
		Enabled bool
		Addr    string
		Token   string
	}
}

// Resolve validates the raw file and applies defaults.
func (f *File) Resolve() (Config, error) {
	var c Config

	c.Server.Addr = strings.TrimSpace(f.Server.Addr)
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	c.Server.CORSOrigins = f.Server.CORSOrigins

	c.DB.Path = strings.TrimSpace(f.DB.Path)
	if c.DB.Path == "" {
		c.DB.Path = "data/agentops.db"
	}
	var err error
	if c.DB.BusyTimeout, err = ParseDurationOrDefault("db.busy_timeout", f.DB.BusyTimeout, 5*time.Second); err != nil {
		return c, err
	}

	c.Log.Level = f.Log.Level
	c.Log.Console = f.Log.Console == nil || *f.Log.Console
	c.Log.File = f.Log.File

	if c.Trigger.Tick, err = ParseDurationOrDefault("trigger.tick", f.Trigger.Tick, time.Second); err != nil {
		return c, err
	}

	c.Executor.Workers = f.Executor.Workers
	if c.Executor.Workers <= 0 {
		c.Executor.Workers = 4
	}
	c.Executor.QueueSize = f.Executor.QueueSize
	if c.Executor.QueueSize <= 0 {
		c.Executor.QueueSize = 256
	}
	if c.Executor.Timeout, err = ParseDurationOrDefault("executor.timeout", f.Executor.Timeout, 2*time.Minute); err != nil {
		return c, err
	}
	c.Executor.RetryCeiling = f.Executor.RetryCeiling
	if c.Executor.RetryCeiling <= 0 {
		c.Executor.RetryCeiling = 3
	}

	if c.Approval.TTL, err = ParseDurationOrDefault("approval.ttl", f.Approval.TTL, 24*time.Hour); err != nil {
		return c, err
	}

	c.Budget.DefaultDailyCap = f.Budget.DefaultDailyCap
	if c.Budget.DefaultDailyCap < 0 {
		return c, fmt.Errorf("budget.default_daily_cap: must be >= 0")
	}
	if c.Budget.DefaultDailyCap == 0 {
		c.Budget.DefaultDailyCap = 10.0
	}
	mode := domain.Enforcement(strings.ToLower(strings.TrimSpace(f.Budget.Enforcement)))
	if mode == "" {
		mode = domain.EnforceHard
	}
	if !mode.Valid() {
		return c, fmt.Errorf("budget.enforcement: must be %q or %q", domain.EnforceHard, domain.EnforceSoft)
	}
	c.Budget.Enforcement = mode

	c.Notify.Workers = f.Notify.Workers
	if c.Notify.Workers <= 0 {
		c.Notify.Workers = 2
	}
	c.Notify.QueueSize = f.Notify.QueueSize
	if c.Notify.QueueSize <= 0 {
		c.Notify.QueueSize = 512
	}
	c.Notify.RatePerSec = f.Notify.RatePerSec
	if c.Notify.RatePerSec <= 0 {
		c.Notify.RatePerSec = 3
	}
	c.Notify.RetryMax = f.Notify.RetryMax
	if c.Notify.RetryMax <= 0 {
		c.Notify.RetryMax = 5
	}
	if c.Notify.RetryBase, err = ParseDurationOrDefault("notify.retry_base", f.Notify.RetryBase, 500*time.Millisecond); err != nil {
		return c, err
	}
	if c.Notify.RetryMaxDelay, err = ParseDurationOrDefault("notify.retry_max_delay", f.Notify.RetryMaxDelay, 30*time.Second); err != nil {
		return c, err
	}
	c.Notify.TelegramToken = strings.TrimSpace(f.Notify.Telegram.Token)
	c.Notify.Gateways = map[string]string{}
	for ch, url := range f.Notify.Gateways {
		ch = strings.ToLower(strings.TrimSpace(ch))
		if !domain.Channel(ch).Valid() {
			return c, fmt.Errorf("notify.gateways: unknown channel %q", ch)
		}
		c.Notify.Gateways[ch] = strings.TrimSpace(url)
	}

	c.Metrics.Enabled = f.Metrics.Enabled == nil || *f.Metrics.Enabled

	c.Pprof.Enabled = f.Pprof.Enabled
	c.Pprof.Addr = strings.TrimSpace(f.Pprof.Addr)
	if c.Pprof.Addr == "" {
		c.Pprof.Addr = "127.0.0.1:6060"
	}
	c.Pprof.Token = strings.TrimSpace(f.Pprof.Token)

	return c, nil
}
