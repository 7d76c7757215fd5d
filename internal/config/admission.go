package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// AdmissionConfig carries the operational tuning knobs for queueing and
// rate limiting. Quota amounts live on tier rows, not here.
type AdmissionConfig struct {
	Queue     QueueConfig     `mapstructure:"queue"`
	RateLimit RateLimitConfig `mapstructure:"rateLimit"`
}

type QueueConfig struct {
	ItemTTL       time.Duration `mapstructure:"itemTTL"`
	MaxRetries    int           `mapstructure:"maxRetries"`
	SweepInterval time.Duration `mapstructure:"sweepInterval"`
	DequeueBatch  int           `mapstructure:"dequeueBatch"`
}

type RateLimitConfig struct {
	Enabled         bool    `mapstructure:"enabled"`
	EnqueuePerSec   float64 `mapstructure:"enqueuePerSec"`
	EnqueueBurst    int     `mapstructure:"enqueueBurst"`
	FailOpenOnError bool    `mapstructure:"failOpenOnError"`
}

func DefaultAdmissionConfig() AdmissionConfig {
	return AdmissionConfig{
		Queue: QueueConfig{
			ItemTTL:       24 * time.Hour,
			MaxRetries:    3,
			SweepInterval: 5 * time.Minute,
			DequeueBatch:  10,
		},
		RateLimit: RateLimitConfig{
			Enabled:         true,
			EnqueuePerSec:   20,
			EnqueueBurst:    40,
			FailOpenOnError: false,
		},
	}
}

type AdmissionConfigHolder struct {
	current atomic.Value // holds AdmissionConfig
}

func NewAdmissionConfigHolder() (*AdmissionConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("aperture")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/aperture/config")
	v.AddConfigPath("/etc/aperture")
	v.AddConfigPath(".")

	v.SetEnvPrefix("APERTURE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultAdmissionConfig()
	v.SetDefault("admission.queue.itemTTL", defaults.Queue.ItemTTL)
	v.SetDefault("admission.queue.maxRetries", defaults.Queue.MaxRetries)
	v.SetDefault("admission.queue.sweepInterval", defaults.Queue.SweepInterval)
	v.SetDefault("admission.queue.dequeueBatch", defaults.Queue.DequeueBatch)
	v.SetDefault("admission.rateLimit.enabled", defaults.RateLimit.Enabled)
	v.SetDefault("admission.rateLimit.enqueuePerSec", defaults.RateLimit.EnqueuePerSec)
	v.SetDefault("admission.rateLimit.enqueueBurst", defaults.RateLimit.EnqueueBurst)
	v.SetDefault("admission.rateLimit.failOpenOnError", defaults.RateLimit.FailOpenOnError)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg AdmissionConfig
	if err := v.UnmarshalKey("admission", &cfg); err != nil {
		return nil, err
	}
	if err := validateAdmissionConfig(cfg); err != nil {
		return nil, err
	}

	holder := &AdmissionConfigHolder{}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated AdmissionConfig
		if err := v.UnmarshalKey("admission", &updated); err != nil {
			log.Printf("[admission-config] reload failed: %v", err)
			return
		}
		if err := validateAdmissionConfig(updated); err != nil {
			log.Printf("[admission-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[admission-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

// NewStaticAdmissionConfigHolder wraps a fixed config with no file watch.
func NewStaticAdmissionConfigHolder(cfg AdmissionConfig) *AdmissionConfigHolder {
	holder := &AdmissionConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func (h *AdmissionConfigHolder) Get() AdmissionConfig {
	return h.current.Load().(AdmissionConfig)
}

func validateAdmissionConfig(cfg AdmissionConfig) error {
	if cfg.Queue.ItemTTL <= 0 {
		return errors.New("admission.queue.itemTTL must be positive")
	}
	if cfg.Queue.MaxRetries < 0 {
		return errors.New("admission.queue.maxRetries cannot be negative")
	}
	if cfg.Queue.DequeueBatch <= 0 {
		return errors.New("admission.queue.dequeueBatch must be positive")
	}
	return nil
}
