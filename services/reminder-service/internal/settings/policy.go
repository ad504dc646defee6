package settings

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/spf13/viper"
)

// Policy is the engine configuration shared by the planner, dispatcher and tracker.
type Policy struct {
	// AutomaticReminders off means lifecycle events plan nothing; staff plan reminders on request.
	AutomaticReminders bool          `mapstructure:"automatic_reminders"`
	DefaultLeadTime    time.Duration `mapstructure:"default_lead_time"`
	ClampBuffer        time.Duration `mapstructure:"clamp_buffer"`
	RetryBase          time.Duration `mapstructure:"retry_base"`
	RetryMultiplier    float64       `mapstructure:"retry_multiplier"`
	MaxRetries         int           `mapstructure:"max_retries"`
	SendTimeout        time.Duration `mapstructure:"send_timeout"`
	Workers            int           `mapstructure:"workers"`
	BatchSize          int           `mapstructure:"batch_size"`
	PollInterval       time.Duration `mapstructure:"poll_interval"`
	ClaimLease         time.Duration `mapstructure:"claim_lease"`
	LockTTL            time.Duration `mapstructure:"lock_ttl"`
	LockWait           time.Duration `mapstructure:"lock_wait"`
	TimeZone           string        `mapstructure:"time_zone"`
}

func Default() Policy {
	return Policy{
		AutomaticReminders: true,
		DefaultLeadTime:    24 * time.Hour,
		ClampBuffer:        60 * time.Second,
		RetryBase:          time.Minute,
		RetryMultiplier:    2,
		MaxRetries:         5,
		SendTimeout:        10 * time.Second,
		Workers:            4,
		BatchSize:          50,
		PollInterval:       2 * time.Second,
		ClaimLease:         2 * time.Minute,
		LockTTL:            30 * time.Second,
		LockWait:           5 * time.Second,
		TimeZone:           "UTC",
	}
}

// Load reads the policy from defaults, an optional YAML file and REMINDER_* env vars, in
// increasing precedence. A missing file is not an error.
func Load(file string) (Policy, error) {
	v := viper.New()
	d := Default()
	v.SetDefault("automatic_reminders", d.AutomaticReminders)
	v.SetDefault("default_lead_time", d.DefaultLeadTime)
	v.SetDefault("clamp_buffer", d.ClampBuffer)
	v.SetDefault("retry_base", d.RetryBase)
	v.SetDefault("retry_multiplier", d.RetryMultiplier)
	v.SetDefault("max_retries", d.MaxRetries)
	v.SetDefault("send_timeout", d.SendTimeout)
	v.SetDefault("workers", d.Workers)
	v.SetDefault("batch_size", d.BatchSize)
	v.SetDefault("poll_interval", d.PollInterval)
	v.SetDefault("claim_lease", d.ClaimLease)
	v.SetDefault("lock_ttl", d.LockTTL)
	v.SetDefault("lock_wait", d.LockWait)
	v.SetDefault("time_zone", d.TimeZone)

	v.SetEnvPrefix("REMINDER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if file != "" {
		if _, err := os.Stat(file); err == nil {
			v.SetConfigFile(file)
			if err := v.ReadInConfig(); err != nil {
				return Policy{}, fmt.Errorf("read %s: %w", file, err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return Policy{}, err
		}
	}

	var p Policy
	if err := v.Unmarshal(&p); err != nil {
		return Policy{}, fmt.Errorf("decode policy: %w", err)
	}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

func (p Policy) Validate() error {
	var errs []error
	if p.DefaultLeadTime <= 0 {
		errs = append(errs, errors.New("default_lead_time must be positive"))
	}
	if p.ClampBuffer < 0 {
		errs = append(errs, errors.New("clamp_buffer must not be negative"))
	}
	if p.RetryBase <= 0 || p.RetryMultiplier < 1 {
		errs = append(errs, errors.New("retry_base must be positive and retry_multiplier >= 1"))
	}
	if p.MaxRetries < 1 {
		errs = append(errs, errors.New("max_retries must be >= 1"))
	}
	if p.SendTimeout <= 0 || p.ClaimLease <= p.SendTimeout {
		errs = append(errs, errors.New("claim_lease must exceed send_timeout"))
	}
	if p.Workers < 1 || p.BatchSize < 1 {
		errs = append(errs, errors.New("workers and batch_size must be >= 1"))
	}
	if _, err := time.LoadLocation(p.TimeZone); err != nil {
		errs = append(errs, fmt.Errorf("time_zone: %w", err))
	}
	return errors.Join(errs...)
}

// Backoff is the delay before the next attempt after retryCount transient failures.
func (p Policy) Backoff(retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	d := float64(p.RetryBase) * math.Pow(p.RetryMultiplier, float64(retryCount-1))
	if d > float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

func (p Policy) Location() *time.Location {
	loc, err := time.LoadLocation(p.TimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}
