// Package config owns the yaml configuration schema. Every tunable loads
// here with one defaults pass and one validation pass; domain packages
// receive plain structs and never parse yaml themselves.
package config

import (
	"fmt"
	"os"
	"reflect"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/mlevitan96-crypto/stock-bot-sub007/internal/cache"
	"github.com/mlevitan96-crypto/stock-bot-sub007/internal/domain/scoring"
	"github.com/mlevitan96-crypto/stock-bot-sub007/internal/engine"
	"github.com/mlevitan96-crypto/stock-bot-sub007/internal/gates"
	httpifc "github.com/mlevitan96-crypto/stock-bot-sub007/internal/interfaces/http"
	"github.com/mlevitan96-crypto/stock-bot-sub007/internal/learner"
	"github.com/mlevitan96-crypto/stock-bot-sub007/internal/quota"
	"github.com/mlevitan96-crypto/stock-bot-sub007/internal/reconcile"
	"github.com/mlevitan96-crypto/stock-bot-sub007/internal/scheduler"
)

// Duration wraps time.Duration so yaml can read "30m" and the defaults
// library can fill `default:"..."` tags through encoding.TextUnmarshaler.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a Go duration string.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// UnmarshalText lets struct-tag defaults use the same syntax.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// MarshalYAML renders the canonical duration string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Config is the full file schema.
type Config struct {
	Universe []string `yaml:"universe" validate:"required,min=1,dive,required"`

	Logging struct {
		Level string `yaml:"level" default:"info" validate:"oneof=trace debug info warn error"`
	} `yaml:"logging"`

	Scoring struct {
		FreshnessFloor    float64  `yaml:"freshness_floor" default:"0.25" validate:"gt=0,lt=1"`
		FreshnessHalfLife Duration `yaml:"freshness_half_life" default:"30m" validate:"required"`
		UsabilityCeiling  Duration `yaml:"usability_ceiling" default:"2h" validate:"required"`
		LowMagThreshold   float64  `yaml:"low_mag_threshold" default:"0.15" validate:"gte=0,lt=1"`
		LowMagBoost       float64  `yaml:"low_mag_boost" default:"1.15" validate:"gte=1,lte=2"`
		ComponentCap      float64  `yaml:"component_cap" default:"1.0" validate:"gt=0"`
		ScoreScale        float64  `yaml:"score_scale" default:"25.0" validate:"gt=0"`
	} `yaml:"scoring"`

	Weights struct {
		MinMultiplier  float64 `yaml:"min_multiplier" default:"0.25" validate:"gt=0"`
		MaxMultiplier  float64 `yaml:"max_multiplier" default:"2.5" validate:"gtefield=MinMultiplier"`
		BandWidth      float64 `yaml:"band_width" default:"10.0" validate:"gt=0"`
		MinBandSamples int     `yaml:"min_band_samples" default:"20" validate:"gte=1"`
	} `yaml:"weights"`

	Gates struct {
		ScoreFloor          float64  `yaml:"score_floor" default:"55.0" validate:"gte=0"`
		BootstrapScoreFloor float64  `yaml:"bootstrap_score_floor" default:"40.0" validate:"gte=0"`
		BootstrapTrades     int      `yaml:"bootstrap_trades" default:"25" validate:"gte=0"`
		ExpectancyFloor     float64  `yaml:"expectancy_floor" default:"0.0"`
		MaxNetExposureFrac  float64  `yaml:"max_net_exposure_frac" default:"0.70" validate:"gt=0,lte=1"`
		MaxPositions        int      `yaml:"max_positions" default:"8" validate:"gte=1"`
		MinDwell            Duration `yaml:"min_dwell" default:"20m"`
		MinScoreDelta       float64  `yaml:"min_score_delta" default:"15.0" validate:"gte=0"`
		EmergencyLossPct    float64  `yaml:"emergency_loss_pct" default:"-8.0" validate:"lt=0"`
		CooldownAfterExit   Duration `yaml:"cooldown_after_exit" default:"30m"`
		MaxEntriesPerCycle  int      `yaml:"max_entries_per_cycle" default:"2" validate:"gte=1"`
	} `yaml:"gates"`

	Quota struct {
		RequestsPerMinute float64  `yaml:"requests_per_minute" default:"30" validate:"gt=0"`
		Burst             int      `yaml:"burst" default:"5" validate:"gte=1"`
		DailyCap          int      `yaml:"daily_cap" default:"2000" validate:"gte=1"`
		RateLimitCooldown Duration `yaml:"rate_limit_cooldown" default:"8m"`
		DegradedAfter     int      `yaml:"degraded_after" default:"5" validate:"gte=1"`

		Backoff struct {
			Base       Duration `yaml:"base" default:"2s"`
			Multiplier float64  `yaml:"multiplier" default:"2.0" validate:"gte=1"`
			Max        Duration `yaml:"max" default:"5m"`
			Jitter     float64  `yaml:"jitter" default:"0.2" validate:"gte=0,lte=1"`
		} `yaml:"backoff"`
	} `yaml:"quota"`

	Cache struct {
		FreshFor Duration `yaml:"fresh_for" default:"10m"`
		AgingFor Duration `yaml:"aging_for" default:"45m"`
	} `yaml:"cache"`

	Reconcile struct {
		Confirmations int      `yaml:"confirmations" default:"2" validate:"gte=1"`
		QtyTolerance  float64  `yaml:"qty_tolerance" default:"0.000001" validate:"gt=0"`
		CallTimeout   Duration `yaml:"call_timeout" default:"10s"`
	} `yaml:"reconcile"`

	Engine struct {
		EntryNotionalFrac float64  `yaml:"entry_notional_frac" default:"0.05" validate:"gt=0,lte=1"`
		StopLossPct       float64  `yaml:"stop_loss_pct" default:"-8.0" validate:"lt=0"`
		FlipScore         float64  `yaml:"flip_score" default:"-40.0" validate:"lt=0"`
		SoftDeadline      Duration `yaml:"soft_deadline" default:"30s"`
		CallTimeout       Duration `yaml:"call_timeout" default:"10s"`
	} `yaml:"engine"`

	Scheduler struct {
		DecisionInterval  Duration `yaml:"decision_interval" default:"1m"`
		RefreshInterval   Duration `yaml:"refresh_interval" default:"2m"`
		ReconcileInterval Duration `yaml:"reconcile_interval" default:"5m"`
		FlushInterval     Duration `yaml:"flush_interval" default:"10m"`
	} `yaml:"scheduler"`

	MarketHours struct {
		Timezone           string `yaml:"timezone" default:"America/New_York"`
		OpenHour           int    `yaml:"open_hour" default:"9" validate:"gte=0,lte=23"`
		OpenMin            int    `yaml:"open_min" default:"30" validate:"gte=0,lte=59"`
		CloseHour          int    `yaml:"close_hour" default:"16" validate:"gte=0,lte=23"`
		CloseMin           int    `yaml:"close_min" default:"0" validate:"gte=0,lte=59"`
		OffHoursMultiplier int    `yaml:"off_hours_multiplier" default:"3" validate:"gte=1"`
	} `yaml:"market_hours"`

	Server struct {
		Host string `yaml:"host" default:"127.0.0.1"`
		Port int    `yaml:"port" default:"8080" validate:"gte=1,lte=65535"`
	} `yaml:"server"`

	State struct {
		Dir string `yaml:"dir" default:"data"`
	} `yaml:"state"`

	Feed struct {
		URL string `yaml:"url" validate:"omitempty,uri"`
	} `yaml:"feed"`

	Postgres struct {
		DSN string `yaml:"dsn"` // empty disables the audit repo
	} `yaml:"postgres"`

	Redis struct {
		Addr string `yaml:"addr"` // empty disables the cache mirror
	} `yaml:"redis"`
}

func newValidator() *validator.Validate {
	v := validator.New()
	// Validate Duration fields as their underlying time.Duration.
	v.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
		if d, ok := field.Interface().(Duration); ok {
			return d.Duration
		}
		return nil
	}, Duration{})
	return v
}

// Load reads, defaults, and validates the config at path in one pass.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(raw)
}

// Parse decodes yaml bytes into a validated Config. Defaults are applied
// before the file is decoded over them, so an explicitly configured zero is
// a real value that must survive validation, never mistaken for unset.
func Parse(raw []byte) (*Config, error) {
	var cfg Config
	if err := defaults.Set(&cfg); err != nil {
		return nil, fmt.Errorf("apply defaults: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := newValidator().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	if cfg.Cache.AgingFor.Duration < cfg.Cache.FreshFor.Duration {
		return nil, fmt.Errorf("cache.aging_for must not be below cache.fresh_for")
	}
	if _, err := time.LoadLocation(cfg.MarketHours.Timezone); err != nil {
		return nil, fmt.Errorf("invalid market_hours.timezone: %w", err)
	}
	return &cfg, nil
}

// Default returns the fully-defaulted config for a minimal universe, used
// by tests and the status CLI when no file is given.
func Default(universe ...string) *Config {
	cfg, err := Parse([]byte("universe: [" + joinList(universe) + "]"))
	if err != nil {
		panic(err) // defaults are static; a failure here is a programming error
	}
	return cfg
}

func joinList(items []string) string {
	out := ""
	for i, item := range items {
		if i > 0 {
			out += ", "
		}
		out += item
	}
	return out
}

// ScoringConfig converts the scoring section.
func (c *Config) ScoringConfig() scoring.Config {
	return scoring.Config{
		FreshnessFloor:    c.Scoring.FreshnessFloor,
		FreshnessHalfLife: c.Scoring.FreshnessHalfLife.Duration,
		UsabilityCeiling:  c.Scoring.UsabilityCeiling.Duration,
		LowMagThreshold:   c.Scoring.LowMagThreshold,
		LowMagBoost:       c.Scoring.LowMagBoost,
		ComponentCap:      c.Scoring.ComponentCap,
		ScoreScale:        c.Scoring.ScoreScale,
	}
}

// LearnerConfig converts the weights section.
func (c *Config) LearnerConfig() learner.Config {
	return learner.Config{
		MinMultiplier:  c.Weights.MinMultiplier,
		MaxMultiplier:  c.Weights.MaxMultiplier,
		BandWidth:      c.Weights.BandWidth,
		MinBandSamples: c.Weights.MinBandSamples,
	}
}

// GatesConfig converts the gates section.
func (c *Config) GatesConfig() gates.Config {
	return gates.Config{
		ScoreFloor:          c.Gates.ScoreFloor,
		BootstrapScoreFloor: c.Gates.BootstrapScoreFloor,
		BootstrapTrades:     c.Gates.BootstrapTrades,
		ExpectancyFloor:     c.Gates.ExpectancyFloor,
		MaxNetExposureFrac:  c.Gates.MaxNetExposureFrac,
		MaxPositions:        c.Gates.MaxPositions,
		MinDwell:            c.Gates.MinDwell.Duration,
		MinScoreDelta:       c.Gates.MinScoreDelta,
		EmergencyLossPct:    c.Gates.EmergencyLossPct,
		CooldownAfterExit:   c.Gates.CooldownAfterExit.Duration,
		MaxEntriesPerCycle:  c.Gates.MaxEntriesPerCycle,
	}
}

// QuotaConfig converts the quota section.
func (c *Config) QuotaConfig() quota.Config {
	return quota.Config{
		RequestsPerMinute: c.Quota.RequestsPerMinute,
		Burst:             c.Quota.Burst,
		DailyCap:          c.Quota.DailyCap,
		RateLimitCooldown: c.Quota.RateLimitCooldown.Duration,
		DegradedAfter:     c.Quota.DegradedAfter,
		Backoff: quota.BackoffConfig{
			Base:       c.Quota.Backoff.Base.Duration,
			Multiplier: c.Quota.Backoff.Multiplier,
			Max:        c.Quota.Backoff.Max.Duration,
			Jitter:     c.Quota.Backoff.Jitter,
		},
	}
}

// CacheConfig converts the cache section. The usability ceiling is shared
// with scoring so the two layers can never disagree about "too old".
func (c *Config) CacheConfig() cache.Config {
	return cache.Config{
		FreshFor:  c.Cache.FreshFor.Duration,
		AgingFor:  c.Cache.AgingFor.Duration,
		UsableFor: c.Scoring.UsabilityCeiling.Duration,
	}
}

// ReconcileConfig converts the reconcile section.
func (c *Config) ReconcileConfig() reconcile.Config {
	return reconcile.Config{
		Confirmations: c.Reconcile.Confirmations,
		QtyTolerance:  c.Reconcile.QtyTolerance,
		CallTimeout:   c.Reconcile.CallTimeout.Duration,
	}
}

// EngineConfig converts the engine section.
func (c *Config) EngineConfig() engine.Config {
	return engine.Config{
		Universe:          c.Universe,
		EntryNotionalFrac: c.Engine.EntryNotionalFrac,
		StopLossPct:       c.Engine.StopLossPct,
		FlipScore:         c.Engine.FlipScore,
		SoftDeadline:      c.Engine.SoftDeadline.Duration,
		CallTimeout:       c.Engine.CallTimeout.Duration,
	}
}

// SchedulerConfig converts the scheduler section.
func (c *Config) SchedulerConfig() scheduler.Config {
	return scheduler.Config{
		DecisionInterval:  c.Scheduler.DecisionInterval.Duration,
		RefreshInterval:   c.Scheduler.RefreshInterval.Duration,
		ReconcileInterval: c.Scheduler.ReconcileInterval.Duration,
		FlushInterval:     c.Scheduler.FlushInterval.Duration,
	}
}

// MarketHoursConfig converts the market-hours section. The timezone was
// validated at load time.
func (c *Config) MarketHoursConfig() quota.MarketHours {
	loc, err := time.LoadLocation(c.MarketHours.Timezone)
	if err != nil {
		loc = time.UTC
	}
	return quota.MarketHours{
		Location:           loc,
		OpenHour:           c.MarketHours.OpenHour,
		OpenMin:            c.MarketHours.OpenMin,
		CloseHour:          c.MarketHours.CloseHour,
		CloseMin:           c.MarketHours.CloseMin,
		OffHoursMultiplier: c.MarketHours.OffHoursMultiplier,
	}
}

// ServerConfig converts the server section.
func (c *Config) ServerConfig() httpifc.ServerConfig {
	base := httpifc.DefaultServerConfig()
	base.Host = c.Server.Host
	base.Port = c.Server.Port
	return base
}
