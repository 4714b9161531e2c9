package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all wellspring configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Logging  LoggingConfig  `yaml:"logging"`
	Keys     KeysConfig     `yaml:"keys"`
	Tuning   Tuning         `yaml:"tuning"`
}

type ServerConfig struct {
	Bind        string   `yaml:"bind"`
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type LoggingConfig struct {
	Level       string `yaml:"level"`       // debug, info, warn, error
	Development bool   `yaml:"development"` // console encoder instead of JSON
}

type KeysConfig struct {
	Dir string `yaml:"dir"` // where identity key files live
}

// Tuning holds every numeric constant the engines depend on. None of these
// values are authoritative; they are defaults that a deployment is expected
// to adjust.
type Tuning struct {
	Trust      TrustTuning      `yaml:"trust"`
	Constraint ConstraintTuning `yaml:"constraint"`
	Salience   SalienceTuning   `yaml:"salience"`
	Traversal  TraversalTuning  `yaml:"traversal"`
	Background BackgroundTuning `yaml:"background"`
}

type TrustTuning struct {
	BaseGroundedness   float64 `yaml:"base_groundedness"`
	CycleDiscount      float64 `yaml:"cycle_discount"`
	MaxDepth           int     `yaml:"max_depth"`
	DeepMaxDepth       int     `yaml:"deep_max_depth"`
	ImplicitEdgeBelief float64 `yaml:"implicit_edge_belief"`
	VouchDecay         float64 `yaml:"vouch_decay"`
	MaxVouchHops       int     `yaml:"max_vouch_hops"`
	DelegationFactor   float64 `yaml:"delegation_factor"` // used when a delegation names none
	ExternalBaseTrust  float64 `yaml:"external_base_trust"`
	AgentBaseTrust     float64 `yaml:"agent_base_trust"`
	ReputationAlpha    float64 `yaml:"reputation_alpha"`
	ReputationPrior    float64 `yaml:"reputation_prior"`
	CacheSize          int     `yaml:"cache_size"`

	// ClockResolution rounds "now" up so reads within one tick share
	// memoized results.
	ClockResolution time.Duration `yaml:"clock_resolution"`
}

type ConstraintTuning struct {
	VetoThreshold     float64 `yaml:"veto_threshold"`
	DisjointThreshold float64 `yaml:"disjoint_threshold"`
}

type SalienceTuning struct {
	HalfLife     time.Duration `yaml:"half_life"`
	ReachHops    int           `yaml:"reach_hops"`
	ContextSize  int           `yaml:"context_size"`
	UnknownTrust float64       `yaml:"unknown_trust"`
}

type TraversalTuning struct {
	BaseCost          float64       `yaml:"base_cost"`
	RecencyWeight     float64       `yaml:"recency_weight"`
	RecencyHalfLife   time.Duration `yaml:"recency_half_life"`
	FrequencyWeight   float64       `yaml:"frequency_weight"`
	ReverseCostFactor float64       `yaml:"reverse_cost_factor"`
	TreeMaxAge        time.Duration `yaml:"tree_max_age"`
}

type BackgroundTuning struct {
	Interval        time.Duration `yaml:"interval"`
	CheckpointEvery int           `yaml:"checkpoint_every"`
	Workers         int           `yaml:"workers"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Bind: "127.0.0.1",
			Port: 37780,
		},
		Database: DatabaseConfig{
			Path: "", // resolved at runtime via store.DefaultDBPath()
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Tuning: DefaultTuning(),
	}
}

// DefaultTuning returns the default engine constants.
func DefaultTuning() Tuning {
	return Tuning{
		Trust: TrustTuning{
			BaseGroundedness:   0.3,
			CycleDiscount:      0.5,
			MaxDepth:           4,
			DeepMaxDepth:       12,
			ImplicitEdgeBelief: 0.5,
			VouchDecay:         0.8,
			MaxVouchHops:       3,
			DelegationFactor:   0.8,
			ExternalBaseTrust:  0.5,
			AgentBaseTrust:     0.2,
			ReputationAlpha:    0.3,
			ReputationPrior:    0.5,
			CacheSize:          4096,
			ClockResolution:    time.Second,
		},
		Constraint: ConstraintTuning{
			VetoThreshold:     -1.0,
			DisjointThreshold: 0.5,
		},
		Salience: SalienceTuning{
			HalfLife:     7 * 24 * time.Hour,
			ReachHops:    4,
			ContextSize:  8,
			UnknownTrust: 0.5,
		},
		Traversal: TraversalTuning{
			BaseCost:          1.0,
			RecencyWeight:     1.0,
			RecencyHalfLife:   72 * time.Hour,
			FrequencyWeight:   0.5,
			ReverseCostFactor: 1.5,
			TreeMaxAge:        time.Hour,
		},
		Background: BackgroundTuning{
			Interval:        time.Hour,
			CheckpointEvery: 500,
			Workers:         4,
		},
	}
}

// Load reads a YAML config file layered over Default(). A missing file is not
// an error; the defaults are returned.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// FromEnv applies environment overrides.
func (c *Config) FromEnv() {
	if p := os.Getenv("WELLSPRING_DB"); p != "" {
		c.Database.Path = p
	}
	if d := os.Getenv("WELLSPRING_KEYS"); d != "" {
		c.Keys.Dir = d
	}
	if l := os.Getenv("WELLSPRING_LOG_LEVEL"); l != "" {
		c.Logging.Level = l
	}
}

// Validate reports the first out-of-range setting.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	return c.Tuning.Validate()
}

// Validate reports the first out-of-range tuning constant.
func (t Tuning) Validate() error {
	tr := t.Trust
	if tr.BaseGroundedness < 0 || tr.BaseGroundedness > 1 {
		return fmt.Errorf("trust.base_groundedness must be in [0,1]")
	}
	if tr.CycleDiscount < 0 || tr.CycleDiscount > 1 {
		return fmt.Errorf("trust.cycle_discount must be in [0,1]")
	}
	if tr.MaxDepth < 1 || tr.DeepMaxDepth < tr.MaxDepth {
		return fmt.Errorf("trust.max_depth must be >= 1 and <= deep_max_depth")
	}
	if tr.VouchDecay <= 0 || tr.VouchDecay > 1 {
		return fmt.Errorf("trust.vouch_decay must be in (0,1]")
	}
	if tr.ReputationAlpha <= 0 || tr.ReputationAlpha > 1 {
		return fmt.Errorf("trust.reputation_alpha must be in (0,1]")
	}
	if tr.ClockResolution < 0 {
		return fmt.Errorf("trust.clock_resolution must not be negative")
	}
	if t.Constraint.VetoThreshold < -1 || t.Constraint.VetoThreshold > 1 {
		return fmt.Errorf("constraint.veto_threshold must be in [-1,1]")
	}
	if t.Salience.HalfLife <= 0 {
		return fmt.Errorf("salience.half_life must be positive")
	}
	if t.Traversal.BaseCost <= 0 {
		return fmt.Errorf("traversal.base_cost must be positive")
	}
	if t.Traversal.RecencyHalfLife <= 0 {
		return fmt.Errorf("traversal.recency_half_life must be positive")
	}
	if t.Traversal.ReverseCostFactor < 1 {
		return fmt.Errorf("traversal.reverse_cost_factor must be >= 1")
	}
	return nil
}

// ListenAddr returns the bind:port address string.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Bind, c.Server.Port)
}
