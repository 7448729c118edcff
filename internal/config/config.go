// Package config loads server configuration from HCL files.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"

	"github.com/epilab/vaccgame/internal/game"
)

// Config is the complete server configuration.
type Config struct {
	Server   ServerSettings   `hcl:"server,block"`
	Database DatabaseSettings `hcl:"database,block"`
	Game     GameSettings     `hcl:"game,block"`
}

// ServerSettings contains listener-level configuration.
type ServerSettings struct {
	Address    string `hcl:"address,optional"`
	Port       int    `hcl:"port,optional"`
	LogLevel   string `hcl:"log_level,optional"`
	AdminToken string `hcl:"admin_token,optional"`
	Monitor    bool   `hcl:"monitor,optional"`
}

// DatabaseSettings configures the decision store and its connection
// governor. DSN is read from the DATABASE_URL environment variable when
// empty; an empty DSN with no environment value selects the in-memory
// store (development and tests only).
type DatabaseSettings struct {
	DSN                string `hcl:"dsn,optional"`
	PoolSize           int    `hcl:"pool_size,optional"`
	MaxOverflow        int    `hcl:"max_overflow,optional"`
	ConnMaxLifetimeSec int    `hcl:"conn_max_lifetime_seconds,optional"`
	AcquireTimeoutSec  int    `hcl:"acquire_timeout_seconds,optional"`
}

// GameSettings are the experiment parameters applied to new sessions.
type GameSettings struct {
	GroupSize           int     `hcl:"group_size,optional"`
	Rounds              int     `hcl:"rounds,optional"`
	StartingBalance     float64 `hcl:"starting_balance,optional"`
	CostModel           string  `hcl:"cost_model,optional"`
	LinearSlopeA        float64 `hcl:"linear_slope_a,optional"`
	LinearFixedB        float64 `hcl:"linear_fixed_b,optional"`
	ForfeitChoice       string  `hcl:"forfeit_choice,optional"`
	DecisionDeadlineSec int     `hcl:"decision_deadline_seconds,optional"`
	ReadyTimeoutSec     int     `hcl:"ready_timeout_seconds,optional"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Server: ServerSettings{
			Address:  "localhost",
			Port:     8080,
			LogLevel: "info",
		},
		Database: DatabaseSettings{
			PoolSize:           10,
			MaxOverflow:        20,
			ConnMaxLifetimeSec: 3600,
			AcquireTimeoutSec:  10,
		},
		Game: GameSettings{
			GroupSize:           6,
			Rounds:              20,
			StartingBalance:     500,
			CostModel:           "type_table",
			ForfeitChoice:       "A",
			DecisionDeadlineSec: 0, // disabled unless configured
			ReadyTimeoutSec:     15,
		},
	}
}

// Load reads configuration from an HCL file, falling back to defaults
// when the file does not exist.
func Load(filename string) (*Config, error) {
	if _, err := os.Stat(filename); os.IsNotExist(err) {
		return Default(), nil
	}

	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL file: %s", diags.Error())
	}

	var cfg Config
	diags = gohcl.DecodeBody(file.Body, nil, &cfg)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode HCL: %s", diags.Error())
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	def := Default()

	if c.Server.Address == "" {
		c.Server.Address = def.Server.Address
	}
	if c.Server.Port == 0 {
		c.Server.Port = def.Server.Port
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = def.Server.LogLevel
	}

	if c.Database.PoolSize == 0 {
		c.Database.PoolSize = def.Database.PoolSize
	}
	if c.Database.MaxOverflow == 0 {
		c.Database.MaxOverflow = def.Database.MaxOverflow
	}
	if c.Database.ConnMaxLifetimeSec == 0 {
		c.Database.ConnMaxLifetimeSec = def.Database.ConnMaxLifetimeSec
	}
	if c.Database.AcquireTimeoutSec == 0 {
		c.Database.AcquireTimeoutSec = def.Database.AcquireTimeoutSec
	}

	if c.Game.GroupSize == 0 {
		c.Game.GroupSize = def.Game.GroupSize
	}
	if c.Game.Rounds == 0 {
		c.Game.Rounds = def.Game.Rounds
	}
	if c.Game.StartingBalance == 0 {
		c.Game.StartingBalance = def.Game.StartingBalance
	}
	if c.Game.CostModel == "" {
		c.Game.CostModel = def.Game.CostModel
	}
	if c.Game.ForfeitChoice == "" {
		c.Game.ForfeitChoice = def.Game.ForfeitChoice
	}
	if c.Game.ReadyTimeoutSec == 0 {
		c.Game.ReadyTimeoutSec = def.Game.ReadyTimeoutSec
	}
}

// Validate checks configuration consistency.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}
	if c.Database.PoolSize < 1 {
		return fmt.Errorf("pool_size must be positive, got %d", c.Database.PoolSize)
	}
	if c.Database.MaxOverflow < 0 {
		return fmt.Errorf("max_overflow must not be negative, got %d", c.Database.MaxOverflow)
	}
	if c.Game.GroupSize < 2 {
		return fmt.Errorf("group_size must be at least 2, got %d", c.Game.GroupSize)
	}
	if c.Game.Rounds < 1 {
		return fmt.Errorf("rounds must be at least 1, got %d", c.Game.Rounds)
	}
	if c.Game.StartingBalance < 0 {
		return fmt.Errorf("starting_balance must not be negative")
	}
	if _, err := game.ParseChoice(c.Game.ForfeitChoice); err != nil {
		return fmt.Errorf("forfeit_choice: %w", err)
	}
	if _, err := c.BuildCostModel(); err != nil {
		return err
	}
	return nil
}

// BuildCostModel constructs the configured cost model.
func (c *Config) BuildCostModel() (game.CostModel, error) {
	switch c.Game.CostModel {
	case "type_table":
		return game.DefaultTypeTable(), nil
	case "linear":
		return &game.LinearModel{SlopeA: c.Game.LinearSlopeA, FixedB: c.Game.LinearFixedB}, nil
	default:
		return nil, fmt.Errorf("unknown cost_model: %q", c.Game.CostModel)
	}
}

// EffectiveDSN resolves the database DSN, falling back to the
// DATABASE_URL environment variable. Empty means the in-memory store.
func (c *Config) EffectiveDSN() string {
	if c.Database.DSN != "" {
		return c.Database.DSN
	}
	return os.Getenv("DATABASE_URL")
}

// ListenAddress returns the host:port the server binds to.
func (c *Config) ListenAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Address, c.Server.Port)
}

// DecisionDeadline returns the collecting-phase grace period, zero when
// disabled.
func (c *Config) DecisionDeadline() time.Duration {
	return time.Duration(c.Game.DecisionDeadlineSec) * time.Second
}

// ReadyTimeout returns the ready-wait deadline after which silent
// participants are auto-acknowledged.
func (c *Config) ReadyTimeout() time.Duration {
	return time.Duration(c.Game.ReadyTimeoutSec) * time.Second
}

// AcquireTimeout returns how long a storage operation may wait for a
// governor slot.
func (c *Config) AcquireTimeout() time.Duration {
	return time.Duration(c.Database.AcquireTimeoutSec) * time.Second
}

// ConnMaxLifetime returns the connection recycle interval.
func (c *Config) ConnMaxLifetime() time.Duration {
	return time.Duration(c.Database.ConnMaxLifetimeSec) * time.Second
}
