package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/epilab/vaccgame/internal/game"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.hcl"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	require.NoError(t, cfg.Validate())
}

func TestLoadFile(t *testing.T) {
	content := `
server {
  address     = "0.0.0.0"
  port        = 9000
  log_level   = "debug"
  admin_token = "sekrit"
}

database {
  pool_size    = 5
  max_overflow = 8
}

game {
  group_size                = 4
  rounds                    = 10
  starting_balance          = 250
  cost_model                = "linear"
  linear_slope_a            = 10
  linear_fixed_b            = 7
  forfeit_choice            = "B"
  decision_deadline_seconds = 30
  ready_timeout_seconds     = 5
}
`
	path := filepath.Join(t.TempDir(), "server.hcl")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "0.0.0.0:9000", cfg.ListenAddress())
	assert.Equal(t, "sekrit", cfg.Server.AdminToken)
	assert.Equal(t, 5, cfg.Database.PoolSize)
	assert.Equal(t, 8, cfg.Database.MaxOverflow)
	assert.Equal(t, 4, cfg.Game.GroupSize)
	assert.Equal(t, "B", cfg.Game.ForfeitChoice)
	assert.Equal(t, 30, cfg.Game.DecisionDeadlineSec)

	model, err := cfg.BuildCostModel()
	require.NoError(t, err)
	lin, ok := model.(*game.LinearModel)
	require.True(t, ok)
	assert.Equal(t, 10.0, lin.SlopeA)
	assert.Equal(t, 7.0, lin.FixedB)

	// Unset fields still pick up defaults.
	assert.Equal(t, Default().Database.ConnMaxLifetimeSec, cfg.Database.ConnMaxLifetimeSec)
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Server.Port = -1 }},
		{"group too small", func(c *Config) { c.Game.GroupSize = 1 }},
		{"no rounds", func(c *Config) { c.Game.Rounds = -2 }},
		{"bad forfeit", func(c *Config) { c.Game.ForfeitChoice = "Q" }},
		{"bad model", func(c *Config) { c.Game.CostModel = "quadratic" }},
		{"bad pool", func(c *Config) { c.Database.PoolSize = -5 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestDefaultTypeTableModel(t *testing.T) {
	model, err := Default().BuildCostModel()
	require.NoError(t, err)
	assert.Equal(t, "type_table", model.Name())
}
