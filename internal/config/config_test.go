package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("BRONS_DATA_DIR", "/tmp/brons")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, filepath.Join("/tmp/brons", "brons.db"), cfg.DBPath)
	assert.Equal(t, 20, cfg.MaxTurns)
	assert.Equal(t, 50, cfg.MaxToolCalls)
	assert.Equal(t, 300*time.Second, cfg.RunTimeout)
	assert.True(t, cfg.MemoryCompaction)
	assert.False(t, cfg.SlackEnabled())
	assert.False(t, cfg.KafkaEnabled())
}

func TestLoadReadsDotEnvWithoutOverriding(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	dotenv := "# local settings\nexport BRONS_HTTP_ADDR=:9090\nBRONS_KAFKA_BROKERS='k1:9092,k2:9092'\nBRONS_MAX_TURNS=5\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte(dotenv), 0o600))
	t.Setenv("BRONS_MAX_TURNS", "7")
	t.Cleanup(func() {
		_ = os.Unsetenv("BRONS_HTTP_ADDR")
		_ = os.Unsetenv("BRONS_KAFKA_BROKERS")
	})

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.HTTPAddr)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 7, cfg.MaxTurns)
	assert.True(t, cfg.KafkaEnabled())
}

func TestLoadAcceptsUnprefixedAPIKey(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "sk-test", cfg.AnthropicAPIKey)
}

func TestValidate(t *testing.T) {
	base := Config{LogFormat: "text", MaxTurns: 1, MaxToolCalls: 1, RunTimeout: time.Second}
	require.NoError(t, base.Validate())

	bad := base
	bad.LogFormat = "xml"
	assert.Error(t, bad.Validate())

	bad = base
	bad.MaxToolCalls = 0
	assert.Error(t, bad.Validate())

	bad = base
	bad.SlackToken = "xoxb"
	assert.Error(t, bad.Validate())
}

func TestParseSeed(t *testing.T) {
	seed, err := ParseSeed([]byte(`
brons:
  - name: Ada
    avatar_color: "#6366f1"
    system_prompt: Keep replies short.
  - name: Grace
`))
	require.NoError(t, err)
	require.Len(t, seed.Brons, 2)
	assert.Equal(t, "Ada", seed.Brons[0].Name)
	require.NotNil(t, seed.Brons[0].AvatarColor)
	assert.Equal(t, "#6366f1", *seed.Brons[0].AvatarColor)
	assert.Nil(t, seed.Brons[1].SystemPrompt)

	_, err = ParseSeed([]byte("brons:\n  - avatar_color: red\n"))
	assert.Error(t, err)

	_, err = ParseSeed([]byte("brons:\n  - name: Ada\n    colour: red\n"))
	assert.Error(t, err)
}
