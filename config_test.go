package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validPlay() playConfig {
	return playConfig{
		relay:     "http://localhost:8080",
		party:     "abc",
		players:   3,
		impostors: 1,
		words:     10,
		bits:      256,
		keyBits:   4096,
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := &Config{port: 8080}
	require.NoError(t, cfg.validate())

	cfg.port = 0
	assert.Error(t, cfg.validate())

	cfg = &Config{port: 8080, tlsCert: "cert.pem"}
	assert.Error(t, cfg.validate())

	cfg = &Config{port: 8080, sessionTimeout: -time.Second}
	assert.Error(t, cfg.validate())
}

func TestPlayConfigValidate(t *testing.T) {
	p := validPlay()
	require.NoError(t, p.validate())

	for name, mutate := range map[string]func(*playConfig){
		"no relay":           func(p *playConfig) { p.relay = "" },
		"relay without host": func(p *playConfig) { p.relay = "localhost" },
		"no party":           func(p *playConfig) { p.party = "" },
		"one player":         func(p *playConfig) { p.players = 1 },
		"no impostor":        func(p *playConfig) { p.impostors = 0 },
		"all impostors":      func(p *playConfig) { p.impostors = 3 },
		"no words":           func(p *playConfig) { p.words = 0 },
		"round past words":   func(p *playConfig) { p.round = 10 },
		"tiny primes":        func(p *playConfig) { p.bits = 16 },
		"tiny key":           func(p *playConfig) { p.keyBits = 512 },
		"negative timeout":   func(p *playConfig) { p.cardTimeout = -time.Second },
	} {
		p := validPlay()
		mutate(&p)
		assert.Error(t, p.validate(), name)
	}

	// Guests do not choose the player or impostor counts.
	p = validPlay()
	p.join = "host"
	p.players = 0
	p.impostors = 0
	assert.NoError(t, p.validate())
}

func TestEnvironmentOverridesDefaults(t *testing.T) {
	t.Setenv("IMPOSTOR_PORT", "9090")
	t.Setenv("IMPOSTOR_SESSION_TIMEOUT", "5m")
	t.Setenv("IMPOSTOR_PLAYERS", "6")
	t.Setenv("IMPOSTOR_CARD_TIMEOUT", "30s")

	cfg := &Config{}
	newCmd(cfg)

	assert.Equal(t, 9090, cfg.port)
	assert.Equal(t, 5*time.Minute, cfg.sessionTimeout)
	assert.Equal(t, 6, cfg.play.players)
	assert.Equal(t, 30*time.Second, cfg.play.cardTimeout)
	assert.Equal(t, "0.0.0.0", cfg.bind)
}

func TestFlagsOverrideEnvironment(t *testing.T) {
	t.Setenv("IMPOSTOR_PORT", "9090")

	cfg := &Config{}
	cmd := newCmd(cfg)
	require.NoError(t, cmd.ParseFlags([]string{"--port", "7070"}))

	assert.Equal(t, 7070, cfg.port)
}

func TestLoadWords(t *testing.T) {
	words, err := loadWords("", 5)
	require.NoError(t, err)
	assert.Len(t, words, 5)
	for _, w := range words {
		assert.NotEmpty(t, w)
		assert.NotContains(t, w, "#")
	}

	path := filepath.Join(t.TempDir(), "words.txt")
	require.NoError(t, os.WriteFile(path, []byte("# comment\nred\n\n  blue \nred\ngreen\n"), 0o600))

	words, err = loadWords(path, 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"red", "blue", "green"}, words)

	_, err = loadWords(path, 4)
	assert.Error(t, err)

	_, err = loadWords(filepath.Join(t.TempDir(), "missing"), 1)
	assert.Error(t, err)
}
