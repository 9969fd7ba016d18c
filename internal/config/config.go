// Package config reads process settings from an optional .env file and the
// environment. Every variable carries the PROPCALL_ prefix.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/DoyleJ11/propcall/internal/engine"
	"github.com/joho/godotenv"
	"go.uber.org/zap/zapcore"
)

const prefix = "PROPCALL_"

var ErrInvalid = errors.New("invalid config value")

type Config struct {
	ListenAddr string
	// Peers are mesh URLs to dial, e.g. ws://10.0.0.7:8080/mesh.
	Peers []string
	// Player joins the session at startup when set.
	Player string

	Rules          engine.Rules
	RosterInterval time.Duration
	HostTiebreak   bool

	LogLevel zapcore.Level
	DevLog   bool

	// ArchiveDSN enables the results archive.
	ArchiveDSN string
}

func Default() Config {
	return Config{
		ListenAddr:     ":8080",
		Rules:          engine.DefaultRules(),
		RosterInterval: 5 * time.Second,
		LogLevel:       zapcore.InfoLevel,
	}
}

// Load reads .env if present and then the environment. envFile reports
// whether a .env file was found.
func Load() (cfg Config, envFile bool, err error) {
	envFile = godotenv.Load() == nil
	cfg, err = FromLookup(os.LookupEnv)
	return cfg, envFile, err
}

// FromLookup builds a Config from lookup, starting from Default.
func FromLookup(lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	p := parser{lookup: lookup}

	p.str("LISTEN_ADDR", &cfg.ListenAddr)
	p.list("PEERS", &cfg.Peers)
	p.str("PLAYER", &cfg.Player)
	p.positive("ROUND_SECONDS", &cfg.Rules.RoundSeconds)
	p.positive("MAX_ROUNDS", &cfg.Rules.MaxRounds)
	p.duration("ADVANCE_DELAY", &cfg.Rules.AdvanceDelay)
	p.duration("ROSTER_INTERVAL", &cfg.RosterInterval)
	p.boolean("HOST_TIEBREAK", &cfg.HostTiebreak)
	p.level("LOG_LEVEL", &cfg.LogLevel)
	p.boolean("DEV_LOG", &cfg.DevLog)
	p.str("ARCHIVE_DSN", &cfg.ArchiveDSN)

	if p.err != nil {
		return Config{}, p.err
	}
	if err := cfg.Rules.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// parser keeps the first error and skips the remaining keys.
type parser struct {
	lookup func(string) (string, bool)
	err    error
}

func (p *parser) get(key string) (string, bool) {
	if p.err != nil {
		return "", false
	}
	v, ok := p.lookup(prefix + key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func (p *parser) fail(key, val string, err error) {
	p.err = fmt.Errorf("%w: %s%s=%q: %v", ErrInvalid, prefix, key, val, err)
}

func (p *parser) str(key string, dst *string) {
	if v, ok := p.get(key); ok {
		*dst = v
	}
}

func (p *parser) list(key string, dst *[]string) {
	v, ok := p.get(key)
	if !ok {
		return
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	*dst = out
}

func (p *parser) positive(key string, dst *int) {
	v, ok := p.get(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err == nil && n <= 0 {
		err = errors.New("must be positive")
	}
	if err != nil {
		p.fail(key, v, err)
		return
	}
	*dst = n
}

func (p *parser) duration(key string, dst *time.Duration) {
	v, ok := p.get(key)
	if !ok {
		return
	}
	d, err := time.ParseDuration(v)
	if err == nil && d < 0 {
		err = errors.New("must not be negative")
	}
	if err != nil {
		p.fail(key, v, err)
		return
	}
	*dst = d
}

func (p *parser) boolean(key string, dst *bool) {
	v, ok := p.get(key)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.fail(key, v, err)
		return
	}
	*dst = b
}

func (p *parser) level(key string, dst *zapcore.Level) {
	v, ok := p.get(key)
	if !ok {
		return
	}
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(v)); err != nil {
		p.fail(key, v, err)
		return
	}
	*dst = lvl
}
