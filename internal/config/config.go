// Package config loads the gateway configuration: listen address, per-space
// participant tables (tokens and capability patterns), resource limits,
// history mirror settings. Environment variables override file values.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v2"

	"github.com/mewlab/mew-go/pkg/capability"
)

// Defaults applied when the file leaves a knob unset.
const (
	DefaultListen          = ":8080"
	DefaultSendQueue       = 256
	DefaultMaxStreams      = 32
	DefaultMaxPending      = 256
	DefaultMaxCapabilities = 128
	DefaultHistoryDepth    = 256
	DefaultInjectPerMinute = 120
)

// Config is the root gateway configuration.
type Config struct {
	Listen  string        `yaml:"listen"`
	Spaces  []SpaceConfig `yaml:"spaces"`
	Limits  LimitsConfig  `yaml:"limits"`
	History HistoryConfig `yaml:"history"`
	Inject  InjectConfig  `yaml:"inject"`
}

// SpaceConfig declares one space and its participant table.
type SpaceConfig struct {
	Name         string              `yaml:"name"`
	Participants []ParticipantConfig `yaml:"participants"`
}

// ParticipantConfig declares one logical participant. Exactly one of Token
// (plaintext, for development) or TokenBcrypt (hash of the token) must be
// set. Capabilities come in as raw YAML and are normalized into JSON
// pattern trees at load time.
type ParticipantConfig struct {
	ID              string        `yaml:"id"`
	Token           string        `yaml:"token"`
	TokenBcrypt     string        `yaml:"token_bcrypt"`
	RawCapabilities []interface{} `yaml:"capabilities"`
	AutoStart       string        `yaml:"auto_start"`

	// Capabilities is the normalized pattern set, filled by Load.
	Capabilities []capability.Pattern `yaml:"-"`
}

// LimitsConfig bounds per-connection and per-participant resources.
type LimitsConfig struct {
	SendQueue       int `yaml:"send_queue"`
	MaxStreams      int `yaml:"max_streams"`
	MaxPending      int `yaml:"max_pending"`
	MaxCapabilities int `yaml:"max_capabilities"`
}

// HistoryConfig controls the best-effort history mirror. Depth bounds the
// in-memory ring; a non-empty RedisAddr additionally mirrors to Redis.
type HistoryConfig struct {
	Depth         int    `yaml:"depth"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
}

// InjectConfig controls the HTTP inject endpoint.
type InjectConfig struct {
	RatePerMinute int `yaml:"rate_per_minute"`
}

// Load reads, normalizes and validates a gateway config file.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.applyDefaults()
	cfg.applyEnv()
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.Limits.SendQueue <= 0 {
		c.Limits.SendQueue = DefaultSendQueue
	}
	if c.Limits.MaxStreams <= 0 {
		c.Limits.MaxStreams = DefaultMaxStreams
	}
	if c.Limits.MaxPending <= 0 {
		c.Limits.MaxPending = DefaultMaxPending
	}
	if c.Limits.MaxCapabilities <= 0 {
		c.Limits.MaxCapabilities = DefaultMaxCapabilities
	}
	if c.History.Depth <= 0 {
		c.History.Depth = DefaultHistoryDepth
	}
	if c.Inject.RatePerMinute <= 0 {
		c.Inject.RatePerMinute = DefaultInjectPerMinute
	}
}

func (c *Config) applyEnv() {
	if v := os.Getenv("MEW_LISTEN_ADDR"); v != "" {
		c.Listen = v
	}
	if v := os.Getenv("MEW_REDIS_ADDR"); v != "" {
		c.History.RedisAddr = v
	}
}

// normalize converts YAML-decoded capability patterns into the JSON value
// trees the matcher consumes.
func (c *Config) normalize() error {
	for si := range c.Spaces {
		space := &c.Spaces[si]
		for pi := range space.Participants {
			p := &space.Participants[pi]
			patterns, err := normalizePatterns(p.RawCapabilities)
			if err != nil {
				return fmt.Errorf("space %s participant %s: %w", space.Name, p.ID, err)
			}
			p.Capabilities = patterns
		}
	}
	return nil
}

// Validate checks structural requirements after normalization.
func (c *Config) Validate() error {
	if len(c.Spaces) == 0 {
		return fmt.Errorf("config declares no spaces")
	}
	seenSpace := make(map[string]bool)
	for _, space := range c.Spaces {
		if space.Name == "" {
			return fmt.Errorf("space with empty name")
		}
		if seenSpace[space.Name] {
			return fmt.Errorf("duplicate space %q", space.Name)
		}
		seenSpace[space.Name] = true

		seenID := make(map[string]bool)
		seenToken := make(map[string]bool)
		for _, p := range space.Participants {
			if p.ID == "" {
				return fmt.Errorf("space %s: participant with empty id", space.Name)
			}
			if seenID[p.ID] {
				return fmt.Errorf("space %s: duplicate participant %q", space.Name, p.ID)
			}
			seenID[p.ID] = true
			if p.Token == "" && p.TokenBcrypt == "" {
				return fmt.Errorf("space %s participant %s: no token configured", space.Name, p.ID)
			}
			if p.Token != "" {
				if seenToken[p.Token] {
					return fmt.Errorf("space %s: token reused across participants", space.Name)
				}
				seenToken[p.Token] = true
			}
			if c.Limits.MaxCapabilities > 0 && len(p.Capabilities) > c.Limits.MaxCapabilities {
				return fmt.Errorf("space %s participant %s: %d capabilities exceeds limit %d",
					space.Name, p.ID, len(p.Capabilities), c.Limits.MaxCapabilities)
			}
		}
	}
	return nil
}

// Space returns the named space config, nil when absent.
func (c *Config) Space(name string) *SpaceConfig {
	for i := range c.Spaces {
		if c.Spaces[i].Name == name {
			return &c.Spaces[i]
		}
	}
	return nil
}

// Authenticate resolves a bearer token to a participant, or nil when no
// participant owns the token. Plaintext tokens compare directly; hashed
// tokens go through bcrypt.
func (s *SpaceConfig) Authenticate(token string) *ParticipantConfig {
	if token == "" {
		return nil
	}
	for i := range s.Participants {
		p := &s.Participants[i]
		if p.Token != "" && p.Token == token {
			return p
		}
		if p.TokenBcrypt != "" {
			if bcrypt.CompareHashAndPassword([]byte(p.TokenBcrypt), []byte(token)) == nil {
				return p
			}
		}
	}
	return nil
}

// Participant returns the participant config by logical name.
func (s *SpaceConfig) Participant(id string) *ParticipantConfig {
	for i := range s.Participants {
		if s.Participants[i].ID == id {
			return &s.Participants[i]
		}
	}
	return nil
}

// normalizePatterns converts yaml.v2 value trees (map[interface{}]interface{},
// int) into JSON-canonical trees (map[string]interface{}, float64) via a
// marshal round trip, so config patterns compare structurally equal to
// wire-decoded ones.
func normalizePatterns(raw []interface{}) ([]capability.Pattern, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	patterns := make([]capability.Pattern, 0, len(raw))
	for i, entry := range raw {
		converted, err := yamlToJSON(entry)
		if err != nil {
			return nil, fmt.Errorf("capability %d: %w", i, err)
		}
		obj, ok := converted.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("capability %d: pattern must be a mapping", i)
		}
		b, err := json.Marshal(obj)
		if err != nil {
			return nil, fmt.Errorf("capability %d: %w", i, err)
		}
		var p capability.Pattern
		if err := json.Unmarshal(b, &p); err != nil {
			return nil, fmt.Errorf("capability %d: %w", i, err)
		}
		patterns = append(patterns, p)
	}
	return patterns, nil
}

func yamlToJSON(v interface{}) (interface{}, error) {
	switch t := v.(type) {
	case map[interface{}]interface{}:
		m := make(map[string]interface{}, len(t))
		for k, val := range t {
			ks, ok := k.(string)
			if !ok {
				return nil, fmt.Errorf("non-string key %v", k)
			}
			conv, err := yamlToJSON(val)
			if err != nil {
				return nil, err
			}
			m[ks] = conv
		}
		return m, nil
	case map[string]interface{}:
		m := make(map[string]interface{}, len(t))
		for k, val := range t {
			conv, err := yamlToJSON(val)
			if err != nil {
				return nil, err
			}
			m[k] = conv
		}
		return m, nil
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			conv, err := yamlToJSON(val)
			if err != nil {
				return nil, err
			}
			out[i] = conv
		}
		return out, nil
	default:
		return v, nil
	}
}
