// Package config loads process configuration for workers and gateways: an
// optional bluecollar.{yaml,yml,toml,json} file overlaid by environment
// variables. The environment contract is the one existing deployments
// already use (REDISHOST, REDISPORT, REDISDB and the BC_* family), so a
// file-less install keeps working.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/bluecollar-io/bluecollar/protocol"
)

// Config is the parsed process configuration.
type Config struct {
	// Redis locates the shared broker.
	Redis Redis `yaml:"redis" toml:"redis" json:"redis"`

	// Queue is the work queue list name.
	Queue string `yaml:"queue" toml:"queue" json:"queue"`

	// WorkerList is the worker roster set name.
	WorkerList string `yaml:"worker_list" toml:"worker_list" json:"worker_list"`

	// ReplyTTL is how long worker replies live on their channels before
	// the broker reaps them.
	ReplyTTL Duration `yaml:"reply_ttl" toml:"reply_ttl" json:"reply_ttl"`

	HTTP HTTP `yaml:"http" toml:"http" json:"http"`
	REST REST `yaml:"rest" toml:"rest" json:"rest"`
	WS   WS   `yaml:"ws" toml:"ws" json:"ws"`

	// Debug lowers the log level to debug.
	Debug bool `yaml:"debug" toml:"debug" json:"debug"`
}

// Redis locates one Redis server.
type Redis struct {
	Host string `yaml:"host" toml:"host" json:"host"`
	Port int    `yaml:"port" toml:"port" json:"port"`
	DB   int    `yaml:"db" toml:"db" json:"db"`
}

// HTTP configures the plain HTTP gateway process.
type HTTP struct {
	Host        string   `yaml:"host" toml:"host" json:"host"`
	Port        int      `yaml:"port" toml:"port" json:"port"`
	Prefix      string   `yaml:"prefix" toml:"prefix" json:"prefix"`
	ReplyPrefix string   `yaml:"reply_prefix" toml:"reply_prefix" json:"reply_prefix"`
	Timeout     Duration `yaml:"timeout" toml:"timeout" json:"timeout"`
}

// REST configures the resource-discovery gateway process.
type REST struct {
	Host        string   `yaml:"host" toml:"host" json:"host"`
	Port        int      `yaml:"port" toml:"port" json:"port"`
	Prefix      string   `yaml:"prefix" toml:"prefix" json:"prefix"`
	ReplyPrefix string   `yaml:"reply_prefix" toml:"reply_prefix" json:"reply_prefix"`
	Timeout     Duration `yaml:"timeout" toml:"timeout" json:"timeout"`
	ErrorDocURL string   `yaml:"error_doc_url" toml:"error_doc_url" json:"error_doc_url"`
}

// WS configures the WebSocket gateway process.
type WS struct {
	Host        string   `yaml:"host" toml:"host" json:"host"`
	Port        int      `yaml:"port" toml:"port" json:"port"`
	ReplyPrefix string   `yaml:"reply_prefix" toml:"reply_prefix" json:"reply_prefix"`
	Timeout     Duration `yaml:"timeout" toml:"timeout" json:"timeout"`

	// Fallback routes plain HTTP requests hitting the WebSocket port to
	// another gateway: "http", "rest", or empty for none.
	Fallback string `yaml:"fallback" toml:"fallback" json:"fallback"`

	// SkipLongpolling disables the */xhr/ long-poll endpoints.
	SkipLongpolling bool `yaml:"skip_longpolling" toml:"skip_longpolling" json:"skip_longpolling"`

	// Redis, when set, gives the WebSocket gateway its own broker so
	// pub/sub fan-out does not share connections with the work queue.
	Redis *Redis `yaml:"redis" toml:"redis" json:"redis"`

	// JWTSecret enables JWT subscribe authorization.
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret" json:"jwt_secret"`

	// TokenHashes enables token subscribe authorization. Entries are
	// hex-encoded SHA3-256 hashes; see the token hash command.
	TokenHashes []string `yaml:"token_hashes" toml:"token_hashes" json:"token_hashes"`
}

// Duration wraps time.Duration. Config files and the environment may carry
// either a bare integer of seconds, as existing deployments do, or a Go
// duration string like "5m30s".
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func parseDuration(s string) (Duration, error) {
	if secs, err := strconv.Atoi(s); err == nil {
		if secs < 0 {
			secs = -secs
		}
		return Duration(time.Duration(secs) * time.Second), nil
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	return Duration(dur), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw any
	if err := node.Decode(&raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case int:
		if v < 0 {
			v = -v
		}
		*d = Duration(time.Duration(v) * time.Second)
		return nil
	case string:
		dur, err := parseDuration(v)
		if err != nil {
			return err
		}
		*d = dur
		return nil
	}
	return fmt.Errorf("invalid duration %v", raw)
}

func (d *Duration) UnmarshalText(text []byte) error {
	dur, err := parseDuration(string(text))
	if err != nil {
		return err
	}
	*d = dur
	return nil
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case float64:
		*d = Duration(time.Duration(v * float64(time.Second)))
		return nil
	case string:
		dur, err := parseDuration(v)
		if err != nil {
			return err
		}
		*d = dur
		return nil
	}
	return fmt.Errorf("invalid duration %v", raw)
}

// Load finds and parses a config file in dir, applies defaults, overlays
// the environment, and validates the result. A missing file is not an
// error: defaults plus environment fully describe a deployment. The second
// return is the file name used, empty when none was found.
func Load(dir string) (*Config, string, error) {
	cfg, name, err := loadFile(dir)
	if err != nil {
		return nil, name, err
	}
	cfg.applyDefaults()
	if err := cfg.applyEnv(); err != nil {
		return nil, name, err
	}
	if err := cfg.Validate(); err != nil {
		if name != "" {
			return nil, name, fmt.Errorf("validate %s: %w", name, err)
		}
		return nil, "", err
	}
	return cfg, name, nil
}

func loadFile(dir string) (*Config, string, error) {
	candidates := []struct {
		name   string
		parser func([]byte, *Config) error
	}{
		{"bluecollar.yaml", parseYAML},
		{"bluecollar.yml", parseYAML},
		{"bluecollar.toml", parseTOML},
		{"bluecollar.json", parseJSON},
	}

	for _, c := range candidates {
		path := filepath.Join(dir, c.name)
		data, err := os.ReadFile(path)
		if err != nil {
			continue // File doesn't exist, try next
		}
		var cfg Config
		if err := c.parser(data, &cfg); err != nil {
			return nil, c.name, fmt.Errorf("parse %s: %w", c.name, err)
		}
		return &cfg, c.name, nil
	}
	return &Config{}, "", nil
}

func parseYAML(data []byte, cfg *Config) error {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Strict: error on unknown fields
	return decoder.Decode(cfg)
}

func parseTOML(data []byte, cfg *Config) error {
	_, err := toml.Decode(string(data), cfg)
	return err
}

func parseJSON(data []byte, cfg *Config) error {
	return json.Unmarshal(data, cfg)
}

func (c *Config) applyDefaults() {
	if c.Redis.Host == "" {
		c.Redis.Host = "localhost"
	}
	if c.Redis.Port == 0 {
		c.Redis.Port = 6379
	}
	if c.Queue == "" {
		c.Queue = protocol.DefaultQueue
	}
	if c.WorkerList == "" {
		c.WorkerList = protocol.DefaultRoster
	}
	if c.ReplyTTL == 0 {
		c.ReplyTTL = Duration(330 * time.Second)
	}

	if c.HTTP.Host == "" {
		c.HTTP.Host = "0.0.0.0"
	}
	if c.HTTP.Port == 0 {
		c.HTTP.Port = 8001
	}
	applyGatewayDefaults(&c.HTTP.Prefix, &c.HTTP.ReplyPrefix, &c.HTTP.Timeout)

	if c.REST.Host == "" {
		c.REST.Host = "0.0.0.0"
	}
	if c.REST.Port == 0 {
		c.REST.Port = 8002
	}
	applyGatewayDefaults(&c.REST.Prefix, &c.REST.ReplyPrefix, &c.REST.Timeout)

	if c.WS.Host == "" {
		c.WS.Host = "0.0.0.0"
	}
	if c.WS.Port == 0 {
		c.WS.Port = 8003
	}
	if c.WS.ReplyPrefix == "" {
		c.WS.ReplyPrefix = protocol.DefaultReplyPrefix
	}
	if c.WS.Timeout == 0 {
		c.WS.Timeout = Duration(300 * time.Second)
	}
}

func applyGatewayDefaults(prefix, replyPrefix *string, timeout *Duration) {
	if *prefix == "" {
		*prefix = "/"
	}
	if *replyPrefix == "" {
		*replyPrefix = protocol.DefaultReplyPrefix
	}
	if *timeout == 0 {
		*timeout = Duration(300 * time.Second)
	}
}

// applyEnv overlays environment variables onto the config. Variable names
// match the original deployment contract, so existing process managers
// need no changes.
func (c *Config) applyEnv() error {
	// The broker variables exist in two generations of spelling. The
	// prefixed forms win when both are set.
	envString("REDISHOST", &c.Redis.Host)
	envString("BC_REDISHOST", &c.Redis.Host)
	if err := envPort("REDISPORT", &c.Redis.Port); err != nil {
		return err
	}
	if err := envPort("BC_REDISPORT", &c.Redis.Port); err != nil {
		return err
	}
	if err := envInt("REDISDB", &c.Redis.DB); err != nil {
		return err
	}
	if err := envInt("BC_REDISDB", &c.Redis.DB); err != nil {
		return err
	}

	envString("BC_QUEUE", &c.Queue)
	envString("BC_WORKERLIST", &c.WorkerList)
	if err := envDuration("BC_REPLY_TTL", &c.ReplyTTL); err != nil {
		return err
	}

	envString("BC_HTTP_HOST", &c.HTTP.Host)
	if err := envPort("BC_HTTP_PORT", &c.HTTP.Port); err != nil {
		return err
	}
	envString("BC_HTTP_PREFIX", &c.HTTP.Prefix)
	envString("BC_HTTP_REPLY_PREFIX", &c.HTTP.ReplyPrefix)
	if err := envDuration("BC_HTTP_TIMEOUT", &c.HTTP.Timeout); err != nil {
		return err
	}

	envString("BC_REST_HOST", &c.REST.Host)
	if err := envPort("BC_REST_PORT", &c.REST.Port); err != nil {
		return err
	}
	envString("BC_REST_PREFIX", &c.REST.Prefix)
	envString("BC_REST_REPLY_PREFIX", &c.REST.ReplyPrefix)
	if err := envDuration("BC_REST_TIMEOUT", &c.REST.Timeout); err != nil {
		return err
	}
	envString("BC_REST_ERROR_DOC_URL", &c.REST.ErrorDocURL)

	envString("BC_WS_HOST", &c.WS.Host)
	if err := envPort("BC_WS_PORT", &c.WS.Port); err != nil {
		return err
	}
	envString("BC_WS_REPLY_PREFIX", &c.WS.ReplyPrefix)
	if err := envDuration("BC_WS_TIMEOUT", &c.WS.Timeout); err != nil {
		return err
	}
	envString("BC_WS_FALLBACK", &c.WS.Fallback)
	envBool("BC_WS_SKIP_LONGPOLLING", &c.WS.SkipLongpolling)
	envString("BC_WS_AUTH_JWT_SECRET", &c.WS.JWTSecret)
	if v := os.Getenv("BC_WS_AUTH_TOKENS"); v != "" {
		c.WS.TokenHashes = splitList(v)
	}

	if os.Getenv("BC_WS_REDISHOST") != "" || os.Getenv("BC_WS_REDISPORT") != "" || os.Getenv("BC_WS_REDISDB") != "" {
		if c.WS.Redis == nil {
			r := c.Redis
			c.WS.Redis = &r
		}
		envString("BC_WS_REDISHOST", &c.WS.Redis.Host)
		if err := envPort("BC_WS_REDISPORT", &c.WS.Redis.Port); err != nil {
			return err
		}
		if err := envInt("BC_WS_REDISDB", &c.WS.Redis.DB); err != nil {
			return err
		}
	}

	envBool("DEBUG", &c.Debug)
	envBool("BC_DEBUG", &c.Debug)
	return nil
}

// Validate checks the config for errors.
func (c *Config) Validate() error {
	if err := c.Redis.validate("redis"); err != nil {
		return err
	}
	if c.WS.Redis != nil {
		if err := c.WS.Redis.validate("ws redis"); err != nil {
			return err
		}
	}
	for _, p := range []struct {
		label string
		port  int
	}{
		{"http", c.HTTP.Port},
		{"rest", c.REST.Port},
		{"ws", c.WS.Port},
	} {
		if p.port < 1 || p.port > 65535 {
			return fmt.Errorf("%s: port %d out of range", p.label, p.port)
		}
	}
	switch c.WS.Fallback {
	case "", "http", "rest":
	default:
		return fmt.Errorf("ws: fallback must be http or rest, got %q", c.WS.Fallback)
	}
	return nil
}

func (r Redis) validate(label string) error {
	if r.Port < 1 || r.Port > 65535 {
		return fmt.Errorf("%s: port %d out of range", label, r.Port)
	}
	if r.DB < 0 || r.DB > 15 {
		return fmt.Errorf("%s: db must be 0-15, got %d", label, r.DB)
	}
	return nil
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s must be an integer: %w", key, err)
	}
	*dst = n
	return nil
}

// envPort reads an integer and takes its absolute value, a quirk existing
// deployments rely on.
func envPort(key string, dst *int) error {
	if err := envInt(key, dst); err != nil {
		return err
	}
	if *dst < 0 {
		*dst = -*dst
	}
	return nil
}

func envDuration(key string, dst *Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := parseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		*dst = v != "0" && !strings.EqualFold(v, "false")
	}
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
