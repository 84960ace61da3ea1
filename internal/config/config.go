package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"htbtracker/internal/logging"
)

const FileName = "htbtracker.yml"

// Config models htbtracker.yml.
type Config struct {
	HTB struct {
		BaseURL      string `yaml:"base_url"`
		Token        string `yaml:"token"`
		UniversityID string `yaml:"university_id"`
		// Timeout bounds a single upstream request.
		Timeout time.Duration `yaml:"timeout"`
		// RequestInterval is the fixed pacing between upstream calls.
		RequestInterval time.Duration `yaml:"request_interval"`
		MaxRetries      int           `yaml:"max_retries"`
		Breaker         struct {
			Failures uint32        `yaml:"failures"`
			Cooldown time.Duration `yaml:"cooldown"`
		} `yaml:"breaker"`
	} `yaml:"htb"`
	Discord struct {
		FirstBloodWebhook string `yaml:"first_blood_webhook"`
		BoardWebhook      string `yaml:"board_webhook"`
		Username          string `yaml:"username"`
		Footer            string `yaml:"footer"`
	} `yaml:"discord"`
	Schedule struct {
		PollInterval   time.Duration `yaml:"poll_interval"`
		RebuildWeekday string        `yaml:"rebuild_weekday"`
		RebuildAt      string        `yaml:"rebuild_at"`
		RebuildOnStart bool          `yaml:"rebuild_on_start"`
	} `yaml:"schedule"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Server struct {
		Addr      string `yaml:"addr"`
		BasePath  string `yaml:"base_path"`
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"server"`
}

// Validate checks structure only. Credentials are checked by
// RequireUpstream because read-only commands work without them.
func (c *Config) Validate() error {
	if u, err := url.Parse(c.HTB.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("config.htb.base_url must be an absolute url")
	}
	if c.HTB.Timeout <= 0 {
		return fmt.Errorf("config.htb.timeout must be positive")
	}
	if c.HTB.RequestInterval < 0 {
		return fmt.Errorf("config.htb.request_interval cannot be negative")
	}
	if c.HTB.MaxRetries < 0 {
		return fmt.Errorf("config.htb.max_retries cannot be negative")
	}
	for name, hook := range map[string]string{
		"first_blood_webhook": c.Discord.FirstBloodWebhook,
		"board_webhook":       c.Discord.BoardWebhook,
	} {
		if hook == "" {
			continue
		}
		if u, err := url.Parse(hook); err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("config.discord.%s must be an absolute url", name)
		}
	}
	if c.Schedule.PollInterval <= 0 {
		return fmt.Errorf("config.schedule.poll_interval must be positive")
	}
	if _, err := ParseWeekday(c.Schedule.RebuildWeekday); err != nil {
		return fmt.Errorf("config.schedule.rebuild_weekday: %w", err)
	}
	if _, _, err := ParseClock(c.Schedule.RebuildAt); err != nil {
		return fmt.Errorf("config.schedule.rebuild_at: %w", err)
	}
	if !logging.ValidLevel(c.Log.Level) {
		return fmt.Errorf("config.log.level %q is not a log level", c.Log.Level)
	}
	if f := c.Log.Format; f != "" && f != "json" && f != "console" {
		return fmt.Errorf("config.log.format must be json or console")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	return nil
}

// RequireUpstream fails when the token or university id needed to talk to
// the labs API is missing.
func (c *Config) RequireUpstream() error {
	if strings.TrimSpace(c.HTB.Token) == "" {
		return fmt.Errorf("htb token missing; set htb.token or HTBT_HTB_TOKEN")
	}
	if strings.TrimSpace(c.HTB.UniversityID) == "" {
		return fmt.Errorf("config.htb.university_id is required; set htb.university_id or HTBT_HTB_UNIVERSITY_ID")
	}
	return nil
}

// OverrideKeys are the dotted keys ApplyOverrides reads.
var OverrideKeys = []string{
	"htb.token",
	"htb.university_id",
	"htb.base_url",
	"discord.first_blood_webhook",
	"discord.board_webhook",
	"log.level",
	"log.format",
	"server.addr",
	"server.jwt_secret",
}

// ApplyOverrides sets every non-empty value returned by get on top of the
// file values.
func (c *Config) ApplyOverrides(get func(key string) string) {
	targets := map[string]*string{
		"htb.token":                   &c.HTB.Token,
		"htb.university_id":           &c.HTB.UniversityID,
		"htb.base_url":                &c.HTB.BaseURL,
		"discord.first_blood_webhook": &c.Discord.FirstBloodWebhook,
		"discord.board_webhook":       &c.Discord.BoardWebhook,
		"log.level":                   &c.Log.Level,
		"log.format":                  &c.Log.Format,
		"server.addr":                 &c.Server.Addr,
		"server.jwt_secret":           &c.Server.JWTSecret,
	}
	for _, key := range OverrideKeys {
		if v := strings.TrimSpace(get(key)); v != "" {
			*targets[key] = v
		}
	}
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with htbt config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the defaults when the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return parse(data)
}

// Default returns the default Config.
func Default() *Config {
	cfg, err := parse([]byte(GenerateDefault("")))
	if err != nil {
		panic(err)
	}
	return cfg
}

// GenerateDefault returns the default config YAML.
func GenerateDefault(universityID string) string {
	return fmt.Sprintf(defaultTemplate, universityID)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	cfg, err := parse(data)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// parse decodes data over the defaults without validating.
func parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, ""))).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("default config: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return &cfg, nil
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	return &cfg, nil
}

// Marshal renders cfg as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

var weekdays = map[string]time.Weekday{
	"sunday": time.Sunday, "monday": time.Monday, "tuesday": time.Tuesday,
	"wednesday": time.Wednesday, "thursday": time.Thursday, "friday": time.Friday,
	"saturday": time.Saturday,
}

func ParseWeekday(s string) (time.Weekday, error) {
	d, ok := weekdays[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return 0, fmt.Errorf("unknown weekday %q", s)
	}
	return d, nil
}

// ParseClock parses a 24h "HH:MM" time of day.
func ParseClock(s string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid time of day %q, want HH:MM", s)
	}
	return t.Hour(), t.Minute(), nil
}

const defaultTemplate = `htb:
  base_url: https://labs.hackthebox.com/api/v4
  token: ""
  university_id: "%s"
  timeout: 20s
  request_interval: 500ms
  max_retries: 5
  breaker:
    failures: 5
    cooldown: 1m

discord:
  first_blood_webhook: ""
  board_webhook: ""
  username: HTB Tracker
  footer: HTB University Tracker

schedule:
  poll_interval: 5m
  rebuild_weekday: saturday
  rebuild_at: "18:10"
  rebuild_on_start: true

log:
  level: info
  format: json

server:
  addr: 127.0.0.1:8080
  base_path: /v0
  jwt_secret: ""
`
