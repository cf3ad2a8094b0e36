// Package config loads the brain-sync YAML configuration.
//
// Values of the form ${NAME} are replaced with the environment variable NAME
// before parsing, so secrets can stay out of the file:
//
//	sources:
//	  gmail:
//	    enabled: true
//	    credentials:
//	      client_id: ${GOOGLE_CLIENT_ID}
//	      client_secret: ${GOOGLE_CLIENT_SECRET}
//	      refresh_token: ${GOOGLE_REFRESH_TOKEN}
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Martian-dev/brain-sync/internal/auth"
	"github.com/Martian-dev/brain-sync/internal/logger"
	"github.com/Martian-dev/brain-sync/internal/sync"
)

// State backends.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// Config is the root configuration.
type Config struct {
	DataDir string        `yaml:"data_dir"`
	State   StateConfig   `yaml:"state"`
	Log     logger.Config `yaml:"log"`
	Sync    SyncConfig    `yaml:"sync"`
	HTTP    HTTPConfig    `yaml:"http"`
	NATS    NATSConfig    `yaml:"nats"`
	Auth    AuthConfig    `yaml:"auth"`
	Sources SourcesConfig `yaml:"sources"`
}

// StateConfig selects the checkpoint store.
type StateConfig struct {
	// Backend is "file" (JSON document) or "sqlite".
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

// SyncConfig tunes the runner.
type SyncConfig struct {
	Concurrency int `yaml:"concurrency"`
	// Pacing is the minimum delay between remote calls of the whole process.
	Pacing             time.Duration `yaml:"pacing"`
	CheckpointEachPage bool          `yaml:"checkpoint_each_page"`
	// Interval between runs in serve mode.
	Interval time.Duration `yaml:"interval"`
}

// HTTPConfig configures the status API.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
	// JWKSURL enables bearer token verification when set.
	JWKSURL string `yaml:"jwks_url"`
}

// NATSConfig configures item-written event publishing. Empty URL disables it.
type NATSConfig struct {
	URL    string `yaml:"url"`
	Stream string `yaml:"stream"`
}

// AuthConfig points at an optional BetterAuth token broker used for sources
// without static credentials.
type AuthConfig struct {
	BrokerURL string `yaml:"broker_url"`
	UserJWT   string `yaml:"user_jwt"`
}

// CredentialsConfig holds static credentials for one source.
type CredentialsConfig struct {
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	RefreshToken string   `yaml:"refresh_token"`
	Token        string   `yaml:"token"`
	TokenURL     string   `yaml:"token_url"`
	Scopes       []string `yaml:"scopes"`
}

// Source is the part every source block shares.
type Source struct {
	Enabled     bool              `yaml:"enabled"`
	Mode        string            `yaml:"mode"`
	Credentials CredentialsConfig `yaml:"credentials"`
	// Endpoint overrides the API base URL.
	Endpoint string `yaml:"endpoint"`
}

// GmailConfig selects mailbox messages.
type GmailConfig struct {
	Source `yaml:",inline"`
	User   string `yaml:"user"`
	// Query replaces the default search when set.
	Query string `yaml:"query"`
	// FullSync drops the default age limit.
	FullSync bool `yaml:"full_sync"`
}

// CalendarConfig selects events in a window around now.
type CalendarConfig struct {
	Source     `yaml:",inline"`
	CalendarID string `yaml:"calendar_id"`
	WindowDays int    `yaml:"window_days"`
}

// DriveConfig selects exportable documents.
type DriveConfig struct {
	Source    `yaml:",inline"`
	RootQuery string `yaml:"root_query"`
}

// ChatConfig selects spaces and their messages.
type ChatConfig struct {
	Source      `yaml:",inline"`
	MessageMode string `yaml:"message_mode"`
}

// SlackConfig selects channel histories.
type SlackConfig struct {
	Source       `yaml:",inline"`
	ChannelTypes []string `yaml:"channel_types"`
	HistoryMode  string   `yaml:"history_mode"`
}

// NotionConfig selects workspace pages and databases.
type NotionConfig struct {
	Source `yaml:",inline"`
}

// OutlookConfig selects mailbox messages through Microsoft Graph.
type OutlookConfig struct {
	Source `yaml:",inline"`
	User   string `yaml:"user"`
}

// SourcesConfig lists every supported source.
type SourcesConfig struct {
	Gmail    GmailConfig    `yaml:"gmail"`
	Calendar CalendarConfig `yaml:"gcal"`
	Drive    DriveConfig    `yaml:"gdrive"`
	Chat     ChatConfig     `yaml:"gchat"`
	Slack    SlackConfig    `yaml:"slack"`
	Notion   NotionConfig   `yaml:"notion"`
	Outlook  OutlookConfig  `yaml:"outlook"`
}

// Load reads, substitutes, defaults and validates the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse is Load without the file read.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	content := substituteEnvVars(string(data))
	if err := yaml.Unmarshal([]byte(content), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.State.Backend == "" {
		c.State.Backend = BackendFile
	}
	if c.State.Path == "" {
		name := "state.json"
		if c.State.Backend == BackendSQLite {
			name = "state.db"
		}
		c.State.Path = filepath.Join(c.DataDir, name)
	}
	if c.Sync.Concurrency == 0 {
		c.Sync.Concurrency = 4
	}
	if c.Sync.Pacing == 0 {
		c.Sync.Pacing = 100 * time.Millisecond
	}
	if c.Sync.Interval == 0 {
		c.Sync.Interval = 15 * time.Minute
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8080"
	}
	if c.NATS.Stream == "" {
		c.NATS.Stream = "SYNC_EVENTS"
	}

	s := &c.Sources
	defaultMode(&s.Gmail.Source, sync.SkipIfExists)
	if s.Gmail.User == "" {
		s.Gmail.User = "me"
	}
	defaultMode(&s.Calendar.Source, sync.OverwriteSnapshot)
	if s.Calendar.CalendarID == "" {
		s.Calendar.CalendarID = "primary"
	}
	if s.Calendar.WindowDays == 0 {
		s.Calendar.WindowDays = 90
	}
	defaultMode(&s.Drive.Source, sync.OverwriteSnapshot)
	if s.Drive.RootQuery == "" {
		s.Drive.RootQuery = "trashed = false"
	}
	defaultMode(&s.Chat.Source, sync.OverwriteSnapshot)
	if s.Chat.MessageMode == "" {
		s.Chat.MessageMode = string(sync.AppendLog)
	}
	defaultMode(&s.Slack.Source, sync.OverwriteSnapshot)
	if s.Slack.HistoryMode == "" {
		s.Slack.HistoryMode = string(sync.AppendLog)
	}
	if len(s.Slack.ChannelTypes) == 0 {
		s.Slack.ChannelTypes = []string{"public_channel", "private_channel"}
	}
	defaultMode(&s.Notion.Source, sync.OverwriteSnapshot)
	defaultMode(&s.Outlook.Source, sync.OverwriteSnapshot)
	if s.Outlook.User == "" {
		s.Outlook.User = "me"
	}
}

func defaultMode(s *Source, m sync.WriteMode) {
	if s.Mode == "" {
		s.Mode = string(m)
	}
}

// Validate checks values that defaults cannot repair.
func (c *Config) Validate() error {
	if c.State.Backend != BackendFile && c.State.Backend != BackendSQLite {
		return fmt.Errorf("state.backend: unknown backend %q", c.State.Backend)
	}
	if c.Sync.Concurrency < 0 {
		return fmt.Errorf("sync.concurrency must be positive, got %d", c.Sync.Concurrency)
	}
	if c.Sources.Calendar.WindowDays < 0 {
		return fmt.Errorf("sources.gcal.window_days must be positive")
	}

	modes := map[string]string{
		"sources.gmail.mode":         c.Sources.Gmail.Mode,
		"sources.gcal.mode":          c.Sources.Calendar.Mode,
		"sources.gdrive.mode":        c.Sources.Drive.Mode,
		"sources.gchat.mode":         c.Sources.Chat.Mode,
		"sources.gchat.message_mode": c.Sources.Chat.MessageMode,
		"sources.slack.mode":         c.Sources.Slack.Mode,
		"sources.slack.history_mode": c.Sources.Slack.HistoryMode,
		"sources.notion.mode":        c.Sources.Notion.Mode,
		"sources.outlook.mode":       c.Sources.Outlook.Mode,
	}
	for field, m := range modes {
		if _, err := sync.ParseWriteMode(m); err != nil {
			return fmt.Errorf("%s: %w", field, err)
		}
	}
	return nil
}

// WriteMode returns the parsed write mode of a source. Validate has already
// rejected unknown names.
func (s Source) WriteMode() sync.WriteMode {
	return sync.WriteMode(s.Mode)
}

// StaticCredentials maps every source with configured secrets to the
// credential triple understood by auth.StaticProvider.
func (c *Config) StaticCredentials() map[string]auth.SourceCredentials {
	out := make(map[string]auth.SourceCredentials)
	add := func(name string, provider auth.Provider, cc CredentialsConfig) {
		if cc.Token == "" && cc.RefreshToken == "" {
			return
		}
		out[name] = auth.SourceCredentials{
			Provider:     provider,
			ClientID:     cc.ClientID,
			ClientSecret: cc.ClientSecret,
			RefreshToken: cc.RefreshToken,
			Token:        cc.Token,
			TokenURL:     cc.TokenURL,
			Scopes:       cc.Scopes,
		}
	}
	s := c.Sources
	add("gmail", auth.ProviderGoogle, s.Gmail.Credentials)
	add("gcal", auth.ProviderGoogle, s.Calendar.Credentials)
	add("gdrive", auth.ProviderGoogle, s.Drive.Credentials)
	add("gchat", auth.ProviderGoogle, s.Chat.Credentials)
	add("slack", auth.ProviderSlack, s.Slack.Credentials)
	add("notion", auth.ProviderNotion, s.Notion.Credentials)
	add("outlook", auth.ProviderMicrosoft, s.Outlook.Credentials)
	return out
}

// BrokerSources maps source names to the broker provider that can mint a
// token for them.
func BrokerSources() map[string]auth.Provider {
	return map[string]auth.Provider{
		"gmail":   auth.ProviderGoogle,
		"gcal":    auth.ProviderGoogle,
		"gdrive":  auth.ProviderGoogle,
		"gchat":   auth.ProviderGoogle,
		"outlook": auth.ProviderMicrosoft,
	}
}

// substituteEnvVars replaces ${VAR_NAME} with environment variable values.
func substituteEnvVars(content string) string {
	for {
		start := strings.Index(content, "${")
		if start == -1 {
			break
		}
		end := strings.Index(content[start:], "}")
		if end == -1 {
			break
		}
		end += start

		varName := content[start+2 : end]
		content = content[:start] + os.Getenv(varName) + content[end+1:]
	}
	return content
}
