package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Source types.
const (
	SourceEWS    = "ews"
	SourceCalDAV = "caldav"
)

// Sink types.
const (
	SinkGoogle = "google"
	SinkCalDAV = "caldav"
)

// State backends.
const (
	StateFile   = "file"
	StateSQLite = "sqlite"
)

// GoogleCredentials represents the structure of Google OAuth credentials JSON file.
type GoogleCredentials struct {
	Installed struct {
		ClientID     string `json:"client_id"`
		ClientSecret string `json:"client_secret"`
	} `json:"installed"`
	Web struct {
		ClientID     string `json:"client_id"`
		ClientSecret string `json:"client_secret"`
	} `json:"web"`
}

// LoadGoogleCredentials loads Google OAuth credentials from a JSON file.
func LoadGoogleCredentials(path string) (clientID, clientSecret string, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", "", fmt.Errorf("failed to read credentials file: %w", err)
	}

	var creds GoogleCredentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return "", "", fmt.Errorf("failed to parse credentials file: %w", err)
	}

	// Try "installed" first (for desktop apps), then "web"
	if creds.Installed.ClientID != "" {
		return creds.Installed.ClientID, creds.Installed.ClientSecret, nil
	}
	if creds.Web.ClientID != "" {
		return creds.Web.ClientID, creds.Web.ClientSecret, nil
	}

	return "", "", fmt.Errorf("no client_id found in credentials file (expected 'installed' or 'web' section)")
}

// Source describes where events are read from.
type Source struct {
	Type            string `yaml:"type"` // "ews" or "caldav"
	URL             string `yaml:"url"`  // EWS endpoint or CalDAV server URL
	Username        string `yaml:"username"`
	PasswordCommand string `yaml:"password_command,omitempty"` // run through sh -c, stdout is the password
	Folder          string `yaml:"folder,omitempty"`           // EWS distinguished folder id (default "calendar")
	CalendarPath    string `yaml:"calendar_path,omitempty"`    // CalDAV collection path
}

// Sink describes where events are written to.
type Sink struct {
	Type string `yaml:"type"` // "google" or "caldav"

	// Google Calendar specific fields
	CalendarID      string `yaml:"calendar_id,omitempty"`
	CalendarName    string `yaml:"calendar_name,omitempty"`     // found or created when calendar_id is empty
	CalendarColorID string `yaml:"calendar_color_id,omitempty"` // applied when the calendar is created
	TokenPath       string `yaml:"token_path,omitempty"`        // default <channel data dir>/google-token.json

	// CalDAV specific fields
	URL             string `yaml:"url,omitempty"`
	Username        string `yaml:"username,omitempty"`
	PasswordCommand string `yaml:"password_command,omitempty"`
	CalendarPath    string `yaml:"calendar_path,omitempty"`
}

// Channel is one source -> sink pipeline.
type Channel struct {
	Name         string `yaml:"name"`
	DataDir      string `yaml:"data_dir,omitempty"`      // default <data_dir>/<name>
	StateBackend string `yaml:"state_backend,omitempty"` // "file" (default) or "sqlite"
	Source       Source `yaml:"source"`
	Sink         Sink   `yaml:"sink"`
}

// Config holds the configuration for the sync tool.
type Config struct {
	DataDir               string    `yaml:"data_dir,omitempty"`
	GoogleCredentialsPath string    `yaml:"google_credentials_path,omitempty"`
	Channels              []Channel `yaml:"channels"`
}

// Overrides carries values given on the command line. Empty fields do not
// override anything.
type Overrides struct {
	DataDir               string
	GoogleCredentialsPath string
}

// LoadConfigFromFile decodes a YAML configuration file. Unknown keys are an
// error.
func LoadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var config Config
	if err := dec.Decode(&config); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("config file %s is empty", path)
		}
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return &config, nil
}

// LoadConfig loads configuration with the following precedence (highest to lowest):
// 1. Command-line flags
// 2. Environment variables
// 3. Config file
// 4. Defaults
// Returns an error if any required value is missing or invalid.
func LoadConfig(configFile string, flags Overrides) (*Config, error) {
	if configFile == "" {
		return nil, fmt.Errorf("a config file is required")
	}

	config, err := LoadConfigFromFile(configFile)
	if err != nil {
		return nil, err
	}

	// Environment variables
	if dataDir := os.Getenv("DAVCALSYNC_DATA_DIR"); dataDir != "" {
		config.DataDir = dataDir
	}
	if googleCredentialsPath := os.Getenv("GOOGLE_CREDENTIALS_PATH"); googleCredentialsPath != "" {
		config.GoogleCredentialsPath = googleCredentialsPath
	}

	// Command-line flags (highest priority)
	if flags.DataDir != "" {
		config.DataDir = flags.DataDir
	}
	if flags.GoogleCredentialsPath != "" {
		config.GoogleCredentialsPath = flags.GoogleCredentialsPath
	}

	if err := config.applyDefaults(); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) applyDefaults() error {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("data_dir not set and home directory unknown: %w", err)
		}
		c.DataDir = filepath.Join(home, ".local", "share", "davcalsync")
	}
	c.DataDir = expandHome(c.DataDir)
	c.GoogleCredentialsPath = expandHome(c.GoogleCredentialsPath)

	for i := range c.Channels {
		ch := &c.Channels[i]
		if ch.DataDir == "" {
			ch.DataDir = filepath.Join(c.DataDir, ch.Name)
		}
		ch.DataDir = expandHome(ch.DataDir)
		if ch.StateBackend == "" {
			ch.StateBackend = StateFile
		}
		if ch.Source.Type == SourceEWS && ch.Source.Folder == "" {
			ch.Source.Folder = "calendar"
		}
		if ch.Sink.Type == SinkGoogle {
			if ch.Sink.TokenPath == "" {
				ch.Sink.TokenPath = filepath.Join(ch.DataDir, "google-token.json")
			}
			ch.Sink.TokenPath = expandHome(ch.Sink.TokenPath)
		}
	}
	return nil
}

// Validate checks that every channel is fully and consistently described.
func (c *Config) Validate() error {
	if len(c.Channels) == 0 {
		return fmt.Errorf("channels must contain at least one channel")
	}

	seen := make(map[string]bool)
	needsGoogle := false
	for i, ch := range c.Channels {
		if ch.Name == "" {
			return fmt.Errorf("channels[%d].name must be provided", i)
		}
		if strings.ContainsAny(ch.Name, `/\`) {
			return fmt.Errorf("channels[%d].name %q must not contain path separators", i, ch.Name)
		}
		if seen[ch.Name] {
			return fmt.Errorf("channels[%d].name %q is not unique", i, ch.Name)
		}
		seen[ch.Name] = true

		if ch.StateBackend != StateFile && ch.StateBackend != StateSQLite {
			return fmt.Errorf("channel %s: state_backend must be '%s' or '%s', got '%s'", ch.Name, StateFile, StateSQLite, ch.StateBackend)
		}
		if err := ch.Source.validate(); err != nil {
			return fmt.Errorf("channel %s: %w", ch.Name, err)
		}
		if err := ch.Sink.validate(); err != nil {
			return fmt.Errorf("channel %s: %w", ch.Name, err)
		}
		if ch.Sink.Type == SinkGoogle {
			needsGoogle = true
		}
	}

	if needsGoogle && c.GoogleCredentialsPath == "" {
		return fmt.Errorf("google_credentials_path must be provided via --google-credentials-path flag, GOOGLE_CREDENTIALS_PATH environment variable, or config file")
	}

	return nil
}

func (s Source) validate() error {
	switch s.Type {
	case SourceEWS:
		if s.Folder != "" && s.CalendarPath != "" {
			return fmt.Errorf("source: calendar_path is not valid for an ews source")
		}
	case SourceCalDAV:
		if s.CalendarPath == "" {
			return fmt.Errorf("source: calendar_path must be provided for a caldav source")
		}
		if s.Folder != "" {
			return fmt.Errorf("source: folder is not valid for a caldav source")
		}
	default:
		return fmt.Errorf("source.type must be '%s' or '%s', got '%s'", SourceEWS, SourceCalDAV, s.Type)
	}
	if s.URL == "" {
		return fmt.Errorf("source: url must be provided")
	}
	if s.Username == "" {
		return fmt.Errorf("source: username must be provided")
	}
	if s.PasswordCommand == "" {
		return fmt.Errorf("source: password_command must be provided")
	}
	return nil
}

func (s Sink) validate() error {
	switch s.Type {
	case SinkGoogle:
		if s.CalendarID == "" && s.CalendarName == "" {
			return fmt.Errorf("sink: calendar_id or calendar_name must be provided for a google sink")
		}
		if s.URL != "" || s.Username != "" || s.PasswordCommand != "" || s.CalendarPath != "" {
			return fmt.Errorf("sink: url, username, password_command and calendar_path are not valid for a google sink")
		}
	case SinkCalDAV:
		if s.URL == "" {
			return fmt.Errorf("sink: url must be provided for a caldav sink")
		}
		if s.Username == "" {
			return fmt.Errorf("sink: username must be provided for a caldav sink")
		}
		if s.PasswordCommand == "" {
			return fmt.Errorf("sink: password_command must be provided for a caldav sink")
		}
		if s.CalendarPath == "" {
			return fmt.Errorf("sink: calendar_path must be provided for a caldav sink")
		}
		if s.CalendarID != "" || s.CalendarName != "" || s.TokenPath != "" {
			return fmt.Errorf("sink: calendar_id, calendar_name and token_path are not valid for a caldav sink")
		}
	default:
		return fmt.Errorf("sink.type must be '%s' or '%s', got '%s'", SinkGoogle, SinkCalDAV, s.Type)
	}
	return nil
}

// Channel looks up a channel by name.
func (c *Config) Channel(name string) (*Channel, error) {
	for i := range c.Channels {
		if c.Channels[i].Name == name {
			return &c.Channels[i], nil
		}
	}
	return nil, fmt.Errorf("channel '%s' not found in config. Available channels: %v", name, c.ChannelNames())
}

// ChannelNames returns the configured channel names in order.
func (c *Config) ChannelNames() []string {
	names := make([]string, len(c.Channels))
	for i, ch := range c.Channels {
		names[i] = ch.Name
	}
	return names
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
