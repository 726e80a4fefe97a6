package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Logging   LoggingConfig   `toml:"logging"`
	Service   ServiceConfig   `toml:"service"`
	Files     FilesConfig     `toml:"files"`
	Backup    BackupConfig    `toml:"backup"`
	WebSocket WebSocketConfig `toml:"websocket"`
	JobLists  JobListsConfig  `toml:"joblists"`
}

type ServerConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

type LoggingConfig struct {
	Level         string   `toml:"level"`           // "debug", "info", "warn", "error"
	Output        []string `toml:"output"`          // "stdout", "file"
	MinEventLevel string   `toml:"min_event_level"` // Minimum log level to publish as events ("debug", "info", "warn", "error")
}

// ServiceConfig identifies the UWS service and its home page.
type ServiceConfig struct {
	Name             string `toml:"name"`
	Description      string `toml:"description"`
	HomePage         string `toml:"home_page"`           // Path or URL; .md files are rendered to HTML
	HomePageMimeType string `toml:"home_page_mime_type"` // Forced MIME type when serving a home page file
}

// FilesConfig controls where result, error and log files are stored.
type FilesConfig struct {
	RootPath             string `toml:"root_path"`              // Root directory for job files
	DirectoryPerUser     bool   `toml:"directory_per_user"`     // One subdirectory per job owner
	GroupUserDirectories bool   `toml:"group_user_directories"` // Alphabetic grouping level above user directories
}

// Backup frequency values; anything else is parsed as a duration
// with the ms/s/m/h/D/W/M/Y unit suffixes.
const (
	BackupNever        = "never"
	BackupAtUserAction = "user_action"
)

// BackupConfig controls job persistence across restarts.
type BackupConfig struct {
	Mode      string       `toml:"mode"`      // "none", "file" or "badger"
	Path      string       `toml:"path"`      // Root directory for file backups
	Frequency string       `toml:"frequency"` // "never", "user_action" or a duration ("30s", "5m")
	ByUser    bool         `toml:"by_user"`   // One backup file per owner instead of one global file
	Badger    BadgerConfig `toml:"badger"`
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path"`             // Database directory path
	ResetOnStartup bool   `toml:"reset_on_startup"` // Delete database on startup for clean test runs
}

// FrequencyInterval returns the periodic save interval when the backup
// frequency is a duration, or ok=false for "never" and "user_action".
func (b *BackupConfig) FrequencyInterval() (time.Duration, bool, error) {
	switch strings.ToLower(strings.TrimSpace(b.Frequency)) {
	case "", BackupNever:
		return 0, false, nil
	case BackupAtUserAction:
		return 0, false, nil
	}
	d, err := ParseDuration(b.Frequency)
	if err != nil {
		return 0, false, fmt.Errorf("invalid backup frequency: %w", err)
	}
	return d, true, nil
}

// SaveOnUserAction reports whether backups run after every mutating request.
func (b *BackupConfig) SaveOnUserAction() bool {
	return strings.EqualFold(strings.TrimSpace(b.Frequency), BackupAtUserAction)
}

// WebSocketConfig contains configuration for the event stream endpoint.
type WebSocketConfig struct {
	MinLevel string `toml:"min_level"` // Minimum log level to broadcast ("debug", "info", "warn", "error")
	// Whitelist of event types to broadcast. Empty list allows all events.
	// Example: ["phase_change", "job_created", "job_destroyed"]
	AllowedEvents []string `toml:"allowed_events"`
	// Throttle interval for high-frequency events (log_event); empty disables throttling.
	ThrottleInterval string `toml:"throttle_interval"`
}

// JobListsConfig names the job lists this service hosts. Definitions come
// from a YAML file, inline TOML tables, or both (file first, inline wins
// on name collision).
type JobListsConfig struct {
	DefinitionsFile string              `toml:"definitions_file"`
	Definitions     []JobListDefinition `toml:"definitions"`
}

// NewDefaultConfig creates a configuration with default values
// Technical parameters are hardcoded here for production stability.
// Only user-facing settings should be exposed in opus.toml.
func NewDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 8080,
			Host: "localhost",
		},
		Logging: LoggingConfig{
			Level:         "info",
			Output:        []string{"stdout", "file"},
			MinEventLevel: "info",
		},
		Service: ServiceConfig{
			Name:        "opus",
			Description: "Universal Worker Service",
		},
		Files: FilesConfig{
			RootPath:         "./data/files",
			DirectoryPerUser: true,
		},
		Backup: BackupConfig{
			Mode:      "file",
			Path:      "./data/backup",
			Frequency: BackupNever,
			Badger: BadgerConfig{
				Path: "./data/backup-db",
			},
		},
		WebSocket: WebSocketConfig{
			MinLevel:         "info",
			AllowedEvents:    []string{},
			ThrottleInterval: "250ms",
		},
		JobLists: JobListsConfig{
			DefinitionsFile: "",
			Definitions:     nil,
		},
	}
}

// LoadFromFile loads configuration with priority: default -> file -> env
func LoadFromFile(path string) (*Config, error) {
	if path == "" {
		return LoadFromFiles()
	}
	return LoadFromFiles(path)
}

// LoadFromFiles loads configuration from multiple files with priority:
// default -> file1 -> file2 -> ... -> env. Later files override earlier files.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		// Unmarshal into config (merges with existing values, later values override)
		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	// Server configuration
	if port := os.Getenv("OPUS_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("OPUS_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}

	// Logging configuration
	if level := os.Getenv("OPUS_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if output := os.Getenv("OPUS_LOG_OUTPUT"); output != "" {
		outputs := []string{}
		for _, o := range strings.Split(output, ",") {
			if trimmed := strings.TrimSpace(o); trimmed != "" {
				outputs = append(outputs, trimmed)
			}
		}
		if len(outputs) > 0 {
			config.Logging.Output = outputs
		}
	}
	if minEventLevel := os.Getenv("OPUS_LOG_MIN_EVENT_LEVEL"); minEventLevel != "" {
		config.Logging.MinEventLevel = minEventLevel
	}

	// Service configuration
	if name := os.Getenv("OPUS_SERVICE_NAME"); name != "" {
		config.Service.Name = name
	}
	if homePage := os.Getenv("OPUS_SERVICE_HOME_PAGE"); homePage != "" {
		config.Service.HomePage = homePage
	}

	// Files configuration
	if rootPath := os.Getenv("OPUS_FILES_ROOT_PATH"); rootPath != "" {
		config.Files.RootPath = rootPath
	}
	if perUser := os.Getenv("OPUS_FILES_DIRECTORY_PER_USER"); perUser != "" {
		if pu, err := strconv.ParseBool(perUser); err == nil {
			config.Files.DirectoryPerUser = pu
		}
	}

	// Backup configuration
	if mode := os.Getenv("OPUS_BACKUP_MODE"); mode != "" {
		config.Backup.Mode = mode
	}
	if path := os.Getenv("OPUS_BACKUP_PATH"); path != "" {
		config.Backup.Path = path
	}
	if frequency := os.Getenv("OPUS_BACKUP_FREQUENCY"); frequency != "" {
		config.Backup.Frequency = frequency
	}
	if byUser := os.Getenv("OPUS_BACKUP_BY_USER"); byUser != "" {
		if bu, err := strconv.ParseBool(byUser); err == nil {
			config.Backup.ByUser = bu
		}
	}
	if badgerPath := os.Getenv("OPUS_BADGER_PATH"); badgerPath != "" {
		config.Backup.Badger.Path = badgerPath
	}

	// WebSocket configuration
	if minLevel := os.Getenv("OPUS_WEBSOCKET_MIN_LEVEL"); minLevel != "" {
		config.WebSocket.MinLevel = minLevel
	}
	if allowedEvents := os.Getenv("OPUS_WEBSOCKET_ALLOWED_EVENTS"); allowedEvents != "" {
		events := []string{}
		for _, e := range strings.Split(allowedEvents, ",") {
			if trimmed := strings.TrimSpace(e); trimmed != "" {
				events = append(events, trimmed)
			}
		}
		if len(events) > 0 {
			config.WebSocket.AllowedEvents = events
		}
	}
	if throttle := os.Getenv("OPUS_WEBSOCKET_THROTTLE_INTERVAL"); throttle != "" {
		if _, err := time.ParseDuration(throttle); err == nil {
			config.WebSocket.ThrottleInterval = throttle
		}
	}

	// Job list definitions
	if definitionsFile := os.Getenv("OPUS_JOBLISTS_DEFINITIONS_FILE"); definitionsFile != "" {
		config.JobLists.DefinitionsFile = definitionsFile
	}
}

// ApplyFlagOverrides applies command-line flag overrides to config
func ApplyFlagOverrides(config *Config, port int, host string) {
	// Command-line flags have highest priority
	if port > 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}
