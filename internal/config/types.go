package config

import "os"

// Config represents the complete controller configuration.
type Config struct {
	Service   ServiceConfig   `yaml:"service"`
	Pipes     PipesConfig     `yaml:"pipes"`
	Launcher  LauncherConfig  `yaml:"launcher"`
	Audit     AuditConfig     `yaml:"audit"`
	Status    StatusConfig    `yaml:"status"`
	Lock      LockConfig      `yaml:"lock"`
	Integrity IntegrityConfig `yaml:"config"`

	// SourcePath is the absolute path the config was loaded from, empty
	// when running on defaults.
	SourcePath string `yaml:"-"`
	// IntegrityWarnings are non-fatal integrity findings from Load.
	IntegrityWarnings []string `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	// InitLog is an optional file receiving timestamped startup milestones.
	InitLog string `yaml:"init_log"`
}

// PipesConfig locates the named pipes shared with the parent.
type PipesConfig struct {
	// Dir holds the default pipe paths. Empty means os.TempDir().
	Dir     string `yaml:"dir"`
	Command string `yaml:"command"`
	Log     string `yaml:"log"`
	// LogToPipe sends structured logs to the log pipe instead of stderr.
	LogToPipe bool `yaml:"log_to_pipe"`
}

// LauncherConfig defines what may be launched and from where.
type LauncherConfig struct {
	// WorkDir is the working directory of launched workers. Empty means
	// the directory containing the controller executable.
	WorkDir string   `yaml:"work_dir"`
	Allow   []string `yaml:"allow"`
}

// AuditConfig defines the launch journal.
type AuditConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// StatusConfig defines the read-only status endpoint.
type StatusConfig struct {
	Enabled bool   `yaml:"enabled"`
	Socket  string `yaml:"socket"`
}

// LockConfig defines the single-instance lock.
type LockConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// IntegrityConfig controls checksum verification of the config file.
type IntegrityConfig struct {
	// StrictIntegrity refuses to start without a .checksums manifest.
	StrictIntegrity bool `yaml:"strict_integrity"`
}

// DefaultAllowList is the set of workers the controller may start.
func DefaultAllowList() []string {
	return []string{
		"./autoconfig",
		"./autodetect",
		"./categorize",
		"./data_frame_analyzer",
		"./normalize",
	}
}

// Defaults returns the reference deployment configuration.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "controller",
			LogLevel:  "info",
			LogFormat: "json",
		},
		Pipes: PipesConfig{
			Dir: os.TempDir(),
		},
		Launcher: LauncherConfig{
			Allow: DefaultAllowList(),
		},
		Lock: LockConfig{
			Enabled: true,
		},
	}
}
