package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// LoadOptions tune Load.
type LoadOptions struct {
	// RequireChecksums refuses configs without a .checksums manifest,
	// regardless of config.strict_integrity in the file itself.
	RequireChecksums bool
	// SkipIntegrity loads without consulting the manifest, for tools that
	// report integrity themselves.
	SkipIntegrity bool
}

// Load reads, verifies and validates the configuration at configPath. An
// empty path yields Defaults().
func Load(configPath string) (*Config, error) {
	return LoadWithOptions(configPath, LoadOptions{})
}

// LoadWithOptions is Load with options.
func LoadWithOptions(configPath string, opts LoadOptions) (*Config, error) {
	if configPath == "" {
		cfg := Defaults()
		if err := validate(cfg); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
		return cfg, nil
	}

	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}

	cfg, err := loadConfigFile(absPath)
	if err != nil {
		return nil, err
	}
	cfg.SourcePath = absPath

	if !opts.SkipIntegrity {
		strict := opts.RequireChecksums || cfg.Integrity.StrictIntegrity
		result, err := VerifyIntegrity(absPath, strict)
		if err != nil {
			return nil, err
		}
		if !result.Passed {
			return nil, fmt.Errorf("config integrity check failed: %s\n"+
				"If you edited the config intentionally, run: controller config lock --config %s",
				strings.Join(result.Errors, "; "), absPath)
		}
		cfg.IntegrityWarnings = result.Warnings
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// loadConfigFile parses path on top of Defaults(). Unknown keys are
// rejected so a misspelt allow-list is never silently ignored.
func loadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	interpolated := interpolateEnv(string(data))

	cfg := Defaults()
	dec := yaml.NewDecoder(bytes.NewReader([]byte(interpolated)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return cfg, nil
}

// interpolateEnv replaces ${VAR} with environment values. Unset variables
// are left in place and rejected by validate.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	if cfg.Service.Name == "" {
		return fmt.Errorf("service.name must not be empty")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[strings.ToLower(cfg.Service.LogLevel)] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if f := strings.ToLower(cfg.Service.LogFormat); f != "json" && f != "text" {
		return fmt.Errorf("service.log_format must be json or text (got %q)", cfg.Service.LogFormat)
	}

	if len(cfg.Launcher.Allow) == 0 {
		return fmt.Errorf("launcher.allow must list at least one executable")
	}
	for i, entry := range cfg.Launcher.Allow {
		if strings.TrimSpace(entry) == "" {
			return fmt.Errorf("launcher.allow[%d] is empty", i)
		}
		if strings.ContainsAny(entry, "\t\n") {
			return fmt.Errorf("launcher.allow[%d] contains a tab or newline and could never match", i)
		}
	}

	fields := map[string]string{
		"service.init_log":  cfg.Service.InitLog,
		"pipes.dir":         cfg.Pipes.Dir,
		"pipes.command":     cfg.Pipes.Command,
		"pipes.log":         cfg.Pipes.Log,
		"launcher.work_dir": cfg.Launcher.WorkDir,
		"audit.path":        cfg.Audit.Path,
		"status.socket":     cfg.Status.Socket,
		"lock.path":         cfg.Lock.Path,
	}
	for name, value := range fields {
		if err := checkUnresolvedEnvVar(name, value); err != nil {
			return err
		}
	}
	for i, entry := range cfg.Launcher.Allow {
		if err := checkUnresolvedEnvVar(fmt.Sprintf("launcher.allow[%d]", i), entry); err != nil {
			return err
		}
	}

	return nil
}

func checkUnresolvedEnvVar(field, value string) error {
	if matches := envVarPattern.FindStringSubmatch(value); len(matches) > 1 {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, matches[1])
	}
	return nil
}
