package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		env     map[string]string
		wantErr string
		checkFn func(t *testing.T, cfg *Config)
	}{
		{
			name: "empty file keeps defaults",
			yaml: "",
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Service.Name != "controller" {
					t.Errorf("service.name = %q", cfg.Service.Name)
				}
				if len(cfg.Launcher.Allow) != 5 || cfg.Launcher.Allow[1] != "./autodetect" {
					t.Errorf("default allow-list not applied: %v", cfg.Launcher.Allow)
				}
				if !cfg.Lock.Enabled {
					t.Error("lock should default to enabled")
				}
			},
		},
		{
			name: "overrides",
			yaml: `
service:
  log_level: debug
  log_format: text
pipes:
  dir: /run/ml
  log_to_pipe: true
launcher:
  work_dir: /opt/ml/bin
  allow:
    - ./autodetect
audit:
  enabled: true
status:
  enabled: true
  socket: /run/ml/status.sock
lock:
  enabled: false
`,
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Service.LogLevel != "debug" || cfg.Service.LogFormat != "text" {
					t.Errorf("service not parsed: %+v", cfg.Service)
				}
				if cfg.Service.Name != "controller" {
					t.Error("unset service.name should keep its default")
				}
				if cfg.Pipes.Dir != "/run/ml" || !cfg.Pipes.LogToPipe {
					t.Errorf("pipes not parsed: %+v", cfg.Pipes)
				}
				if len(cfg.Launcher.Allow) != 1 || cfg.Launcher.Allow[0] != "./autodetect" {
					t.Errorf("allow-list should be replaced, got %v", cfg.Launcher.Allow)
				}
				if cfg.Launcher.WorkDir != "/opt/ml/bin" {
					t.Errorf("work_dir = %q", cfg.Launcher.WorkDir)
				}
				if !cfg.Audit.Enabled || !cfg.Status.Enabled || cfg.Lock.Enabled {
					t.Error("feature toggles not parsed")
				}
			},
		},
		{
			name: "env var interpolation",
			yaml: `
pipes:
  dir: ${ML_PIPE_DIR}
launcher:
  work_dir: ${ML_HOME}/bin
`,
			env: map[string]string{"ML_PIPE_DIR": "/tmp/pipes", "ML_HOME": "/opt/ml"},
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Pipes.Dir != "/tmp/pipes" {
					t.Errorf("pipes.dir = %q", cfg.Pipes.Dir)
				}
				if cfg.Launcher.WorkDir != "/opt/ml/bin" {
					t.Errorf("launcher.work_dir = %q", cfg.Launcher.WorkDir)
				}
			},
		},
		{
			name: "missing env var fails validation",
			yaml: `
launcher:
  work_dir: ${CONTROLLER_TEST_UNSET_VAR}
`,
			wantErr: "CONTROLLER_TEST_UNSET_VAR",
		},
		{
			name: "invalid log level",
			yaml: `
service:
  log_level: verbose
`,
			wantErr: "service.log_level",
		},
		{
			name: "invalid log format",
			yaml: `
service:
  log_format: xml
`,
			wantErr: "service.log_format",
		},
		{
			name: "empty allow-list",
			yaml: `
launcher:
  allow: []
`,
			wantErr: "launcher.allow",
		},
		{
			name: "blank allow-list entry",
			yaml: `
launcher:
  allow: ["./autodetect", "  "]
`,
			wantErr: "launcher.allow[1]",
		},
		{
			name: "unknown key rejected",
			yaml: `
launcher:
  allowed: ["./sh"]
`,
			wantErr: "failed to parse YAML",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			cfg, err := Load(writeConfig(t, tt.yaml))
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("Load() error = %v, want containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			if cfg.SourcePath == "" {
				t.Error("SourcePath not recorded")
			}
			if tt.checkFn != nil {
				tt.checkFn(t, cfg)
			}
		})
	}
}

func TestLoadEmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") error = %v", err)
	}
	if cfg.SourcePath != "" {
		t.Errorf("SourcePath = %q, want empty", cfg.SourcePath)
	}
	if len(cfg.IntegrityWarnings) != 0 {
		t.Errorf("unexpected warnings: %v", cfg.IntegrityWarnings)
	}
}

func TestLoadDirectory(t *testing.T) {
	path := writeConfig(t, "service:\n  name: ctl\n")
	cfg, err := Load(filepath.Dir(path))
	if err != nil {
		t.Fatalf("Load(dir) error = %v", err)
	}
	if cfg.Service.Name != "ctl" {
		t.Errorf("service.name = %q", cfg.Service.Name)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing config")
	}
}

func TestLoadWarnsWithoutChecksums(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(cfg.IntegrityWarnings) != 1 {
		t.Fatalf("expected one integrity warning, got %v", cfg.IntegrityWarnings)
	}
}

func TestLoadStrictIntegrity(t *testing.T) {
	path := writeConfig(t, "config:\n  strict_integrity: true\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected strict integrity to refuse an unlocked config")
	}

	if _, err := Lock(path, false); err != nil {
		t.Fatalf("Lock() error = %v", err)
	}
	if _, err := Load(path); err != nil {
		t.Fatalf("Load() after lock error = %v", err)
	}
}

func TestLoadRequireChecksumsOption(t *testing.T) {
	path := writeConfig(t, "")
	if _, err := LoadWithOptions(path, LoadOptions{RequireChecksums: true}); err == nil {
		t.Fatal("expected RequireChecksums to refuse an unlocked config")
	}
}

func TestLoadRejectsTamperedConfig(t *testing.T) {
	path := writeConfig(t, "launcher:\n  allow: [./autodetect]\n")
	if _, err := Lock(path, false); err != nil {
		t.Fatalf("Lock() error = %v", err)
	}

	if err := os.WriteFile(path, []byte("launcher:\n  allow: [/bin/sh]\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "integrity") {
		t.Fatalf("Load() error = %v, want integrity failure", err)
	}
}

func TestLoadSkipIntegrity(t *testing.T) {
	path := writeConfig(t, "launcher:\n  allow: [./autodetect]\n")
	if _, err := Lock(path, false); err != nil {
		t.Fatalf("Lock() error = %v", err)
	}
	if err := os.WriteFile(path, []byte("launcher:\n  allow: [./normalize]\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadWithOptions(path, LoadOptions{SkipIntegrity: true})
	if err != nil {
		t.Fatalf("LoadWithOptions() error = %v", err)
	}
	if got := cfg.Launcher.Allow; len(got) != 1 || got[0] != "./normalize" {
		t.Fatalf("Allow = %v", got)
	}
	if len(cfg.IntegrityWarnings) != 0 {
		t.Fatalf("IntegrityWarnings = %v, want none when skipped", cfg.IntegrityWarnings)
	}
}
