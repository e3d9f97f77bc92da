// Package doctor checks a controller deployment before it is started:
// configuration, the allow-listed worker executables, where the pipes and
// journal will live, and the config integrity manifest.
package doctor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/controller/internal/config"
	"github.com/mattjoyce/controller/internal/storage"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid        bool          `json:"valid"`
	Errors       []Issue       `json:"errors,omitempty"`
	Warnings     []Issue       `json:"warnings,omitempty"`
	Fingerprints []Fingerprint `json:"fingerprints,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Fingerprint identifies the binary an allow-list entry resolves to.
type Fingerprint struct {
	Target string `json:"target"`
	Path   string `json:"path"`
	Blake3 string `json:"blake3"`
}

// Doctor validates a loaded configuration against the host.
type Doctor struct {
	cfg     *config.Config
	workDir string
}

// New creates a Doctor. workDir is where relative allow-list entries are
// resolved, the same directory launched workers run in.
func New(cfg *config.Config, workDir string) *Doctor {
	return &Doctor{cfg: cfg, workDir: workDir}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateServiceConfig(r)
	d.validateAllowList(r)
	d.validatePipeDir(r)
	d.validateAuditPath(r)
	d.validateIntegrity(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) validateServiceConfig(r *Result) {
	if d.cfg.Service.Name == "" {
		d.addError(r, "service", "service.name", "service.name is required")
	}
	if len(d.cfg.Launcher.Allow) == 0 {
		d.addError(r, "launcher", "launcher.allow", "allow-list is empty; nothing can be launched")
	}
	if d.cfg.Status.Enabled && !d.cfg.Audit.Enabled {
		d.addWarning(r, "status", "audit.enabled", "status server enabled without the audit journal; /launches will answer 404")
	}
}

// validateAllowList checks that every entry names an executable regular
// file and records its fingerprint.
func (d *Doctor) validateAllowList(r *Result) {
	seen := make(map[string]bool, len(d.cfg.Launcher.Allow))
	for i, target := range d.cfg.Launcher.Allow {
		field := fmt.Sprintf("launcher.allow[%d]", i)
		if seen[target] {
			d.addWarning(r, "launcher", field, fmt.Sprintf("duplicate entry %q", target))
			continue
		}
		seen[target] = true

		if !filepath.IsAbs(target) && !strings.Contains(target, "/") {
			d.addWarning(r, "launcher", field,
				fmt.Sprintf("%q has no directory component and will be looked up on PATH", target))
			continue
		}

		path := target
		if !filepath.IsAbs(path) {
			path = filepath.Join(d.workDir, path)
		}

		info, err := os.Stat(path)
		if err != nil {
			d.addError(r, "launcher", field, fmt.Sprintf("%s: %v", target, err))
			continue
		}
		if !info.Mode().IsRegular() {
			d.addError(r, "launcher", field, fmt.Sprintf("%s is not a regular file", path))
			continue
		}
		if info.Mode().Perm()&0o111 == 0 {
			d.addError(r, "launcher", field, fmt.Sprintf("%s is not executable", path))
			continue
		}
		if info.Mode().Perm()&0o002 != 0 {
			d.addWarning(r, "launcher", field, fmt.Sprintf("%s is world-writable", path))
		}

		hash, err := config.ComputeBlake3Hash(path)
		if err != nil {
			d.addError(r, "launcher", field, err.Error())
			continue
		}
		r.Fingerprints = append(r.Fingerprints, Fingerprint{Target: target, Path: path, Blake3: hash})
	}
}

func (d *Doctor) validatePipeDir(r *Result) {
	dir := d.cfg.Pipes.Dir
	if dir == "" {
		dir = os.TempDir()
	}
	info, err := os.Stat(dir)
	if err != nil {
		d.addError(r, "pipes", "pipes.dir", err.Error())
		return
	}
	if !info.IsDir() {
		d.addError(r, "pipes", "pipes.dir", fmt.Sprintf("%s is not a directory", dir))
		return
	}

	if err := storage.CheckLocal(dir); err != nil {
		d.addWarning(r, "pipes", "pipes.dir", err.Error())
	}

	probe, err := os.CreateTemp(dir, ".controller-doctor-*")
	if err != nil {
		d.addError(r, "pipes", "pipes.dir", fmt.Sprintf("%s is not writable: %v", dir, err))
		return
	}
	name := probe.Name()
	_ = probe.Close()
	_ = os.Remove(name)
}

// validateAuditPath catches a journal placed on a network mount, which
// the supervisor would refuse at startup.
func (d *Doctor) validateAuditPath(r *Result) {
	if !d.cfg.Audit.Enabled {
		return
	}
	paths := d.cfg.ResolvePaths(d.cfg.Service.Name, 0)
	if err := storage.CheckLocal(paths.Audit); err != nil {
		d.addError(r, "audit", "audit.path", err.Error())
	}
}

func (d *Doctor) validateIntegrity(r *Result) {
	if d.cfg.SourcePath == "" {
		d.addWarning(r, "integrity", "", "running on built-in defaults; no config file to verify")
		return
	}
	res, err := config.VerifyIntegrity(d.cfg.SourcePath, d.cfg.Integrity.StrictIntegrity)
	if err != nil {
		d.addError(r, "integrity", "", err.Error())
		return
	}
	for _, msg := range res.Errors {
		d.addError(r, "integrity", "", msg)
	}
	for _, msg := range res.Warnings {
		d.addWarning(r, "integrity", "", msg)
	}
}

var (
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true)
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
)

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	switch {
	case r.Valid && len(r.Warnings) == 0:
		b.WriteString(okStyle.Render("Deployment valid.") + "\n")
	case r.Valid:
		fmt.Fprintf(&b, "%s (%d warning(s))\n", okStyle.Render("Deployment valid"), len(r.Warnings))
	default:
		fmt.Fprintf(&b, "%s (%d error(s), %d warning(s))\n",
			errorStyle.Render("Deployment invalid"), len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		b.WriteString("  " + errorStyle.Render("ERROR") + " " + formatIssue(e) + "\n")
	}
	for _, w := range r.Warnings {
		b.WriteString("  " + warnStyle.Render("WARN ") + " " + formatIssue(w) + "\n")
	}
	for _, f := range r.Fingerprints {
		fmt.Fprintf(&b, "  %s %s %s\n", okStyle.Render("OK   "), f.Target, dimStyle.Render("blake3:"+f.Blake3))
	}

	return b.String()
}

func formatIssue(i Issue) string {
	if i.Field != "" {
		return fmt.Sprintf("[%s] %s: %s", i.Category, i.Field, i.Message)
	}
	return fmt.Sprintf("[%s] %s", i.Category, i.Message)
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
