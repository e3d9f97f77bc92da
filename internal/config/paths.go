package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// Paths are the filesystem locations used by one controller instance.
type Paths struct {
	Command string
	Log     string
	Lock    string
	Status  string
	Audit   string
}

// ResolvePaths fills in default locations for the controller named prog
// serving the parent parentPID. Defaults follow the
// <dir>/<prog>_<kind>_<pid> convention the parent uses to find the pipes.
func (c *Config) ResolvePaths(prog string, parentPID int) Paths {
	dir := c.Pipes.Dir
	if dir == "" {
		dir = os.TempDir()
	}
	def := func(configured, kind string) string {
		if configured != "" {
			return configured
		}
		return filepath.Join(dir, fmt.Sprintf("%s_%s_%d", prog, kind, parentPID))
	}

	p := Paths{
		Command: def(c.Pipes.Command, "command"),
		Log:     def(c.Pipes.Log, "log"),
		Status:  def(c.Status.Socket, "status"),
		Audit:   c.Audit.Path,
		Lock:    c.Lock.Path,
	}
	if c.Status.Socket == "" {
		p.Status += ".sock"
	}
	if p.Lock == "" {
		p.Lock = filepath.Join(dir, fmt.Sprintf("%s_%d.lock", prog, parentPID))
	}
	if p.Audit == "" {
		p.Audit = filepath.Join(dir, prog+"_audit.db")
	}
	return p
}

// LogToPipe reports whether logs go to the log pipe.
func (c *Config) LogToPipe() bool {
	return c.Pipes.LogToPipe || c.Pipes.Log != ""
}
