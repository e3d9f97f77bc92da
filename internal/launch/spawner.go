package launch

import (
	"fmt"
	"os/exec"
)

//go:generate mockgen -destination=mocks/mock_spawner.go -package=mocks github.com/mattjoyce/controller/internal/launch Spawner

// Spawner creates a child process running path with args and returns its
// pid without waiting for it.
type Spawner interface {
	Spawn(path string, args []string) (int, error)
}

// ExecSpawner starts detached children with os/exec.
type ExecSpawner struct {
	// Dir is the working directory of spawned children. Relative
	// executable paths are resolved against it. Empty means the
	// controller's own working directory.
	Dir string

	// Env is the child environment; nil inherits the controller's.
	Env []string
}

// Spawn starts path detached from the controller: in its own session,
// with stdin, stdout and stderr on the null device and no other inherited
// descriptors. The process handle is released immediately; the child
// opens its own logging and communication channels.
func (s ExecSpawner) Spawn(path string, args []string) (int, error) {
	cmd := exec.Command(path, args...)
	cmd.Dir = s.Dir
	cmd.Env = s.Env
	cmd.SysProcAttr = detachedProcAttr()

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start %s: %w", path, err)
	}

	// The child is running at this point; Release only drops our handle.
	pid := cmd.Process.Pid
	_ = cmd.Process.Release()
	return pid, nil
}
