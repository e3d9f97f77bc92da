package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/controller/internal/audit"
	"github.com/mattjoyce/controller/internal/lock"
	"github.com/mattjoyce/controller/internal/log"
	"github.com/mattjoyce/controller/internal/pipe"
	"github.com/mattjoyce/controller/internal/storage"
)

const testParentPID = 4242

func captureOutputWithExitCode(t *testing.T, run func() int) (int, string, string) {
	t.Helper()

	oldStdout := os.Stdout
	oldStderr := os.Stderr

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stdout failed: %v", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stderr failed: %v", err)
	}

	os.Stdout = stdoutW
	os.Stderr = stderrW

	code := run()

	_ = stdoutW.Close()
	_ = stderrW.Close()
	os.Stdout = oldStdout
	os.Stderr = oldStderr

	stdoutBytes, _ := io.ReadAll(stdoutR)
	stderrBytes, _ := io.ReadAll(stderrR)

	_ = stdoutR.Close()
	_ = stderrR.Close()

	return code, string(stdoutBytes), string(stderrBytes)
}

func setVersionMetadataForTest(t *testing.T, v, commit, built string) {
	t.Helper()

	origVersion := version
	origCommit := gitCommit
	origBuildDate := buildDate

	version = v
	gitCommit = commit
	buildDate = built

	t.Cleanup(func() {
		version = origVersion
		gitCommit = origCommit
		buildDate = origBuildDate
	})
}

// syncBuffer is a bytes.Buffer safe for the logger and the test to share.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// deployment is a throwaway controller install: a work dir holding one
// worker script and a config pointing every path into a temp dir.
type deployment struct {
	dir        string
	workDir    string
	configPath string
}

func (d deployment) commandPipe() string {
	return filepath.Join(d.dir, fmt.Sprintf("ctl_command_%d", testParentPID))
}

func (d deployment) auditPath() string {
	return filepath.Join(d.dir, "audit.db")
}

func newDeployment(t *testing.T) deployment {
	t.Helper()
	d := deployment{dir: t.TempDir(), workDir: t.TempDir()}

	// The worker records its arguments, one per line, in its working dir.
	script := "#!/bin/sh\nprintf '%s\\n' \"$@\" > args.out\n"
	require.NoError(t, os.WriteFile(filepath.Join(d.workDir, "worker"), []byte(script), 0o755))

	d.configPath = filepath.Join(d.dir, "config.yaml")
	cfg := fmt.Sprintf(`service:
  name: ctl
  log_level: debug
pipes:
  dir: %s
launcher:
  work_dir: %s
  allow: [./worker]
audit:
  enabled: true
  path: %s
`, d.dir, d.workDir, d.auditPath())
	require.NoError(t, os.WriteFile(d.configPath, []byte(cfg), 0o600))
	return d
}

type superviseResult struct {
	code int
}

func startSupervise(t *testing.T, opts runOptions, stdin io.Reader, stderr io.Writer) <-chan superviseResult {
	t.Helper()
	done := make(chan superviseResult, 1)
	go func() {
		done <- superviseResult{code: supervise(opts, stdin, stderr)}
	}()
	return done
}

func waitExit(t *testing.T, done <-chan superviseResult) int {
	t.Helper()
	select {
	case res := <-done:
		return res.code
	case <-time.After(10 * time.Second):
		t.Fatal("supervise did not return")
		return -1
	}
}

func livenessPipe(t *testing.T) (*os.File, *os.File) {
	t.Helper()
	r, w, err := os.Pipe()
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = r.Close()
		_ = w.Close()
	})
	return r, w
}

func TestSuperviseLaunchesAndExitsNormally(t *testing.T) {
	d := newDeployment(t)
	stdin, _ := livenessPipe(t)
	var stderr syncBuffer
	initLog := filepath.Join(d.dir, "init.log")

	done := startSupervise(t, runOptions{parentPID: testParentPID, configPath: d.configPath, initLog: initLog}, stdin, &stderr)

	records := "start\t./worker\t--foo\tbar\nstart\t../../bin/sh\n"
	require.NoError(t, sendToPipe(d.commandPipe(), 5*time.Second, func(w io.Writer) error {
		_, err := io.WriteString(w, records)
		return err
	}))

	assert.Equal(t, 0, waitExit(t, done))

	argsFile := filepath.Join(d.workDir, "args.out")
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(argsFile)
		return err == nil && string(data) == "--foo\nbar\n"
	}, 5*time.Second, 20*time.Millisecond)

	logs := stderr.String()
	assert.Contains(t, logs, "launch denied")
	assert.Contains(t, logs, "controller exiting")

	initData, err := os.ReadFile(initLog)
	require.NoError(t, err)
	assert.Contains(t, string(initData), "Started parent liveness watchdog")
	assert.Contains(t, string(initData), "Controller exiting")

	db, err := storage.OpenSQLite(context.Background(), d.auditPath())
	require.NoError(t, err)
	defer db.Close()
	entries, err := audit.New(db, 0, log.Discard()).Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "denied", entries[0].Kind)
	assert.Equal(t, "launched", entries[1].Kind)
	assert.Equal(t, []string{"--foo", "bar"}, entries[1].Args)
	assert.Equal(t, testParentPID, entries[1].ParentPID)

	_, err = os.Stat(filepath.Join(d.dir, fmt.Sprintf("ctl_%d.lock", testParentPID)))
	assert.True(t, os.IsNotExist(err), "instance lock should be released")
}

func TestSuperviseParentGoneBeforeWriter(t *testing.T) {
	d := newDeployment(t)
	stdin, parent := livenessPipe(t)
	var stderr syncBuffer

	done := startSupervise(t, runOptions{parentPID: testParentPID, configPath: d.configPath}, stdin, &stderr)

	// Let the controller block opening the command pipe, then die.
	require.Eventually(t, func() bool {
		_, err := os.Stat(d.commandPipe())
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, parent.Close())

	assert.Equal(t, 1, waitExit(t, done))
	assert.Contains(t, stderr.String(), "parent process gone")
}

func TestSuperviseParentGoneWhileReading(t *testing.T) {
	d := newDeployment(t)
	stdin, parent := livenessPipe(t)
	var stderr syncBuffer

	done := startSupervise(t, runOptions{parentPID: testParentPID, configPath: d.configPath}, stdin, &stderr)

	require.NoError(t, pipe.Ensure(d.commandPipe()))
	orchestrator, err := os.OpenFile(d.commandPipe(), os.O_WRONLY, 0)
	require.NoError(t, err)
	defer orchestrator.Close()

	_, err = io.WriteString(orchestrator, "start\t./worker\n")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(d.workDir, "args.out"))
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)

	// The write end stays open; only the liveness stream ends.
	require.NoError(t, parent.Close())
	assert.Equal(t, 1, waitExit(t, done))
}

func TestSuperviseLogPipe(t *testing.T) {
	d := newDeployment(t)
	stdin, _ := livenessPipe(t)
	var stderr syncBuffer
	logPipe := filepath.Join(d.dir, "log.pipe")
	require.NoError(t, pipe.Ensure(logPipe))

	logged := make(chan string, 1)
	go func() {
		f, err := os.Open(logPipe)
		if err != nil {
			logged <- err.Error()
			return
		}
		defer f.Close()
		data, _ := io.ReadAll(f)
		logged <- string(data)
	}()

	done := startSupervise(t, runOptions{parentPID: testParentPID, configPath: d.configPath, logPipe: logPipe}, stdin, &stderr)
	require.NoError(t, sendToPipe(d.commandPipe(), 5*time.Second, func(w io.Writer) error {
		_, err := io.WriteString(w, "start\t./worker\n")
		return err
	}))
	assert.Equal(t, 0, waitExit(t, done))

	select {
	case out := <-logged:
		assert.Contains(t, out, "controller exiting")
		assert.Contains(t, out, `"component":"launch"`)
	case <-time.After(5 * time.Second):
		t.Fatal("log pipe reader did not finish")
	}
	assert.NotContains(t, stderr.String(), "controller exiting")
}

func TestSuperviseRefusesSecondInstance(t *testing.T) {
	d := newDeployment(t)
	held, err := lock.AcquirePIDLock(filepath.Join(d.dir, fmt.Sprintf("ctl_%d.lock", testParentPID)))
	require.NoError(t, err)
	defer held.Release()

	stdin, _ := livenessPipe(t)
	var stderr syncBuffer
	code := supervise(runOptions{parentPID: testParentPID, configPath: d.configPath}, stdin, &stderr)

	assert.Equal(t, 1, code)
	assert.Contains(t, stderr.String(), "instance lock")
}

func TestSuperviseBadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("launcher:\n  alow: [./worker]\n"), 0o600))

	stdin, _ := livenessPipe(t)
	var stderr syncBuffer
	assert.Equal(t, 1, supervise(runOptions{configPath: path}, stdin, &stderr))
	assert.Contains(t, stderr.String(), "Failed to load config")
}

func TestParseRunFlags(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    runOptions
		wantErr bool
	}{
		{
			name: "jvmPid alias",
			args: []string{"--jvmPid", "77", "--logPipe", "/tmp/l", "--commandPipe", "/tmp/c"},
			want: runOptions{parentPID: 77, logPipe: "/tmp/l", commandPipe: "/tmp/c"},
		},
		{
			name: "parentPid and config",
			args: []string{"--parentPid=5", "--config", "/etc/ctl", "--init-log", "/tmp/i"},
			want: runOptions{parentPID: 5, configPath: "/etc/ctl", initLog: "/tmp/i"},
		},
		{name: "no flags", args: nil, want: runOptions{}},
		{name: "positional", args: []string{"extra"}, wantErr: true},
		{name: "unknown flag", args: []string{"--bogus"}, wantErr: true},
		{name: "negative pid", args: []string{"--parentPid", "-3"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseRunFlags(tt.args)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRunVersionJSON(t *testing.T) {
	setVersionMetadataForTest(t, "1.2.3", "0123456789abcdef", "2026-01-02T03:04:05+10:00")

	code, stdout, _ := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"version", "--json"})
	})
	require.Equal(t, 0, code)

	var info versionInfo
	require.NoError(t, json.Unmarshal([]byte(stdout), &info))
	assert.Equal(t, "1.2.3", info.Version)
	assert.Equal(t, "0123456789ab", info.Commit)
	assert.Equal(t, "2026-01-01T17:04:05Z", info.BuildTime)
}

func TestRunCLIVersionFlag(t *testing.T) {
	setVersionMetadataForTest(t, "9.9.9", "abc", "unknown")
	code, stdout, _ := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"--version"})
	})
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout, "controller 9.9.9")
}

func TestRunCLIUnknownCommand(t *testing.T) {
	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"frobnicate"})
	})
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "Unknown command: frobnicate")
}

func TestConfigLockThenDoctor(t *testing.T) {
	d := newDeployment(t)

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"config", "lock", "--config", d.configPath})
	})
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "blake3:")

	code, stdout, stderr = captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"doctor", "--config", d.configPath, "--json"})
	})
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, `"valid": true`)
	assert.Contains(t, stdout, `"target": "./worker"`)

	// Tampering makes doctor fail and supervise refuse to start.
	data, err := os.ReadFile(d.configPath)
	require.NoError(t, err)
	tampered := strings.Replace(string(data), "./worker", "/bin/sh", 1)
	require.NoError(t, os.WriteFile(d.configPath, []byte(tampered), 0o600))

	code, stdout, _ = captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"doctor", "--config", d.configPath})
	})
	assert.Equal(t, 1, code)
	assert.Contains(t, stdout, "hash mismatch")

	stdin, _ := livenessPipe(t)
	var logs syncBuffer
	assert.Equal(t, 1, supervise(runOptions{parentPID: testParentPID, configPath: d.configPath}, stdin, &logs))
	assert.Contains(t, logs.String(), "integrity")
}

func TestConfigLockDryRun(t *testing.T) {
	d := newDeployment(t)
	code, stdout, _ := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"config", "lock", "--config", d.configPath, "--dry-run"})
	})
	require.Equal(t, 0, code)
	assert.Contains(t, stdout, "Dry run")
	_, err := os.Stat(filepath.Join(d.dir, ".checksums"))
	assert.True(t, os.IsNotExist(err))
}

func TestConfigShow(t *testing.T) {
	d := newDeployment(t)
	code, stdout, _ := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"config", "show", "--config", d.configPath})
	})
	require.Equal(t, 0, code)
	assert.Contains(t, stdout, "./worker")
	assert.Contains(t, stdout, "name: ctl")
}

func TestAuditCommand(t *testing.T) {
	d := newDeployment(t)
	db, err := storage.OpenSQLite(context.Background(), d.auditPath())
	require.NoError(t, err)
	j := audit.New(db, testParentPID, log.Discard())
	require.NoError(t, j.Record(context.Background(), audit.Entry{Kind: "launched", Verb: "start", Target: "./worker", Args: []string{"-x"}, PID: 321}))
	require.NoError(t, j.Record(context.Background(), audit.Entry{Kind: "denied", Verb: "start", Target: "../../bin/sh", Error: "target is not on the allow-list"}))
	require.NoError(t, db.Close())

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"audit", "--config", d.configPath, "--json"})
	})
	require.Equal(t, 0, code, stderr)
	var entries []audit.Entry
	require.NoError(t, json.Unmarshal([]byte(stdout), &entries))
	require.Len(t, entries, 2)
	assert.Equal(t, "denied", entries[0].Kind)

	code, stdout, _ = captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"audit", "--db", d.auditPath()})
	})
	require.Equal(t, 0, code)
	assert.Contains(t, stdout, "../../bin/sh")
	assert.Contains(t, stdout, "321")
}

func TestAuditCommandMissingJournal(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "nope.db")
	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"audit", "--db", missing})
	})
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "No audit journal")
	_, err := os.Stat(missing)
	assert.True(t, os.IsNotExist(err))
}

func TestSendToPipeTimesOut(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cmd")
	start := time.Now()
	err := sendToPipe(path, 50*time.Millisecond, func(io.Writer) error { return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no controller opened")
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRunSendWritesRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cmd")
	require.NoError(t, pipe.Ensure(path))

	got := make(chan string, 1)
	go func() {
		f, err := os.Open(path)
		if err != nil {
			got <- err.Error()
			return
		}
		defer f.Close()
		data, _ := io.ReadAll(f)
		got <- string(data)
	}()

	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"send", "--pipe", path, "./autodetect", "--foo", "bar"})
	})
	require.Equal(t, 0, code, stderr)

	select {
	case rec := <-got:
		assert.Equal(t, "start\t./autodetect\t--foo\tbar\n", rec)
	case <-time.After(5 * time.Second):
		t.Fatal("reader did not finish")
	}
}

func TestRenderAuditTable(t *testing.T) {
	out := renderAuditTable([]audit.Entry{
		{Seq: 7, Kind: "launch_failed", Target: "./normalize", Error: "start ./normalize: permission denied", CreatedAt: time.Now()},
	})
	assert.Contains(t, out, "TARGET")
	assert.Contains(t, out, "./normalize")
	assert.Contains(t, out, "permission denied")
}
