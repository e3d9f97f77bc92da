package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/mattjoyce/controller/internal/audit"
	"github.com/mattjoyce/controller/internal/cancel"
	"github.com/mattjoyce/controller/internal/config"
	"github.com/mattjoyce/controller/internal/dispatch"
	"github.com/mattjoyce/controller/internal/events"
	"github.com/mattjoyce/controller/internal/launch"
	"github.com/mattjoyce/controller/internal/lock"
	"github.com/mattjoyce/controller/internal/log"
	"github.com/mattjoyce/controller/internal/metrics"
	"github.com/mattjoyce/controller/internal/pipe"
	"github.com/mattjoyce/controller/internal/status"
	"github.com/mattjoyce/controller/internal/storage"
	"github.com/mattjoyce/controller/internal/watchdog"
)

// runOptions are the supervisor's command line settings. Zero values
// fall back to the config file and then to built-in defaults.
type runOptions struct {
	parentPID   int
	commandPipe string
	logPipe     string
	configPath  string
	initLog     string
}

func parseRunFlags(args []string) (runOptions, error) {
	var opts runOptions
	fs := pflag.NewFlagSet("controller", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.IntVar(&opts.parentPID, "parentPid", 0, "Parent process id (default: the real parent)")
	fs.IntVar(&opts.parentPID, "jvmPid", 0, "Alias for --parentPid")
	fs.StringVar(&opts.commandPipe, "commandPipe", "", "Command pipe path")
	fs.StringVar(&opts.logPipe, "logPipe", "", "Log pipe path")
	fs.StringVar(&opts.configPath, "config", "", "Path to configuration file or directory")
	fs.StringVar(&opts.initLog, "init-log", "", "Startup milestone log file")

	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if fs.NArg() > 0 {
		return opts, fmt.Errorf("unexpected argument: %s", fs.Arg(0))
	}
	if opts.parentPID < 0 {
		return opts, fmt.Errorf("invalid parent pid %d", opts.parentPID)
	}
	return opts, nil
}

func runSupervisor(args []string) int {
	if hasHelpFlag(args) {
		printUsage()
		return 0
	}
	opts, err := parseRunFlags(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	return supervise(opts, os.Stdin, os.Stderr)
}

// supervise runs one controller lifetime and returns the exit status.
// stdin is the parent liveness stream; stderr receives logs until the log
// pipe, if any, is connected.
func supervise(opts runOptions, stdin io.Reader, stderr io.Writer) int {
	initLog, err := log.OpenInitLog(opts.initLog)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to open init log: %v\n", err)
		return 1
	}
	defer func() { _ = initLog.Close() }()
	initLog.Printf("controller started, pid %d", os.Getpid())

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		initLog.Printf("Could not load config: %v", err)
		fmt.Fprintf(stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if initLog == nil && cfg.Service.InitLog != "" {
		if initLog, err = log.OpenInitLog(cfg.Service.InitLog); err != nil {
			fmt.Fprintf(stderr, "Failed to open init log: %v\n", err)
			return 1
		}
		initLog.Printf("controller started, pid %d", os.Getpid())
	}
	if opts.commandPipe != "" {
		cfg.Pipes.Command = opts.commandPipe
	}
	if opts.logPipe != "" {
		cfg.Pipes.Log = opts.logPipe
	}

	parentPID := opts.parentPID
	if parentPID == 0 {
		parentPID = os.Getppid()
	}
	paths := cfg.ResolvePaths(cfg.Service.Name, parentPID)
	initLog.Printf("parentPid = %d", parentPID)
	initLog.Printf("commandPipe = %s", paths.Command)
	if cfg.LogToPipe() {
		initLog.Printf("logPipe = %s", paths.Log)
	}

	sink := log.NewSink(stderr)
	logger := log.New(log.Options{Level: cfg.Service.LogLevel, Format: cfg.Service.LogFormat, Writer: sink})
	mainLog := log.WithComponent(logger, "main")
	for _, w := range cfg.IntegrityWarnings {
		mainLog.Warn("config integrity", "warning", w)
	}

	fail := func(msg string, err error) int {
		initLog.Printf("%s: %v", msg, err)
		mainLog.Error(msg, "error", err)
		return 1
	}

	if cfg.Lock.Enabled {
		pidLock, err := lock.AcquirePIDLock(paths.Lock)
		if err != nil {
			return fail("could not acquire instance lock", err)
		}
		defer func() { _ = pidLock.Release() }()
		initLog.Printf("Acquired instance lock %s", paths.Lock)
	}

	// The watchdog must be running before the first blocking open: if the
	// parent dies before connecting a pipe, nothing else would notice.
	token := &cancel.Token{}
	wd := watchdog.New(stdin, token, log.WithComponent(logger, "watchdog"))
	if err := wd.Start(); err != nil {
		return fail("could not start parent liveness watchdog", err)
	}
	defer func() { _ = wd.Stop() }()
	initLog.Printf("Started parent liveness watchdog")

	if cfg.LogToPipe() {
		ep := pipe.NewWriteEndpoint(paths.Log)
		f, err := cancel.CallDiscard(token, ep.Interrupt, ep.Open, func(f *os.File) { _ = f.Close() })
		if err != nil {
			return fail("could not reconfigure logging to the log pipe", err)
		}
		sink.Swap(f)
		defer func() {
			sink.Swap(stderr)
			_ = f.Close()
		}()
		initLog.Printf("Reconfigured logging")
	}

	info := currentVersionInfo()
	mainLog.Info(info.String(), "pid", os.Getpid(), "parent_pid", parentPID)
	initLog.Printf("Version info: %s", info)

	collector := metrics.NewCollector()
	observers := []dispatch.Observer{collector}
	var journal *audit.Journal
	if cfg.Audit.Enabled {
		db, err := storage.OpenSQLite(context.Background(), paths.Audit)
		if err != nil {
			return fail("could not open audit journal", err)
		}
		defer db.Close()
		journal = audit.New(db, parentPID, log.WithComponent(logger, "audit"))
		observers = append(observers, journal)
		mainLog.Info("audit journal enabled", "path", paths.Audit)
	}

	// The hub only has readers through the status server.
	var stream status.EventStream
	if cfg.Status.Enabled {
		hub := events.NewHub(256)
		observers = append(observers, hub)
		stream = hub
	}

	workDir, err := resolveWorkDir(cfg)
	if err != nil {
		return fail("could not resolve worker directory", err)
	}
	initLog.Printf("Workers run in %s", workDir)

	launcher := launch.New(
		launch.NewAllowList(cfg.Launcher.Allow...),
		launch.ExecSpawner{Dir: workDir},
		log.WithComponent(logger, "launch"),
	)
	loop := dispatch.New(
		dispatch.NewPipeSource(paths.Command),
		token,
		launcher,
		log.WithComponent(logger, "dispatch"),
		observers...,
	)

	ctx, stopSurfaces := context.WithCancel(context.Background())
	defer stopSurfaces()

	statusDone := make(chan struct{})
	if cfg.Status.Enabled {
		var lister status.LaunchLister
		if journal != nil {
			lister = journal
		}
		statusLog := log.WithComponent(logger, "status")
		srv := status.New(status.Config{
			Socket:      paths.Status,
			PID:         os.Getpid(),
			ParentPID:   parentPID,
			CommandPipe: paths.Command,
			AllowList:   launcher.AllowList().Entries(),
			Version:     info.Version,
		}, loop, wd, lister, stream, collector.Registry(), statusLog)
		go func() {
			defer close(statusDone)
			if err := srv.Start(ctx); err != nil {
				statusLog.Warn("status server stopped", "error", err)
			}
		}()
	} else {
		close(statusDone)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			mainLog.Warn("received signal, abandoning command channel", "signal", sig.String())
			token.Cancel()
		case <-ctx.Done():
		}
	}()

	initLog.Printf("About to process commands from %s", paths.Command)
	outcome := loop.Run()
	initLog.Printf("Command processor finished in state %s", outcome.State)

	stopSurfaces()
	<-statusDone
	if err := wd.Stop(); err != nil {
		mainLog.Warn("watchdog did not stop cleanly", "error", err)
	}

	if outcome.Err != nil {
		mainLog.Error("controller terminated", "state", outcome.State.String(), "error", outcome.Err)
		initLog.Printf("Controller terminated: %v", outcome.Err)
		return outcome.ExitCode()
	}
	mainLog.Info("controller exiting")
	initLog.Printf("Controller exiting")
	return outcome.ExitCode()
}

// resolveWorkDir returns where workers run: launcher.work_dir, or the
// directory holding the controller executable, since allow-list entries
// are relative to it.
func resolveWorkDir(cfg *config.Config) (string, error) {
	if cfg.Launcher.WorkDir != "" {
		return filepath.Abs(cfg.Launcher.WorkDir)
	}
	exe, err := os.Executable()
	if err != nil {
		return "", err
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}
	return filepath.Dir(exe), nil
}
