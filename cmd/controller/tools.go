package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/controller/internal/audit"
	"github.com/mattjoyce/controller/internal/cancel"
	"github.com/mattjoyce/controller/internal/config"
	"github.com/mattjoyce/controller/internal/doctor"
	"github.com/mattjoyce/controller/internal/log"
	"github.com/mattjoyce/controller/internal/pipe"
	"github.com/mattjoyce/controller/internal/protocol"
	"github.com/mattjoyce/controller/internal/status"
	"github.com/mattjoyce/controller/internal/storage"
	"github.com/mattjoyce/controller/internal/watch"
)

func newToolFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func parseToolFlags(fs *pflag.FlagSet, args []string, usage string) bool {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			fmt.Println(usage)
			fs.SetOutput(os.Stdout)
			fs.PrintDefaults()
			return false
		}
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		fmt.Fprintln(os.Stderr, usage)
		return false
	}
	return true
}

// loadConfigForTool loads the config and reports integrity warnings on
// stderr rather than through the structured log.
func loadConfigForTool(configPath string) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	for _, w := range cfg.IntegrityWarnings {
		fmt.Fprintf(os.Stderr, "Warning: %s\n", w)
	}
	return cfg, nil
}

// --- doctor ---

func runDoctor(args []string) int {
	const usage = "Usage: controller doctor [--config PATH] [--json]"
	fs := newToolFlagSet("doctor")
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if !parseToolFlags(fs, args, usage) {
		return exitForHelp(args)
	}

	// Integrity is one of the checks, so a tampered file must still load.
	cfg, err := config.LoadWithOptions(*configPath, config.LoadOptions{SkipIntegrity: true})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}
	workDir, err := resolveWorkDir(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to resolve worker directory: %v\n", err)
		return 1
	}

	result := doctor.New(cfg, workDir).Validate()
	if *jsonOut {
		out, err := doctor.FormatJSON(result)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
			return 1
		}
		fmt.Println(out)
	} else {
		fmt.Print(doctor.FormatHuman(result))
	}
	if !result.Valid {
		return 1
	}
	return 0
}

// --- config ---

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		printConfigNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printConfigNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "lock":
		return runConfigLock(actionArgs)
	case "show":
		return runConfigShow(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		printConfigNounHelp(os.Stderr)
		return 1
	}
}

func printConfigNounHelp(w io.Writer) {
	fmt.Fprint(w, `Usage: controller config <action> [flags]

Actions:
  lock    Record the config file's BLAKE3 hash in .checksums beside it
  show    Print the effective configuration
`)
}

func runConfigLock(args []string) int {
	const usage = "Usage: controller config lock --config PATH [--dry-run]"
	fs := newToolFlagSet("lock")
	configPath := fs.String("config", "", "Path to configuration file or directory")
	dryRun := fs.Bool("dry-run", false, "Show the hash without writing .checksums")
	if !parseToolFlags(fs, args, usage) {
		return exitForHelp(args)
	}
	if *configPath == "" {
		fmt.Fprintln(os.Stderr, usage)
		return 1
	}

	path := *configPath
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		path = filepath.Join(path, "config.yaml")
	}
	// Refuse to bless a config that would not load.
	if _, err := config.LoadWithOptions(path, config.LoadOptions{SkipIntegrity: true}); err != nil {
		fmt.Fprintf(os.Stderr, "Refusing to lock: %v\n", err)
		return 1
	}

	report, err := config.Lock(path, *dryRun)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Lock failed: %v\n", err)
		return 1
	}
	if report.Written {
		fmt.Printf("Locked %s\n  blake3: %s\n  manifest: %s\n", report.ConfigPath, report.Hash, report.ChecksumPath)
	} else {
		fmt.Printf("Dry run: %s\n  blake3: %s\n  manifest (not written): %s\n", report.ConfigPath, report.Hash, report.ChecksumPath)
	}
	return 0
}

func runConfigShow(args []string) int {
	const usage = "Usage: controller config show [--config PATH] [--json]"
	fs := newToolFlagSet("show")
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if !parseToolFlags(fs, args, usage) {
		return exitForHelp(args)
	}

	cfg, err := loadConfigForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}

	if *jsonOut {
		data, _ := json.MarshalIndent(cfg, "", "  ")
		fmt.Println(string(data))
	} else {
		data, _ := yaml.Marshal(cfg)
		fmt.Print(string(data))
	}
	return 0
}

// --- audit ---

func runAudit(args []string) int {
	const usage = "Usage: controller audit [--config PATH | --db PATH] [--limit N] [--json]"
	fs := newToolFlagSet("audit")
	configPath := fs.String("config", "", "Path to configuration file or directory")
	dbPath := fs.String("db", "", "Audit database (default: audit.path from the config)")
	limit := fs.Int("limit", 20, "Number of entries to show, newest first")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if !parseToolFlags(fs, args, usage) {
		return exitForHelp(args)
	}

	path := *dbPath
	if path == "" {
		cfg, err := loadConfigForTool(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
			return 1
		}
		path = cfg.ResolvePaths(cfg.Service.Name, 0).Audit
	}
	// Opening would create an empty journal; a typo should not.
	if _, err := os.Stat(path); err != nil {
		fmt.Fprintf(os.Stderr, "No audit journal at %s: %v\n", path, err)
		return 1
	}

	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open audit journal: %v\n", err)
		return 1
	}
	defer db.Close()

	entries, err := audit.New(db, 0, log.Discard()).Recent(ctx, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read audit journal: %v\n", err)
		return 1
	}

	if *jsonOut {
		if entries == nil {
			entries = []audit.Entry{}
		}
		data, _ := json.MarshalIndent(entries, "", "  ")
		fmt.Println(string(data))
		return 0
	}
	if len(entries) == 0 {
		fmt.Println("No launch decisions recorded.")
		return 0
	}
	fmt.Println(renderAuditTable(entries))
	return 0
}

func renderAuditTable(entries []audit.Entry) string {
	header := lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cell := lipgloss.NewStyle().Padding(0, 1)
	denied := cell.Foreground(lipgloss.Color("#FF0000"))

	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("#", "TIME", "KIND", "TARGET", "PID", "ARGS / ERROR").
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return header
			}
			if col == 2 && row >= 0 && row < len(entries) && entries[row].Kind != "launched" {
				return denied
			}
			return cell
		})

	for _, e := range entries {
		pid := ""
		if e.PID > 0 {
			pid = strconv.Itoa(e.PID)
		}
		detail := e.Error
		if detail == "" {
			detail = strings.Join(e.Args, " ")
		}
		t.Row(
			strconv.FormatInt(e.Seq, 10),
			e.CreatedAt.Local().Format(time.DateTime),
			e.Kind,
			e.Target,
			pid,
			detail,
		)
	}
	return t.String()
}

// --- watch ---

func runWatch(args []string) int {
	const usage = "Usage: controller watch (--socket PATH | --parentPid PID [--config PATH]) [--interval 2s]"
	fs := newToolFlagSet("watch")
	socket := fs.String("socket", "", "Status socket of the controller to watch")
	configPath := fs.String("config", "", "Path to configuration file or directory")
	parentPID := fs.Int("parentPid", 0, "Parent pid served by the controller to watch")
	interval := fs.Duration("interval", watch.DefaultInterval, "Poll interval")
	if !parseToolFlags(fs, args, usage) {
		return exitForHelp(args)
	}

	path := *socket
	if path == "" {
		if *parentPID <= 0 {
			fmt.Fprintln(os.Stderr, usage)
			return 1
		}
		cfg, err := loadConfigForTool(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
			return 1
		}
		path = cfg.ResolvePaths(cfg.Service.Name, *parentPID).Status
	}

	client := status.NewClient(path, 2*time.Second)
	p := tea.NewProgram(watch.New(client, path, *interval))
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		return 1
	}
	return 0
}

// --- send ---

func runSend(args []string) int {
	const usage = `Usage: controller send (--pipe PATH | --parentPid PID [--config PATH]) [--timeout 10s] <target> [arg...]
       controller send (--pipe PATH | ...) -          copy raw records from stdin

The pipe is closed afterwards, which ends the controller's session.`
	fs := newToolFlagSet("send")
	pipePath := fs.String("pipe", "", "Command pipe to write to")
	configPath := fs.String("config", "", "Path to configuration file or directory")
	parentPID := fs.Int("parentPid", 0, "Parent pid served by the target controller")
	timeout := fs.Duration("timeout", 10*time.Second, "How long to wait for a controller to open the pipe")
	// Worker arguments such as --foo belong to the worker.
	fs.SetInterspersed(false)
	if !parseToolFlags(fs, args, usage) {
		return exitForHelp(args)
	}
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, usage)
		return 1
	}

	path := *pipePath
	if path == "" {
		if *parentPID <= 0 {
			fmt.Fprintln(os.Stderr, usage)
			return 1
		}
		cfg, err := loadConfigForTool(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
			return 1
		}
		path = cfg.ResolvePaths(cfg.Service.Name, *parentPID).Command
	}

	write := func(w io.Writer) error {
		return protocol.Encode(w, protocol.Command{Verb: protocol.VerbStart, Args: fs.Args()})
	}
	if fs.NArg() == 1 && fs.Arg(0) == "-" {
		write = func(w io.Writer) error {
			_, err := io.Copy(w, os.Stdin)
			return err
		}
	}

	if err := sendToPipe(path, *timeout, write); err != nil {
		fmt.Fprintf(os.Stderr, "Send failed: %v\n", err)
		return 1
	}
	return 0
}

// sendToPipe opens the write end of the command pipe, giving up after
// timeout if no controller has opened the read end, and hands it to write.
func sendToPipe(path string, timeout time.Duration, write func(io.Writer) error) error {
	token := &cancel.Token{}
	ep := pipe.NewWriteEndpoint(path)

	timer := time.AfterFunc(timeout, func() { token.Cancel() })
	defer timer.Stop()

	f, err := cancel.CallDiscard(token, ep.Interrupt, ep.Open, func(f *os.File) { _ = f.Close() })
	if errors.Is(err, cancel.ErrCancelled) {
		return fmt.Errorf("no controller opened %s within %s", path, timeout)
	}
	if err != nil {
		return err
	}
	if err := write(f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// exitForHelp distinguishes --help (success) from a flag error.
func exitForHelp(args []string) int {
	if hasHelpFlag(args) {
		return 0
	}
	return 1
}
