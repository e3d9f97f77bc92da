// Command controller is a privileged supervisor that launches allow-listed
// worker executables on request from its parent process.
//
// Run without a noun it supervises: it watches stdin for the parent going
// away and reads tab-separated start commands from a named pipe until the
// parent closes it. The nouns are operator tools for the same deployment.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	// Flags only, as the parent invokes it: supervise.
	if len(cliArgs) == 0 || strings.HasPrefix(cliArgs[0], "-") {
		if len(cliArgs) > 0 && cliArgs[0] == "--version" {
			return runVersion(cliArgs[1:])
		}
		if hasHelpFlag(cliArgs) {
			printUsage()
			return 0
		}
		return runSupervisor(cliArgs)
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	switch cmd {
	case "run":
		return runSupervisor(args)
	case "doctor":
		return runDoctor(args)
	case "config":
		return runConfigNoun(args)
	case "audit":
		return runAudit(args)
	case "watch":
		return runWatch(args)
	case "send":
		return runSend(args)
	case "version":
		return runVersion(args)
	case "help":
		printUsage()
		return 0

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func (v versionInfo) String() string {
	return fmt.Sprintf("controller %s (commit %s, built %s)", v.Version, v.Commit, v.BuildTime)
}

func runVersion(args []string) int {
	fs := pflag.NewFlagSet("version", pflag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: controller version [--json]")
		return 1
	}

	info := currentVersionInfo()

	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("controller %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}

	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	resolvedCommit := strings.TrimSpace(gitCommit)
	if resolvedCommit == "" || resolvedCommit == "unknown" {
		resolvedCommit = strings.TrimSpace(readBuildSetting("vcs.revision"))
	}
	if resolvedCommit != "" {
		info.Commit = shortenCommit(resolvedCommit)
	}

	resolvedBuildTime := strings.TrimSpace(buildDate)
	if resolvedBuildTime == "" || resolvedBuildTime == "unknown" {
		resolvedBuildTime = strings.TrimSpace(readBuildSetting("vcs.time"))
	}
	if normalizedBuildTime, ok := normalizeBuildTimeUTC(resolvedBuildTime); ok {
		info.BuildTime = normalizedBuildTime
	}

	return info
}

func shortenCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}

func normalizeBuildTimeUTC(raw string) (string, bool) {
	if raw == "" || raw == "unknown" {
		return "", false
	}

	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return "", false
	}

	return t.UTC().Format(time.RFC3339), true
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return setting.Value
		}
	}
	return ""
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

func printUsage() {
	fmt.Print(`controller - launches allow-listed workers for its parent process

Usage:
  controller [flags]              Supervise (the parent's invocation)
  controller <command> [flags]

Supervisor flags:
  --parentPid, --jvmPid PID   Parent process id (default: the real parent)
  --commandPipe PATH          Command pipe (default: <dir>/controller_command_<pid>)
  --logPipe PATH              Send logs to this named pipe instead of stderr
  --config PATH               Configuration file or directory
  --init-log PATH             Write timestamped startup milestones to PATH
  --version                   Show version information

Commands:
  run           Supervise (same as passing flags only)
  doctor        Check configuration, workers, pipe dir and integrity
  config lock   Record the config hash in .checksums
  config show   Print the effective configuration
  audit         List recent launch decisions from the journal
  watch         Live view of a running controller
  send          Write one start command to a command pipe
  version       Show version information
  help          Show this help message

Use 'controller <command> --help' for command flags.
`)
}
