package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"vigil/internal/model"
	"vigil/internal/orchestrator"
	"vigil/internal/schedule"
	"vigil/internal/setup"
	"vigil/internal/source"
	"vigil/internal/yamlfile"
)

const version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "init":
		runInit(os.Args[2:])
	case "run":
		runDaemon(os.Args[2:])
	case "once":
		runOnce(os.Args[2:])
	case "status":
		runStatus(os.Args[2:])
	case "version":
		fmt.Printf("vigil %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `usage: vigil <command> [options]

commands:
  init      create the base directory layout and default config
  run       run the daemon until signalled
  once      run one deterministic tick and print the result as JSON
  status    show orchestrator state and queue depths
  version   print version`)
}

func baseDirFlag(fs *flag.FlagSet) *string {
	return fs.String("dir", setup.DefaultBaseDir, "base directory")
}

func runInit(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	dir := baseDirFlag(fs)
	fs.Parse(args)

	if err := setup.Run(*dir); err != nil {
		fatal(err)
	}
	fmt.Printf("initialized %s\n", *dir)
}

func buildOrchestrator(baseDir string) (*orchestrator.Orchestrator, error) {
	cfg, err := setup.LoadConfig(baseDir)
	if err != nil {
		return nil, err
	}
	if err := setup.EnsureDirs(baseDir); err != nil {
		return nil, err
	}

	jobs := make([]schedule.Job, 0, len(cfg.Jobs))
	for _, jc := range cfg.Jobs {
		job, err := schedule.FromConfig(jc, bindJobCommand(jc))
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}

	opts := orchestrator.Options{
		Sources: []orchestrator.SourceEntry{
			{
				Source:  source.NewDropDir("inbox", filepath.Join(baseDir, "inbox"), model.PriorityMedium),
				Enabled: true,
			},
		},
		Jobs: jobs,
	}
	return orchestrator.New(baseDir, cfg, opts)
}

// bindJobCommand binds a declarative job to its callback: a shell command if
// one is configured, otherwise an audited heartbeat.
func bindJobCommand(jc model.JobConfig) schedule.Func {
	if jc.Command == "" {
		return func(ctx context.Context) (string, error) {
			return "heartbeat", nil
		}
	}
	command := jc.Command
	return func(ctx context.Context) (string, error) {
		cmd := exec.CommandContext(ctx, "sh", "-c", command)
		out, err := cmd.CombinedOutput()
		detail := strings.TrimSpace(string(out))
		if err != nil {
			return detail, fmt.Errorf("command failed: %w", err)
		}
		return detail, nil
	}
}

func runDaemon(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	dir := baseDirFlag(fs)
	fs.Parse(args)

	o, err := buildOrchestrator(*dir)
	if err != nil {
		fatal(err)
	}
	if err := o.Run(); err != nil {
		fatal(err)
	}
}

func runOnce(args []string) {
	fs := flag.NewFlagSet("once", flag.ExitOnError)
	dir := baseDirFlag(fs)
	fs.Parse(args)

	o, err := buildOrchestrator(*dir)
	if err != nil {
		fatal(err)
	}
	result, err := o.RunOnce(context.Background())
	if err != nil {
		fatal(err)
	}
	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		fatal(err)
	}
	fmt.Println(string(out))
}

func runStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	dir := baseDirFlag(fs)
	fs.Parse(args)

	var state model.OrchestratorState
	statePath := filepath.Join(*dir, "state", "orchestrator.yaml")
	if err := yamlfile.ReadInto(statePath, &state); err != nil {
		if os.IsNotExist(err) {
			fmt.Println("no orchestrator state (daemon has not run)")
		} else {
			fatal(err)
		}
	} else {
		fmt.Printf("tick_count:  %d\n", state.TickCount)
		fmt.Printf("started_at:  %s\n", state.StartedAt)
		fmt.Printf("updated_at:  %s\n", state.UpdatedAt)
		for name, ts := range state.LastRunByJob {
			fmt.Printf("job %-20s last_run=%s\n", name, ts)
		}
		for name, n := range state.WatcherRestarts {
			fmt.Printf("watcher %-16s restarts=%d\n", name, n)
		}
	}

	for _, sub := range []string{"queue", "pending", "approved", "rejected", "alerts"} {
		fmt.Printf("%-10s %d\n", sub+":", countFiles(filepath.Join(*dir, sub)))
	}
}

func countFiles(dir string) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	n := 0
	for _, entry := range entries {
		if !entry.IsDir() && filepath.Ext(entry.Name()) == ".yaml" {
			n++
		}
	}
	return n
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "vigil: %v\n", err)
	os.Exit(1)
}
