package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ellmago/ellma/internal/agent"
	"github.com/ellmago/ellma/internal/config"
)

var (
	version   = "0.1.0"
	buildTime = "dev"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "ellma.yaml", "Path to config file")
	verbose := flag.Bool("verbose", false, "Enable debug logging")
	showVersion := flag.Bool("version", false, "Show version")
	flag.Parse()

	if *showVersion {
		fmt.Printf("ellma v%s (built %s)\n", version, buildTime)
		return 0
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := loadConfig(*configPath, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return 1
	}

	logLevel := parseLogLevel(cfg.Server.LogLevel)
	if *verbose {
		logLevel = slog.LevelDebug
	}
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := agent.New(ctx, cfg, *configPath, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "start agent: %v\n", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.Close(shutdownCtx); err != nil {
			logger.Error("shutdown error", "error", err)
		}
	}()

	printBanner(a)
	return runREPL(ctx, a)
}

// loadConfig loads configuration from file, seeding a default one on disk
// when none exists yet.
func loadConfig(path string, logger *slog.Logger) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Info("no config found, creating default", "path", path)
			cfg = config.DefaultConfig()
			if err := cfg.Save(path); err != nil {
				return nil, fmt.Errorf("save default config: %w", err)
			}
			return cfg, nil
		}
		return nil, err
	}
	return cfg, nil
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func printBanner(a *agent.Agent) {
	fmt.Println("ellma — self-improving local command agent")
	fmt.Printf("modules loaded: %d\n", len(a.ListModules()))
	fmt.Println(`type "help" for built-in commands, or <module>.<action> [args...]`)
	fmt.Println()
}

// runREPL drives the §4.5 line-oriented shell: built-ins are handled
// locally, everything else is handed to Agent.Execute. Exit status
// reflects whether the last non-builtin command succeeded, per §6.
func runREPL(ctx context.Context, a *agent.Agent) int {
	scanner := bufio.NewScanner(os.Stdin)
	lastExit := 0

	fmt.Print("ellma> ")
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return lastExit
		default:
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			fmt.Print("ellma> ")
			continue
		}

		if done, code := handleBuiltin(ctx, a, line); done {
			if code >= 0 {
				return code
			}
			fmt.Print("ellma> ")
			continue
		}

		result, err := a.Execute(ctx, line)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			lastExit = 1
		} else {
			lastExit = 0
			if result.Value != nil {
				fmt.Printf("%v\n", result.Value)
			}
		}
		fmt.Print("ellma> ")
	}

	if err := scanner.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "input error: %v\n", err)
		return 1
	}
	return lastExit
}

// handleBuiltin recognises the shell built-ins from §4.5 step 2. done is
// true when line was a built-in; code is the process exit code to return
// immediately (only meaningful for "exit"/"quit"), or -1 to keep reading.
func handleBuiltin(ctx context.Context, a *agent.Agent, line string) (done bool, code int) {
	fields := strings.Fields(line)
	switch fields[0] {
	case "exit", "quit":
		return true, 0
	case "help":
		printHelp()
		return true, -1
	case "status":
		printStatus(a)
		return true, -1
	case "history":
		n := 10
		if len(fields) > 1 {
			fmt.Sscanf(fields[1], "%d", &n)
		}
		printHistory(a, n)
		return true, -1
	case "reload":
		if err := a.Loader().LoadAll(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "reload: %v\n", err)
		} else {
			fmt.Println("modules reloaded from source directories")
		}
		return true, -1
	case "evolve":
		force := len(fields) > 1 && fields[1] == "--force"
		cycle := a.Evolve(ctx, force)
		fmt.Printf("evolution cycle %s: status=%s opportunities=%d solutions=%d integrations=%d\n",
			cycle.ID, cycle.Status, len(cycle.Opportunities), len(cycle.Solutions), len(cycle.Integrations))
		return true, -1
	case "modules":
		printModules(a)
		return true, -1
	default:
		return false, -1
	}
}

func printHelp() {
	fmt.Println(`built-in commands:
  help              show this message
  status            show telemetry, module health, and firewall status
  history [n]       show the last n executed commands (default 10)
  modules           list registered modules and their state
  reload            reload all modules from their source directories
  evolve [--force]  run one evolution cycle now
  exit | quit       shut down and exit

anything else is dispatched as <module>.<action> [positional...] [--flag=value...]`)
}

func printStatus(a *agent.Agent) {
	st := a.Status()
	fmt.Printf("commands: %d executed, %d ok, %d failed\n",
		st.Telemetry.CommandsExecuted, st.Telemetry.SuccessfulExecutions, st.Telemetry.FailedExecutions)
	fmt.Printf("modules: %d total, %d loaded, %d errored (health %.2f)\n",
		st.Health.Total, st.Health.Loaded, st.Health.Errored, st.Health.HealthScore)
	fmt.Printf("firewall: enabled=%v rate_remaining=%d/%d breaker=%s\n",
		st.Firewall.Enabled, st.Firewall.RateLimitRemaining, st.Firewall.MaxMutationsPerHour, st.Firewall.CircuitBreakerState)
}

func printHistory(a *agent.Agent, n int) {
	records := a.History(n)
	if len(records) == 0 {
		fmt.Println("(no history)")
		return
	}
	for _, r := range records {
		status := "ok"
		if !r.Success {
			status = "fail: " + r.Error
		}
		fmt.Printf("%s  %-20s %s  (%s)\n", r.Timestamp.Format(time.RFC3339), r.Command, status, time.Duration(r.DurationNanos))
	}
}

func printModules(a *agent.Agent) {
	mods := a.ListModules()
	if len(mods) == 0 {
		fmt.Println("(no modules loaded)")
		return
	}
	for _, m := range mods {
		fmt.Printf("%-20s v%-10s %-10s deps=%v\n", m.Name, m.Version, m.State, m.Dependencies)
	}
}
