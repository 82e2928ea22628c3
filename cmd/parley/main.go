// Parley is a conversational assistant that can answer from canned lookup
// tools.
//
// Each user turn goes to a chat completion model with the conversation so
// far. When the model asks for a lookup, Parley runs it and sends the
// result back for a final answer. Configuration is loaded from a single
// YAML file discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	parley serve              Start the API server
//	parley init [dir]         Write an example config.yaml
//	parley ask <question>     Ask a single question
//	parley chat               Interactive session on stdin
//	parley version            Print version and build information
//	parley -o json version    Output version information as JSON
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/nugget/parley/internal/agent"
	"github.com/nugget/parley/internal/api"
	"github.com/nugget/parley/internal/buildinfo"
	"github.com/nugget/parley/internal/config"
	"github.com/nugget/parley/internal/connwatch"
	"github.com/nugget/parley/internal/llm"
	"github.com/nugget/parley/internal/lookup"
	"github.com/nugget/parley/internal/memory"
	"github.com/nugget/parley/internal/metrics"
	"github.com/nugget/parley/internal/tools"
)

// main constructs the OS-level environment (context, stdio, argv) and
// delegates immediately to [run], so the whole lifecycle can be driven
// from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdin, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the parley command. Arguments are
// parsed by hand; the flag package's globals would keep tests from
// calling run concurrently.
func run(ctx context.Context, stdin io.Reader, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++ // skip the value
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				// Collect remaining args as subcommand arguments.
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, stderr, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: parley ask <question>")
		}
		return runAsk(ctx, stdout, stderr, configPath, outputFmt, cmdArgs)
	case "chat":
		return runChat(ctx, stdin, stdout, stderr, configPath)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Parley - tool-calling chat assistant")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: parley [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the API server")
	fmt.Fprintln(w, "  init [dir]   Write an example config.yaml (default: .)")
	fmt.Fprintln(w, "  ask          Ask a single question")
	fmt.Fprintln(w, "  chat         Interactive session (/reset starts over, /quit exits)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/parley/config.yaml, /etc/parley/config.yaml")
	return nil
}

// app is the assembled runtime shared by the subcommands.
type app struct {
	cfg      *config.Config
	client   llm.Client
	loop     *agent.Loop
	sessions *agent.Manager
	store    memory.Store
	close    func() error
}

// newApp wires the completion client, tool registry, store and loop from
// cfg. m may be nil.
func newApp(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*app, error) {
	registry, err := buildRegistry(cfg)
	if err != nil {
		return nil, err
	}

	store, closeStore, err := openStore(cfg, logger)
	if err != nil {
		return nil, err
	}

	client := createLLMClient(cfg, logger)
	loop, err := agent.NewLoop(logger, client, registry, agent.Config{
		Model:             cfg.Provider.Model,
		SystemPrompt:      cfg.Chat.SystemPrompt,
		Temperature:       cfg.Chat.Temperature,
		ToolChoice:        cfg.ToolChoice(),
		Tools:             cfg.Chat.Tools,
		FallbackMessage:   cfg.Chat.FallbackMessage,
		CompletionTimeout: cfg.Chat.CompletionTimeout,
		ToolTimeout:       cfg.Chat.ToolTimeout,
	})
	if err != nil {
		_ = closeStore()
		return nil, fmt.Errorf("create loop: %w", err)
	}
	loop.SetMetrics(m)

	logger.Info("chat loop ready",
		"model", cfg.Provider.Model,
		"tools", registry.Names(),
		"tool_choice", cfg.ToolChoice().String(),
		"storage", cfg.Storage.Kind,
	)

	return &app{
		cfg:      cfg,
		client:   client,
		loop:     loop,
		sessions: agent.NewManager(store, logger),
		store:    store,
		close:    closeStore,
	}, nil
}

// runServe starts the HTTP API and blocks until ctx is cancelled or a
// SIGINT/SIGTERM arrives.
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting Parley", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger = configuredLogger(stdout, cfg)
	logger.Info("config loaded", "path", cfgPath, "port", cfg.Listen.Port, "provider", cfg.Provider.Kind)

	var m *metrics.Metrics
	var metricsHandler http.Handler
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		m = metrics.New(reg)
		metricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}

	a, err := newApp(cfg, logger, m)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.close(); err != nil {
			logger.Warn("failed to close store", "error", err)
		}
	}()

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, a.loop, a.sessions, a.store, logger)
	if metricsHandler != nil {
		server.SetMetricsHandler(metricsHandler)
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	watch := connwatch.NewManager(logger)
	watch.Watch(ctx, connwatch.Target{
		Name:     cfg.Provider.Kind,
		Probe:    a.client.Ping,
		OnChange: m.SetProviderUp,
	})
	server.SetProviderWatch(watch)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.Start(gctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// runAsk processes a single question in a fresh in-memory session and
// prints the reply.
func runAsk(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath, outputFmt string, args []string) error {
	question := strings.Join(args, " ")

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	// Nothing to persist for a one-shot question.
	cfg.Storage.Kind = config.StorageMemory
	logger := configuredLogger(stderr, cfg)

	a, err := newApp(cfg, logger, nil)
	if err != nil {
		return err
	}
	defer a.close()

	sess := a.sessions.Open("")
	defer a.sessions.Release(sess)
	reply, err := a.loop.Process(ctx, sess, question)
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"response": reply.Content,
			"branch":   reply.Branch.String(),
			"tools":    len(reply.ToolCalls),
		})
	}
	fmt.Fprintln(stdout, reply.Content)
	return nil
}

// runChat runs an interactive session over stdin. One line is one turn;
// "/reset" ends the session and starts a new one, "/quit" ends it and
// exits.
func runChat(ctx context.Context, stdin io.Reader, stdout io.Writer, stderr io.Writer, configPath string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := configuredLogger(stderr, cfg)

	a, err := newApp(cfg, logger, nil)
	if err != nil {
		return err
	}
	defer a.close()

	sess := a.sessions.Open("")
	defer func() {
		if err := a.sessions.End(context.WithoutCancel(ctx), sess.ID()); err != nil {
			logger.Warn("failed to end session", "conversation", sess.ID(), "error", err)
		}
		a.sessions.Release(sess)
	}()

	fmt.Fprintf(stdout, "Parley %s (%s). /reset starts over, /quit exits.\n", buildinfo.Version, cfg.Provider.Model)

	scanner := bufio.NewScanner(stdin)
	for {
		fmt.Fprint(stdout, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(stdout)
			return scanner.Err()
		}

		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		case "/reset":
			if err := a.sessions.End(ctx, sess.ID()); err != nil {
				return fmt.Errorf("reset: %w", err)
			}
			a.sessions.Release(sess)
			sess = a.sessions.Open("")
			fmt.Fprintln(stdout, "(new conversation)")
			continue
		}

		reply, err := a.loop.Process(ctx, sess, line)
		if err != nil {
			return fmt.Errorf("chat: %w", err)
		}
		fmt.Fprintln(stdout, reply.Content)
	}
}

// newLogger creates a structured logger that writes to w at the given level
// and format. Format must be "text" or "json"; any other value defaults to
// text.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// configuredLogger builds the logger described by cfg. The level was
// already validated by Load.
func configuredLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	return newLogger(w, level, cfg.LogFormat)
}

// loadConfig locates and parses the YAML configuration file. If explicit
// is non-empty, that exact path is used (and must exist). Otherwise,
// [config.FindConfig] searches the default locations.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

// createLLMClient builds the completion client for the configured
// provider. The configured model is routed to that provider, which also
// serves any other model name.
func createLLMClient(cfg *config.Config, logger *slog.Logger) llm.Client {
	var provider llm.Client
	switch cfg.Provider.Kind {
	case config.ProviderOllama:
		provider = llm.NewOllamaClient(cfg.Provider.Endpoint, logger)
	default:
		provider = llm.NewOpenAIClient(llm.OpenAIConfig{
			Azure:      cfg.Provider.Kind == config.ProviderAzure,
			Endpoint:   cfg.Provider.Endpoint,
			APIKey:     cfg.Provider.APIKey,
			APIVersion: cfg.Provider.APIVersion,
		}, logger)
	}

	multi := llm.NewMultiClient(provider)
	multi.AddProvider(cfg.Provider.Kind, provider)
	multi.AddModel(cfg.Provider.Model, cfg.Provider.Kind)

	logger.Info("LLM client initialized", "model", cfg.Provider.Model, "provider", cfg.Provider.Kind)
	return multi
}

// buildRegistry registers one lookup tool per configured table.
func buildRegistry(cfg *config.Config) (*tools.Registry, error) {
	registry := tools.NewRegistry()
	for _, lt := range cfg.Lookup {
		err := registry.Register(&tools.Tool{
			Name:        lt.Name,
			Description: lt.Description,
			Capability:  lookup.NewTable(lt.Entries, lt.Fallback),
		})
		if err != nil {
			return nil, fmt.Errorf("register lookup tool %s: %w", lt.Name, err)
		}
	}
	return registry, nil
}

// openStore opens the configured conversation store. The returned func
// releases it.
func openStore(cfg *config.Config, logger *slog.Logger) (memory.Store, func() error, error) {
	if cfg.Storage.Kind != config.StorageSQLite {
		return memory.NewMemStore(), func() error { return nil }, nil
	}

	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create data dir: %w", err)
	}
	store, err := memory.NewSQLiteStore(cfg.Storage.DBPath())
	if err != nil {
		return nil, nil, fmt.Errorf("open conversation store: %w", err)
	}
	logger.Info("conversation store opened", "path", cfg.Storage.DBPath())
	return store, store.Close, nil
}
