package cli

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/mirelabs/coda/internal/config"
	"github.com/mirelabs/coda/internal/logger"
	"github.com/mirelabs/coda/internal/observability"
	"github.com/mirelabs/coda/internal/tracing"
	"github.com/mirelabs/coda/pkg/chat"
	"github.com/mirelabs/coda/pkg/msgqueue"
	"github.com/mirelabs/coda/pkg/orchestrator"
	"github.com/mirelabs/coda/pkg/provider"
	"github.com/mirelabs/coda/pkg/session"
	"github.com/mirelabs/coda/pkg/toolcall"
	"github.com/mirelabs/coda/pkg/tools"
)

var (
	chatPlanMode    bool
	chatNoStream    bool
	chatNewSession  bool
	chatFiles       []string
	chatMetricsAddr string
)

var chatCmd = &cobra.Command{
	Use:   "chat [message]",
	Short: "Send a message to the agent",
	Long: `Send one message through the agent and stream the response.
The message comes from the argument or, when piped, from stdin. The active
session is resumed unless --new is given.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runChat,
}

func init() {
	chatCmd.Flags().BoolVar(&chatPlanMode, "plan", false, "start the turn in plan mode")
	chatCmd.Flags().BoolVar(&chatNoStream, "no-stream", false, "wait for the full response instead of streaming")
	chatCmd.Flags().BoolVar(&chatNewSession, "new", false, "start a fresh session")
	chatCmd.Flags().StringArrayVar(&chatFiles, "file", nil, "attach a file path to the message (repeatable)")
	chatCmd.Flags().StringVar(&chatMetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (e.g. localhost:9464)")
	rootCmd.AddCommand(chatCmd)
}

func runChat(cmd *cobra.Command, args []string) error {
	message, err := readMessage(args)
	if err != nil {
		return err
	}

	loader, cfg, lg, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	defer lg.Close()
	log := lg.GetZerolog()

	watcher, err := config.NewWatcher(loader, func(next *config.Config) {
		logger.SetLevel(next.Logging.Level)
	})
	if err != nil {
		log.Warn().Err(err).Msg("Config watch unavailable")
	} else if err := watcher.Start(); err != nil {
		log.Warn().Err(err).Msg("Config watch failed to start")
	} else {
		defer watcher.Stop()
	}

	if chatMetricsAddr != "" {
		observability.EnsureRegistered()
		mux := http.NewServeMux()
		mux.Handle("/metrics", observability.Handler())
		go func() {
			if err := http.ListenAndServe(chatMetricsAddr, mux); err != nil {
				log.Warn().Err(err).Str("addr", chatMetricsAddr).Msg("Metrics server stopped")
			}
		}()
	}

	if err := tracing.Init("coda"); err != nil {
		log.Warn().Err(err).Msg("Tracing disabled")
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = tracing.Shutdown(ctx)
	}()

	active := cfg.ActiveProvider()
	client, err := provider.New(cfg.Provider, provider.Options{
		BaseURL:           active.BaseURL,
		APIKey:            active.APIKey,
		Model:             active.Model,
		MaxTokens:         active.MaxTokens,
		ConnectionTimeout: time.Duration(active.ConnectionTimeout) * time.Second,
		ActivityTimeout:   time.Duration(active.ActivityTimeout) * time.Second,
		RequestTimeout:    time.Duration(active.RequestTimeout) * time.Second,
		MaxRetries:        active.MaxRetries,
	}, log)
	if err != nil {
		return err
	}

	limits := session.Limits{
		ContextWindow:      active.ContextWindow,
		ReserveRatio:       cfg.Session.ReserveRatio,
		NearLimitThreshold: cfg.Session.NearLimitThreshold,
		FullThreshold:      cfg.Session.FullThreshold,
	}
	store, err := session.NewStore(cfg.Session.Dir, limits)
	if err != nil {
		return err
	}

	sess, err := resumeOrCreateSession(store, limits, log)
	if err != nil {
		return err
	}

	catalog, err := tools.NewCatalog(append(discoverTools(), orchestrator.PlanTool()))
	if err != nil {
		return err
	}

	cwd, err := os.Getwd()
	if err != nil {
		return err
	}

	handler := toolcall.New(catalog, localExecutor{}, cwd,
		time.Duration(cfg.Agent.ToolTimeout)*time.Second, log)

	// One turn is in flight at a time, so a single emit slot is enough.
	var emitMu sync.Mutex
	var emitFn func(delta string)

	orch := orchestrator.New(client, sess, store, handler, catalog, orchestrator.Config{
		MaxToolCallRounds: cfg.Agent.MaxToolCallRounds,
		SystemPrompt:      systemPrompt(cfg),
		ProjectTypes:      detectProjectTypes(cwd),
		EnableThinking:    active.EnableThinking,
	}, terminalEvents(func(delta string) {
		emitMu.Lock()
		emit := emitFn
		emitMu.Unlock()
		if emit != nil {
			emit(delta)
		}
	}), log)

	planMode := chatPlanMode || cfg.Agent.PlanModeDefault

	done := make(chan error, 1)
	queue := msgqueue.New(func(ctx context.Context, msg msgqueue.Message, emit func(delta string)) (string, error) {
		emitMu.Lock()
		emitFn = emit
		emitMu.Unlock()
		if chatNoStream {
			return orch.ProcessMessage(ctx, msg.Content, msg.Files, msg.PlanMode)
		}
		return orch.StreamMessage(ctx, msg.Content, msg.Files, msg.PlanMode)
	}, msgqueue.Callbacks{
		OnChunk: func(msg msgqueue.Message, delta string) {
			fmt.Print(delta)
		},
		OnComplete: func(msg msgqueue.Message, response string) {
			if chatNoStream {
				fmt.Println(response)
			} else {
				fmt.Println()
			}
			done <- nil
		},
		OnError: func(msg msgqueue.Message, err error) {
			done <- err
		},
	}, log)

	// Ctrl-C aborts the in-flight turn; partial output stays saved.
	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(interrupts)

	queue.Enqueue(message, chatFiles, planMode)

	select {
	case err := <-done:
		if err != nil {
			return err
		}
	case <-interrupts:
		queue.Stop()
		fmt.Fprintln(os.Stderr, "\nCancelled.")
	}

	return store.SetActive(sess.ID())
}

// readMessage takes the argument, falling back to piped stdin.
func readMessage(args []string) (string, error) {
	if len(args) == 1 && args[0] != "" {
		return args[0], nil
	}
	stat, err := os.Stdin.Stat()
	if err == nil && (stat.Mode()&os.ModeCharDevice) == 0 {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", fmt.Errorf("failed to read stdin: %w", err)
		}
		if msg := strings.TrimSpace(string(data)); msg != "" {
			return msg, nil
		}
	}
	return "", fmt.Errorf("no message given; pass it as an argument or pipe it to stdin")
}

func loadConfigAndLogger() (*config.Loader, *config.Config, *logger.Logger, error) {
	loader := config.NewLoader(cfgFile)
	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	lg, err := logger.New(logger.Config{
		Level: cfg.Logging.Level,
		File:  cfg.Logging.File,
		// Console logging would interleave with the streamed response.
		Console:   false,
		Pretty:    cfg.Logging.Pretty,
		Redaction: cfg.Logging.Redaction,
	})
	if err != nil {
		return nil, nil, nil, err
	}
	return loader, cfg, lg, nil
}

func resumeOrCreateSession(store *session.Store, limits session.Limits, log zerolog.Logger) (*session.Session, error) {
	if !chatNewSession {
		activeID, err := store.ActiveID()
		if err == nil && activeID != "" {
			sess, err := store.Load(context.Background(), activeID)
			if err == nil {
				return sess, nil
			}
			log.Warn().Err(err).Str("session_id", activeID).Msg("Could not resume session, starting fresh")
		}
	}
	return session.New(limits, log), nil
}

// terminalEvents routes streamed deltas through the queue's emit hook so a
// Stop suppresses display and captures partial content in one place.
func terminalEvents(emit func(delta string)) orchestrator.Events {
	return orchestrator.Events{
		OnContent: emit,
		OnToolCall: func(call chat.ToolCall) {
			fmt.Fprintf(os.Stderr, "\n[tool] %s\n", call.Name)
		},
		OnModeChange: func(planMode bool) {
			if planMode {
				fmt.Fprintln(os.Stderr, "[mode] plan")
			} else {
				fmt.Fprintln(os.Stderr, "[mode] action")
			}
		},
	}
}

func systemPrompt(cfg *config.Config) string {
	if cfg.Agent.SystemPrompt != "" {
		return cfg.Agent.SystemPrompt
	}
	return "You are Coda, a terminal coding agent. Use the available tools to " +
		"inspect and modify the user's project, and keep answers short and concrete."
}

// detectProjectTypes inspects marker files in the working directory.
func detectProjectTypes(cwd string) []string {
	markers := map[string]string{
		"go.mod":           "go",
		"package.json":     "node",
		"pom.xml":          "java",
		"build.gradle":     "java",
		"Cargo.toml":       "rust",
		"pyproject.toml":   "python",
		"requirements.txt": "python",
		"CMakeLists.txt":   "c",
	}
	seen := make(map[string]bool)
	var out []string
	for marker, project := range markers {
		if seen[project] {
			continue
		}
		if _, err := os.Stat(cwd + "/" + marker); err == nil {
			seen[project] = true
			out = append(out, project)
		}
	}
	return out
}
