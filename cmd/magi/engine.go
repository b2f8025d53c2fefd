package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/just-every/magi/internal/agent"
	"github.com/just-every/magi/internal/comms"
	"github.com/just-every/magi/internal/config"
	"github.com/just-every/magi/internal/history"
	"github.com/just-every/magi/internal/memory"
	"github.com/just-every/magi/internal/observability"
	"github.com/just-every/magi/internal/overseer"
	"github.com/just-every/magi/internal/process"
	"github.com/just-every/magi/internal/providers"
	"github.com/just-every/magi/pkg/models"
)

func buildEngineCmd(configPath *string) *cobra.Command {
	var (
		testMode bool
		task     string
	)

	cmd := &cobra.Command{
		Use:   "engine",
		Short: "Start a MAGI engine",
		Long: `Start one engine process. Without a task the engine runs the overseer's
monologue loop; with --task (or the MAGI_TASK environment variable, set by
the controller's launcher) it runs a single task agent to completion.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if task == "" {
				task = os.Getenv("MAGI_TASK")
			}
			return runEngine(cmd.Context(), *configPath, testMode, task)
		},
	}
	cmd.Flags().BoolVar(&testMode, "test", false,
		"Disable the controller socket and pretty-print events to stdout")
	cmd.Flags().StringVar(&task, "task", "", "Run one task agent instead of the overseer")
	return cmd
}

// handlerProxy breaks the construction cycle between the comms client and
// the overseer: the client is built first with the proxy, the overseer is
// attached once it exists.
type handlerProxy struct {
	h comms.Handler
}

func (p *handlerProxy) OnProcessEvent(processID string, status models.ProcessStatus, output, errText string) {
	if p.h != nil {
		p.h.OnProcessEvent(processID, status, output, errText)
	}
}

func (p *handlerProxy) OnProjectUpdate(update process.ProjectUpdate) {
	if p.h != nil {
		p.h.OnProjectUpdate(update)
	}
}

func (p *handlerProxy) OnSystemMessage(message string) {
	if p.h != nil {
		p.h.OnSystemMessage(message)
	}
}

func (p *handlerProxy) OnSystemCommand(command string) {
	if p.h != nil {
		p.h.OnSystemCommand(command)
	}
}

func runEngine(ctx context.Context, configPath string, testMode bool, task string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	config.LoadEnv(cfg)
	if testMode {
		cfg.Engine.TestMode = true
	}
	if cfg.Engine.ProcessID == "" {
		cfg.Engine.ProcessID = models.NewProcessID()
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})
	metrics := observability.NewMetrics(nil)

	registry := buildProviders(cfg)
	rotator := agent.NewRotator(cfg.Models, time.Now().UnixNano())
	tracker := agent.NewRunningToolTracker()
	pause := process.NewPauseController()
	runner := agent.NewRunner(registry, rotator, tracker, pause, logger)

	journal, err := comms.OpenJournal(cfg.Controller.OutputDir, cfg.Engine.ProcessID)
	if err != nil {
		return err
	}
	costs := comms.NewCostTracker()
	proxy := &handlerProxy{}
	client := comms.NewClient(cfg.Engine, proxy, journal, costs, logger, metrics)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if task != "" {
		return runTaskEngine(ctx, cfg, runner, client, logger, task)
	}

	supervisor := process.NewSupervisor(cfg.Engine, client, logger, metrics)
	supervisor.SetCore(cfg.Engine.ProcessID)

	var memories *memory.Store
	if path := cfg.Engine.MemoryPath; path != "" {
		memories, err = memory.Open(path)
		if err != nil {
			logger.Warn(ctx, "memory store unavailable", "path", path, "error", err)
		} else {
			defer memories.Close()
		}
	}

	hist := history.NewStore(cfg.Name, cfg.History, summarizerFor(runner, cfg), logger, metrics)
	ov := overseer.New(*cfg, runner, hist, supervisor, pause, memories, client, logger)
	proxy.h = ov

	go func() {
		if err := client.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error(ctx, "controller transport failed", "error", err)
		}
	}()

	logger.Info(ctx, "overseer starting",
		"process_id", cfg.Engine.ProcessID, "name", cfg.Name, "test_mode", cfg.Engine.TestMode)
	err = ov.Run(ctx)

	for _, u := range costs.PerModel() {
		fmt.Fprintf(os.Stderr, "usage %s: input=%d output=%d cached=%d\n",
			u.Model, u.InputTokens, u.OutputTokens, u.CachedTokens)
	}
	if err == context.Canceled {
		return nil
	}
	return err
}

// runTaskEngine executes one task agent to completion and reports the
// terminal status back through the controller socket.
func runTaskEngine(ctx context.Context, cfg *config.Config, runner *agent.Runner, client *comms.Client, logger *observability.Logger, task string) error {
	go client.Run(ctx)

	a := &agent.Agent{
		Name:                     "task",
		Instructions:             "You are a focused task worker. Carry out the assignment completely, then state the outcome.",
		ModelClass:               "standard",
		MaxToolCallRoundsPerTurn: cfg.Engine.MaxToolCallRoundsPerTurn,
	}
	conv := models.NewConversation()
	conv.Append(models.NewMessage(models.RoleUser, task))

	result, err := runner.Run(ctx, a, conv, client.Send)

	status := map[string]any{"status": string(models.StatusCompleted)}
	if err != nil {
		status["status"] = string(models.StatusFailed)
		status["error"] = err.Error()
		logger.Error(ctx, "task failed", "error", err)
	} else if last, ok := result.Last(); ok {
		status["output"] = last.Content
	}
	client.Send(models.NewMetadata("process_status", status))

	// Give the socket a moment to flush before exiting.
	time.Sleep(500 * time.Millisecond)
	return err
}

// buildProviders registers every configured provider under its model
// prefixes.
func buildProviders(cfg *config.Config) *providers.Registry {
	registry := providers.NewRegistry()
	for name, pc := range cfg.Providers {
		switch name {
		case "openai":
			registry.Register(providers.NewOpenAIProvider(pc.APIKey), "gpt-", "o1", "o3", "o4", "chatgpt-")
		case "anthropic":
			registry.Register(providers.NewAnthropicProvider(pc.APIKey, pc.BaseURL), "claude-")
		case "deepseek":
			registry.Register(providers.NewDeepSeekProvider(pc.APIKey), "deepseek-")
		case "grok":
			registry.Register(providers.NewGrokProvider(pc.APIKey), "grok-")
		case "openrouter":
			registry.Register(providers.NewOpenRouterProvider(pc.APIKey, ""), "openrouter/")
		}
	}
	return registry
}

// summarizerFor condenses history batches with the summary model class.
func summarizerFor(runner *agent.Runner, cfg *config.Config) history.Summarizer {
	return func(ctx context.Context, msgs []models.Message) (string, error) {
		var b strings.Builder
		b.WriteString("Condense the following conversation into a compact summary that preserves decisions, open work, and user requests:\n\n")
		for _, m := range msgs {
			switch m.Type {
			case models.TypeFunctionCall:
				fmt.Fprintf(&b, "[tool call] %s(%s)\n", m.Name, m.Arguments)
			case models.TypeFunctionCallOutput:
				fmt.Fprintf(&b, "[tool result] %s: %s\n", m.Name, m.Output)
			default:
				fmt.Fprintf(&b, "[%s] %s\n", m.Role, m.Content)
			}
		}

		a := &agent.Agent{
			Name:                     "summarizer",
			Instructions:             "Summarize faithfully and briefly. Output only the summary text.",
			ModelClass:               cfg.History.SummaryModelClass,
			MaxToolCallRoundsPerTurn: 1,
		}
		conv := models.NewConversation()
		conv.Append(models.NewMessage(models.RoleUser, b.String()))

		out, err := runner.Run(ctx, a, conv, nil)
		if err != nil {
			return "", err
		}
		last, ok := out.Last()
		if !ok || strings.TrimSpace(last.Content) == "" {
			return "", fmt.Errorf("summarizer produced no text")
		}
		return strings.TrimSpace(last.Content), nil
	}
}
