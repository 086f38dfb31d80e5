// taskmesh is the task orchestration and model routing engine daemon plus a
// small client CLI for poking at a running instance.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mkrader/taskmesh/internal/bus"
	"github.com/mkrader/taskmesh/internal/cache"
	"github.com/mkrader/taskmesh/internal/config"
	"github.com/mkrader/taskmesh/internal/data"
	"github.com/mkrader/taskmesh/internal/feedback"
	"github.com/mkrader/taskmesh/internal/llm"
	"github.com/mkrader/taskmesh/internal/logging"
	"github.com/mkrader/taskmesh/internal/pipeline"
	"github.com/mkrader/taskmesh/internal/router"
	"github.com/mkrader/taskmesh/internal/server"
	"github.com/mkrader/taskmesh/internal/swarm"
	"github.com/mkrader/taskmesh/internal/task"
	"github.com/mkrader/taskmesh/pkg/types"
)

var (
	version = "0.1.0"
	cfgPath string
	apiURL  string
	verbose bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "taskmesh",
		Short: "Task orchestration and model routing engine",
		Long: `taskmesh coordinates a pool of specialized agents executing tasks
against local and remote language models. It routes generation requests
through a reasoning-then-generation pipeline with caching and fallback,
and records outcomes for later evaluation.

Run the engine:      taskmesh serve
Submit a task:       taskmesh submit --title "..." --description "..."
List tasks:          taskmesh tasks
List agents:         taskmesh agents`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config file path (default ~/.taskmesh/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&apiURL, "api", "http://127.0.0.1:8420", "base URL of a running engine (client commands)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("taskmesh v%s\n", version)
		},
	})

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(submitCmd())
	rootCmd.AddCommand(tasksCmd())
	rootCmd.AddCommand(agentsCmd())
	rootCmd.AddCommand(modelsCmd())
	rootCmd.AddCommand(configCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	if cfgPath != "" {
		return config.LoadFromPath(cfgPath)
	}
	return config.Load()
}

func setupLogging(cfg *config.Config) {
	level := cfg.Logging.Level
	if verbose {
		level = "debug"
	}
	logging.Setup(logging.Config{Level: level, JSON: cfg.Logging.JSON})
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestration engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			setupLogging(cfg)
			log := logging.For("main")

			store, err := data.Open(config.ExpandPath(cfg.Data.Dir))
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer store.Close()

			events := bus.NewWithHistory(256)
			defer events.Close()

			var providers []llm.Provider
			if cfg.Providers.Ollama.Enabled {
				pc := llm.DefaultConfig("ollama")
				if cfg.Providers.Ollama.Endpoint != "" {
					pc.Endpoint = cfg.Providers.Ollama.Endpoint
				}
				providers = append(providers, llm.NewOllamaProvider(pc))
			}
			if cfg.Providers.OpenAI.Enabled {
				pc := llm.DefaultConfig("openai")
				if cfg.Providers.OpenAI.Endpoint != "" {
					pc.Endpoint = cfg.Providers.OpenAI.Endpoint
				}
				pc.APIKey = cfg.Providers.OpenAI.APIKey
				providers = append(providers, llm.NewOpenAIProvider(pc))
			}
			if len(providers) == 0 {
				log.Warn().Msg("no model providers enabled, routing will fail until one is configured")
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			registry := llm.NewRegistry(cfg.Providers.HealthInterval, providers...)
			registry.Start(ctx)

			resultCache, err := cache.New(cfg.Router.CacheSize)
			if err != nil {
				return fmt.Errorf("build cache: %w", err)
			}

			routes := router.New(registry, resultCache,
				router.WithRequestTimeout(cfg.Router.RequestTimeout),
				router.WithRetryBackoff(cfg.Router.RetryBackoff),
				router.WithTTLs(cfg.Router.CacheTTLShort, cfg.Router.CacheTTLLong),
				router.WithBus(events),
			)

			pipe := pipeline.New(routes, pipeline.Config{
				ReasoningModel:  cfg.Pipeline.ReasoningModel,
				GenerationModel: cfg.Pipeline.GenerationModel,
			})

			recorder := feedback.NewRecorder(store, events, cfg.Feedback.BufferSize)
			defer recorder.Close()

			tasks := task.NewManager(store, events)
			agents := swarm.NewManager(tasks, events,
				swarm.WithStore(store),
				swarm.WithRecorder(recorder),
				swarm.WithExecutor(pipelineExecutor(pipe)),
			)
			agents.Start()
			defer agents.Close()

			srv := server.New(cfg.Server.Listen, tasks, agents, routes, recorder, events)

			errc := make(chan error, 1)
			go func() { errc <- srv.ListenAndServe() }()

			log.Info().Str("version", version).Str("listen", cfg.Server.Listen).Msg("taskmesh started")

			select {
			case err := <-errc:
				return err
			case <-ctx.Done():
			}

			log.Info().Msg("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
}

// pipelineExecutor runs assigned tasks through the two-stage pipeline.
// Outcome recording happens once, in the swarm manager, when the
// assignment completes.
func pipelineExecutor(pipe *pipeline.Pipeline) swarm.Executor {
	return swarm.ExecutorFunc(func(ctx context.Context, agent *types.Agent, t *types.Task) (swarm.Outcome, error) {
		prompt := t.Title
		if t.Description != "" {
			prompt += "\n\n" + t.Description
		}
		start := time.Now()
		result, err := pipe.Run(ctx, prompt)
		latency := time.Since(start)

		modelID := ""
		if result != nil {
			modelID = result.GenerationModelID
			if modelID == "" {
				modelID = result.ReasoningModelID
			}
		}
		if modelID == "" {
			modelID = agent.ModelID
		}

		if err != nil {
			return swarm.Outcome{Success: false, Reason: err.Error(), ModelID: modelID, Latency: latency}, nil
		}
		return swarm.Outcome{Success: true, Result: result.Content, ModelID: modelID, Latency: latency}, nil
	})
}

func submitCmd() *cobra.Command {
	var (
		title       string
		description string
		priority    string
		due         time.Duration
		tags        []string
		agentHint   string
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a task to a running engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			draft := map[string]any{
				"title":       title,
				"description": description,
				"priority":    priority,
				"due_date":    time.Now().Add(due).Format(time.RFC3339),
				"tags":        tags,
				"agent_hint":  agentHint,
			}
			var created types.Task
			if err := postJSON(apiURL+"/api/tasks", draft, &created); err != nil {
				return err
			}
			fmt.Printf("submitted %s (%s)\n", created.ID, created.Status)
			return nil
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "task title (required)")
	cmd.Flags().StringVar(&description, "description", "", "task description (required)")
	cmd.Flags().StringVar(&priority, "priority", "medium", "low, medium, or high")
	cmd.Flags().DurationVar(&due, "due", 24*time.Hour, "time until the task is due")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "required agent capability (repeatable)")
	cmd.Flags().StringVar(&agentHint, "agent", "", "preferred agent id")
	cmd.MarkFlagRequired("title")
	cmd.MarkFlagRequired("description")
	return cmd
}

func tasksCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List tasks on a running engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			url := apiURL + "/api/tasks"
			if status != "" {
				url += "?status=" + status
			}
			var tasks []types.Task
			if err := getJSON(url, &tasks); err != nil {
				return err
			}
			if len(tasks) == 0 {
				fmt.Println("no tasks")
				return nil
			}
			for _, t := range tasks {
				agent := t.AssignedAgentID
				if agent == "" {
					agent = "-"
				}
				fmt.Printf("%-36s  %-9s  %-6s  %-12s  %s\n", t.ID, t.Status, t.Priority, agent, t.Title)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	return cmd
}

func agentsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "List registered agents on a running engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			var agents []types.Agent
			if err := getJSON(apiURL+"/api/agents", &agents); err != nil {
				return err
			}
			if len(agents) == 0 {
				fmt.Println("no agents")
				return nil
			}
			for _, a := range agents {
				fmt.Printf("%-36s  %-8s  %-12s  %s\n", a.ID, a.Status, a.Name, strings.Join(a.Capabilities, ","))
			}
			return nil
		},
	}
}

func modelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List models known to a running engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			var models []types.ModelDescriptor
			if err := getJSON(apiURL+"/api/models", &models); err != nil {
				return err
			}
			for _, m := range models {
				avail := "down"
				if m.IsAvailable {
					avail = "up"
				}
				fmt.Printf("%-32s  %-14s  %-4s\n", m.ID, m.Provider, avail)
			}
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := cfgPath
			if path == "" {
				path = config.ExpandPath("~/.taskmesh/config.yaml")
			}
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("config already exists at %s", path)
			}
			if err := config.Save(path, config.Default()); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(cfg, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	})
	return cmd
}

func getJSON(url string, out any) error {
	resp, err := http.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return apiError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func postJSON(url string, in, out any) error {
	raw, err := json.Marshal(in)
	if err != nil {
		return err
	}
	resp, err := http.Post(url, "application/json", strings.NewReader(string(raw)))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return apiError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func apiError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && body.Error != "" {
		return fmt.Errorf("%s: %s", resp.Status, body.Error)
	}
	return fmt.Errorf("request failed: %s", resp.Status)
}
