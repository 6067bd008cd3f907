// ============================================================================
// railhub CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: cobra front end over a hub.Hub
//
// Command Structure:
//   railhub                        # Root command
//   ├── --config, -c               # yaml or toml config file (optional)
//   ├── run                        # Serve the proxy, the control API and gRPC health
//   │   └── --log-level            # debug|info|warn|error
//   ├── enqueue                    # Queue an action for replay
//   │   ├── --type, -t
//   │   ├── --payload, -p          # inline JSON
//   │   └── --file, -f             # JSON array of {"type", "payload"}
//   ├── drain                      # Replay the pending queue now
//   ├── refresh                    # Poll the train status feed once
//   ├── status                     # Cache state, queue depth, generations
//   └── generations                # Stored cache generations
//
// Store access:
//   Every command except run opens the store directly. The leveldb driver
//   locks its directory, so stop a running `railhub run` first.
//
// Signal Handling:
//   run stops on SIGINT or SIGTERM: HTTP and gRPC shut down, background
//   loops exit, revalidations settle and the store is closed.
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/railhub/internal/config"
	"github.com/ChuLiYu/railhub/internal/hub"
	"github.com/ChuLiYu/railhub/internal/metrics"
	"github.com/ChuLiYu/railhub/internal/server"
)

var configFile string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "railhub",
		Short: "railhub: offline cache and action replay for the Railway Innovation Hub",
		Long: `railhub sits between the dashboard and its origin:
- versioned cache generations with per-request strategies
- a durable queue of actions replayed when connectivity returns
- train status notifications`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path (.yaml, .yml or .toml)")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildEnqueueCommand())
	rootCmd.AddCommand(buildDrainCommand())
	rootCmd.AddCommand(buildRefreshCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildGenerationsCommand())

	return rootCmd
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand() *cobra.Command {
	var logLevel string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the railhub proxy",
		Long:  "Install and activate the cache generation, then serve the page-facing HTTP API until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runSystem(ctx, logLevel)
		},
	}

	cmd.Flags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error (overrides log.level)")
	return cmd
}

func runSystem(ctx context.Context, logLevel string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if logLevel == "" {
		logLevel = cfg.Log.Level
	}
	if err := setupLogging(logLevel); err != nil {
		return err
	}

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector()
	}

	h, err := hub.New(cfg, hub.Options{Metrics: collector})
	if err != nil {
		return fmt.Errorf("failed to create hub: %w", err)
	}
	defer h.Stop()

	if err := h.Start(ctx); err != nil {
		return fmt.Errorf("failed to start hub: %w", err)
	}

	srv := server.NewServer(h)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return srv.ListenAndServe(gctx, cfg.Server.Listen)
	})

	if cfg.GRPC.Port > 0 {
		lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.GRPC.Port))
		if err != nil {
			return fmt.Errorf("failed to listen on port %d: %w", cfg.GRPC.Port, err)
		}
		g.Go(func() error {
			return srv.ServeGRPC(gctx, lis)
		})
	}

	if cfg.Metrics.Enabled {
		go func() {
			slog.Info("starting metrics server", "port", cfg.Metrics.Port)
			if err := metrics.StartServer(cfg.Metrics.Port); err != nil {
				slog.Error("metrics server error", "error", err)
			}
		}()
	}

	slog.Info("railhub started", "listen", cfg.Server.Listen, "origin", cfg.Server.Origin, "version", cfg.Cache.Version)
	err = g.Wait()
	slog.Info("received shutdown signal, stopping gracefully...")
	return err
}

func setupLogging(level string) error {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l})))
	return nil
}

// ============================================================================
// enqueue
// ============================================================================

type actionInput struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func buildEnqueueCommand() *cobra.Command {
	var actionType, payload, file string

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Queue actions for replay",
		Long:  "Queue one action (--type/--payload) or every action in a JSON file (--file)",
		RunE: func(cmd *cobra.Command, args []string) error {
			var inputs []actionInput
			switch {
			case file != "":
				var err error
				if inputs, err = readActions(file); err != nil {
					return err
				}
			case actionType != "":
				inputs = []actionInput{{Type: actionType, Payload: json.RawMessage(payload)}}
			default:
				return errors.New("either --type or --file is required")
			}
			return enqueueActions(cmd.Context(), cmd.OutOrStdout(), inputs)
		},
	}

	cmd.Flags().StringVarP(&actionType, "type", "t", "", "action type, e.g. book_ticket or track_train")
	cmd.Flags().StringVarP(&payload, "payload", "p", "", "action payload as JSON")
	cmd.Flags().StringVarP(&file, "file", "f", "", "JSON file containing an array of actions")
	return cmd
}

func readActions(path string) ([]actionInput, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read action file: %w", err)
	}
	var inputs []actionInput
	if err := json.Unmarshal(data, &inputs); err != nil {
		return nil, fmt.Errorf("failed to parse action file: %w", err)
	}
	return inputs, nil
}

func enqueueActions(ctx context.Context, out io.Writer, inputs []actionInput) error {
	h, err := openHub()
	if err != nil {
		return err
	}
	defer h.Stop()

	for _, in := range inputs {
		id, err := h.Queue.Enqueue(ctx, in.Type, in.Payload)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "queued %s #%s\n", in.Type, id)
	}
	fmt.Fprintf(out, "%d action(s) queued\n", len(inputs))
	return nil
}

// ============================================================================
// drain / refresh
// ============================================================================

func buildDrainCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Replay every pending action now",
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := openHub()
			if err != nil {
				return err
			}
			defer h.Stop()

			res, err := h.Drain(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "succeeded: %d\n", len(res.Succeeded))
			fmt.Fprintf(out, "failed:    %d\n", len(res.Failed))
			for _, id := range res.Failed {
				fmt.Fprintf(out, "  #%s: %s\n", id, res.Errors[id])
			}
			return nil
		},
	}
}

func buildRefreshCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Poll the train status feed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := openHub()
			if err != nil {
				return err
			}
			defer h.Stop()

			n, err := h.Monitor.Refresh(cmd.Context(), nil)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d train(s) with important updates\n", n)
			return nil
		},
	}
}

// ============================================================================
// status / generations
// ============================================================================

func buildStatusCommand() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show cache and queue status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus(cmd.Context(), cmd.OutOrStdout(), asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print status as JSON")
	return cmd
}

func showStatus(ctx context.Context, out io.Writer, asJSON bool) error {
	h, err := openHub()
	if err != nil {
		return err
	}
	defer h.Stop()

	st, err := h.Status(ctx)
	if err != nil {
		return err
	}
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	}

	cfg := h.Config()
	fmt.Fprintln(out, "╔═══════════════════════════════════════════════════════════╗")
	fmt.Fprintln(out, "║           railhub Status                                  ║")
	fmt.Fprintln(out, "╚═══════════════════════════════════════════════════════════╝")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "📋 Configuration:")
	fmt.Fprintf(out, "  ├─ Config File:  %s\n", orDefault(configFile, "(defaults)"))
	fmt.Fprintf(out, "  ├─ Origin:       %s\n", cfg.Server.Origin)
	fmt.Fprintf(out, "  └─ Store:        %s at %s\n", cfg.Store.Driver, cfg.Store.Path)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "📊 Queue:")
	fmt.Fprintf(out, "  └─ ⏳ Pending:   %d\n", st.Pending)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "💾 Cache:")
	fmt.Fprintf(out, "  ├─ Version:      %s\n", st.Version)
	fmt.Fprintf(out, "  └─ Generations:  %d\n", len(st.Generations))
	fmt.Fprintln(out)
	fmt.Fprintln(out, "📡 Metrics:")
	if cfg.Metrics.Enabled {
		fmt.Fprintf(out, "  └─ Status: ✅ Enabled on http://localhost:%d/metrics\n", cfg.Metrics.Port)
	} else {
		fmt.Fprintln(out, "  └─ Status: ⚠️  Disabled")
	}
	return nil
}

func buildGenerationsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "generations",
		Short: "List stored cache generations",
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := openHub()
			if err != nil {
				return err
			}
			defer h.Stop()

			gens, err := h.Cache.Generations(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, g := range gens {
				mark := " "
				if g.Current {
					mark = "*"
				}
				fmt.Fprintf(out, "%s %-32s %d\n", mark, g.Name, g.Entries)
			}
			if len(gens) == 0 {
				fmt.Fprintln(out, "no generations stored")
			}
			return nil
		},
	}
}

// Helpers

func openHub() (*hub.Hub, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	h, err := hub.New(cfg, hub.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to create hub: %w", err)
	}
	return h, nil
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
