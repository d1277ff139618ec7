package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/mcpkit/internal/config"
	"github.com/fyrsmithlabs/mcpkit/internal/logging"
	"github.com/fyrsmithlabs/mcpkit/pkg/mcp"
	"github.com/fyrsmithlabs/mcpkit/pkg/mcp/registry"
	"github.com/fyrsmithlabs/mcpkit/pkg/mcp/session"
	"github.com/fyrsmithlabs/mcpkit/pkg/mcp/tracker"
	"github.com/fyrsmithlabs/mcpkit/pkg/mcp/validator"
)

var (
	flagTransport  string
	flagConfigPath string
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the demo MCP server",
		Long: `Start a Router preloaded with a sample echo_tool, a greeting
prompt, and a text resource template, serving either Streamable HTTP
(--transport=http, the default) or line-delimited stdio (--transport=stdio).`,
		RunE: runServe,
	}
	cmd.Flags().StringVar(&flagTransport, "transport", "http", `transport to serve: "http" or "stdio"`)
	cmd.Flags().StringVar(&flagConfigPath, "config", "", "YAML config path (default ~/.config/mcpkit/config.yaml)")
	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadWithFile(flagConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := buildLogger(cfg)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	router, err := mcp.NewRouter(mcp.Options{
		Config:        cfg,
		Logger:        logger,
		ServerName:    "mcpkit-demo",
		ServerVersion: version,
		Instructions:  "A demo MCP server exercising mcpkit's echo tool, greeting prompt, and text resource.",
	})
	if err != nil {
		return fmt.Errorf("construct router: %w", err)
	}
	if err := registerDemoCatalog(router); err != nil {
		return fmt.Errorf("register demo catalog: %w", err)
	}
	router.Init()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
		cancel()
	}()

	sweeper := startTrackerSweep(ctx, router.Tracker(), cfg.Tracker.SweepInterval.Duration(), logger)
	defer sweeper.Stop()

	switch flagTransport {
	case "http":
		logger.Info("serving Streamable HTTP", zap.Int("port", cfg.Server.Port))
		return router.ServeHTTP(ctx)
	case "stdio":
		return router.ServeStdio(ctx)
	default:
		return fmt.Errorf("unknown --transport %q (want http or stdio)", flagTransport)
	}
}

// buildLogger wires internal/logging.Config's Level/Format/redaction
// defaults per cfg.Observability, but redirects output off stdout when
// the stdio transport is selected and StdioConfig.Log asks for it
// (spec.md §4.9: "Log output must not touch stdout").
func buildLogger(cfg *config.Config) (*zap.Logger, error) {
	lcfg := logging.NewDefaultConfig()
	lcfg.Fields["service"] = cfg.Observability.ServiceName

	if flagTransport == "stdio" {
		switch cfg.Stdio.Log {
		case "off":
			return zap.NewNop(), nil
		case "stderr", "":
			lcfg.Output.Writer = os.Stderr
		default:
			f, err := os.OpenFile(cfg.Stdio.Log, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
			if err != nil {
				return nil, fmt.Errorf("open stdio.log %s: %w", cfg.Stdio.Log, err)
			}
			lcfg.Output.Writer = f
		}
	}

	log, err := logging.NewLogger(lcfg)
	if err != nil {
		return nil, err
	}
	return log.Underlying(), nil
}

// startTrackerSweep runs the periodic dead-entry GC pass on a cron
// schedule (SPEC_FULL.md §10's "demo binary's scheduled housekeeping"),
// treating a session handle as alive iff it hasn't reached
// session.StateTerminated.
func startTrackerSweep(ctx context.Context, trk *tracker.Tracker, interval time.Duration, log *zap.Logger) *cron.Cron {
	c := cron.New()
	if interval <= 0 {
		interval = time.Minute
	}
	spec := fmt.Sprintf("@every %s", interval)
	_, err := c.AddFunc(spec, func() {
		n := trk.Sweep(isAliveSession)
		if n > 0 {
			log.Debug("tracker sweep removed stale entries", zap.Int("count", n))
		}
	})
	if err != nil {
		log.Warn("tracker sweep not scheduled", zap.Error(err))
		return c
	}
	c.Start()
	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
	}()
	return c
}

func isAliveSession(handle any) bool {
	sess, ok := handle.(*session.Session)
	if !ok {
		return true
	}
	return sess.StateSnapshot() != session.StateTerminated
}

// registerDemoCatalog loads the sample tool/prompt/resource-template that
// back spec.md §8's literal echo_tool and resource-read scenarios.
func registerDemoCatalog(router *mcp.Router) error {
	echoTool := &registry.Tool{
		Name:        "echo_tool",
		Description: "Echoes the message argument back as text content.",
		Schema: map[string]*validator.Field{
			"message": {Name: "message", Kind: validator.KindString, Required: true, MinLength: intPtr(1)},
		},
		Handler: func(params map[string]any) (any, error) {
			return params["message"], nil
		},
	}
	if err := router.RegisterTool(echoTool); err != nil {
		return err
	}

	greeting := &registry.Prompt{
		Name:        "greeting",
		Description: "Produces a greeting for the given name.",
		Schema: map[string]*validator.Field{
			"name": {Name: "name", Kind: validator.KindString, Required: true},
		},
		Handler: func(params map[string]any) (any, error) {
			return fmt.Sprintf("Hello, %v!", params["name"]), nil
		},
	}
	if err := router.RegisterPrompt(greeting); err != nil {
		return err
	}

	textResource := &registry.ResourceTemplate{
		Name:        "text_by_id",
		URITemplate: "test:///text/:id",
		Description: "Reflects the id path parameter as a JSON document.",
		Handler: func(pathParams map[string]string) (any, error) {
			return map[string]any{"id": pathParams["id"]}, nil
		},
	}
	return router.RegisterResourceTemplate(textResource)
}

func intPtr(i int) *int { return &i }
