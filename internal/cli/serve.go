package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nghyane/llm-rotor/internal/api"
	"github.com/nghyane/llm-rotor/internal/bootstrap"
	"github.com/nghyane/llm-rotor/internal/logging"
	log "github.com/nghyane/llm-rotor/internal/logging"
)

// shutdownGrace bounds the drain of in-flight requests after SIGINT/SIGTERM.
const shutdownGrace = 10 * time.Second

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the llm-rotor server",
	Long: `Start the rotating proxy server.

Loads .env and the config file, discovers credentials, and serves the
OpenAI-compatible API until interrupted.`,
	Run: func(c *cobra.Command, args []string) {
		runServe()
	},
}

func runServe() {
	cfg := loadConfig()
	if servePort != 0 {
		cfg.Port = servePort
	}
	logging.Init(logging.Options{Level: cfg.LogLevel, FilePath: cfg.LogFile})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine, err := bootstrap.Build(ctx, cfg)
	if err != nil {
		log.Fatalf("bootstrap failed: %v", err)
	}
	server := api.New(cfg, engine)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return engine.Run(ctx) })
	g.Go(server.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return server.Stop(shutCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("server exited: %v", err)
	}
	log.Info("shutdown complete")
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "server port (overrides config)")
	rootCmd.AddCommand(serveCmd)
}
