package commands

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/statengine/statmcp/internal/app"
	"github.com/statengine/statmcp/internal/logging"
	"github.com/statengine/statmcp/internal/server"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the statmcp HTTP server",
	Long: `Start statmcp as a server exposing the session and tool API over HTTP,
with an SSE event stream for session lifecycle events.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Port to listen on (overrides configuration)")
}

func runServe(cmd *cobra.Command, args []string) error {
	directory, err := getWorkDir()
	if err != nil {
		return err
	}
	if logLevel != "" {
		os.Setenv("STATMCP_LOG_LEVEL", logLevel)
	}

	ctx := cmd.Context()
	a, err := app.New(ctx, directory)
	if err != nil {
		return err
	}

	serverConfig := server.DefaultConfig()
	serverConfig.Port = a.Config.Server.Port
	serverConfig.EnableCORS = a.Config.Server.EnableCORS
	if servePort != 0 {
		serverConfig.Port = servePort
	}

	srv := server.New(serverConfig, a.Dispatcher, a.Pool, a.Guard, a.Bus)

	go func() {
		logging.Info().Int("port", serverConfig.Port).Msg("server listening")
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logging.Info().Msg("shutting down")

	// Stop intake first so draining sessions see no new work.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Warn().Err(err).Msg("server shutdown")
	}

	a.Shutdown()
	logging.Info().Msg("stopped")
	return nil
}
