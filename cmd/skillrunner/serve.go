package main

import (
	"context"
	"os"

	"github.com/jingkaihe/skillrunner/pkg/logger"
	"github.com/jingkaihe/skillrunner/pkg/presenter"
	"github.com/jingkaihe/skillrunner/pkg/server"
	"github.com/spf13/cobra"
)

// ServeConfig holds configuration for the serve command
type ServeConfig struct {
	Host string
	Port int
}

// NewServeConfig creates a new ServeConfig with default values
func NewServeConfig() *ServeConfig {
	return &ServeConfig{
		Host: "localhost",
		Port: 8080,
	}
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve skill execution over HTTP",
	Long: `Start an HTTP server that lists and executes skills. The server also runs
the periodic cache reclaim loop and, when cleanup.watch is set, reclaims by
size as soon as new cache entries are written.`,
	Run: func(cmd *cobra.Command, _ []string) {
		ctx := cmd.Context()
		serveConfig := getServeConfigFromFlags(cmd)

		a, err := newApp(ctx, cfg)
		if err != nil {
			presenter.Error(err, "Failed to initialize")
			os.Exit(1)
		}

		srv, err := server.New(&server.Config{
			Host: serveConfig.Host,
			Port: serveConfig.Port,
		}, a.executor, a.executor.Discovery())
		if err != nil {
			presenter.Error(err, "Failed to create server")
			os.Exit(1)
		}

		serverCtx, stopServer := context.WithCancel(ctx)
		done := make(chan error, 1)

		a.arm(shutdownStep{
			name: "server",
			fn: func(shutdownCtx context.Context) error {
				stopServer()
				select {
				case err := <-done:
					return err
				case <-shutdownCtx.Done():
					return shutdownCtx.Err()
				}
			},
		})
		defer a.cleanup.RecoverAndExit(ctx)

		stop := a.cleanup.HandleSignals(ctx)
		defer stop()

		a.cleanup.Start(serverCtx)
		if cfg.Cleanup.Watch {
			go func() {
				if err := a.cleanup.Watch(serverCtx, 0); err != nil {
					logger.G(ctx).WithError(err).Warn("cache watcher stopped")
				}
			}()
		}

		go func() {
			done <- srv.Start(serverCtx)
		}()

		select {
		case err := <-done:
			// The server stopped on its own; hand the result back for the shutdown handler.
			done <- err
			if err != nil {
				presenter.Error(err, "Server error")
				a.exit(ctx, 1)
			}
		case <-serverCtx.Done():
		}
		a.exit(ctx, 0)
	},
}

func init() {
	defaults := NewServeConfig()
	serveCmd.Flags().String("host", defaults.Host, "Host to bind the server to")
	serveCmd.Flags().IntP("port", "p", defaults.Port, "Port to bind the server to")
}

func getServeConfigFromFlags(cmd *cobra.Command) *ServeConfig {
	config := NewServeConfig()

	if host, err := cmd.Flags().GetString("host"); err == nil {
		config.Host = host
	}
	if port, err := cmd.Flags().GetInt("port"); err == nil {
		config.Port = port
	}

	return config
}
