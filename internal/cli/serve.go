package cli

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dify2openai/difybridge/internal/bootstrap"
	log "github.com/dify2openai/difybridge/internal/logging"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway server",
	Long: `Start the difybridge HTTP server.

Loads the model-mapping configuration, starts the session sweeper and the
optional usage backend, and serves the OpenAI-compatible API until
interrupted.`,
	Run: func(c *cobra.Command, args []string) {
		configPath := cfgFile
		if configPath == "" {
			configPath = "config.yaml"
		}

		app, err := bootstrap.Bootstrap(bootstrap.Options{
			ConfigPath:   configPath,
			PortOverride: servePort,
		})
		if err != nil {
			log.Fatalf("failed to bootstrap: %v", err)
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := app.Run(ctx); err != nil {
			log.Fatalf("server error: %v", err)
		}
	},
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "override the configured port")
	rootCmd.AddCommand(serveCmd)
}
