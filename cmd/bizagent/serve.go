package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"bizagent/pkg/config"
	"bizagent/pkg/logger"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the agent gateway",
	Long: `Start the bizagent gateway: the SSE and socket agent transports, the
admin API and the maintenance jobs.

It can run in foreground mode or be installed as a system service.

Examples:
  # Run in foreground (default)
  bizagent serve

  # Install as system service (requires sudo/admin privileges)
  sudo bizagent serve install

  # Control the service
  sudo bizagent serve start
  sudo bizagent serve stop
  sudo bizagent serve restart
  sudo bizagent serve status

  # Uninstall the service
  sudo bizagent serve uninstall`,
	Run: func(cmd *cobra.Command, args []string) {
		runServeForeground()
	},
}

var serveRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the gateway in foreground or as service",
	Long:  `Run the gateway. When installed as a service, this is called automatically.`,
	Run:   runServeRun,
}

func serviceCommand(use, short string, action func() error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Run: func(cmd *cobra.Command, args []string) {
			if err := action(); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				fmt.Fprintln(os.Stderr, "\nNote: managing system services requires administrator privileges.")
				os.Exit(1)
			}
		},
	}
}

func init() {
	serveCmd.AddCommand(serveRunCmd)
	serveCmd.AddCommand(serviceCommand("install", "Install the gateway as system service", InstallService))
	serveCmd.AddCommand(serviceCommand("uninstall", "Uninstall the gateway service", UninstallService))
	serveCmd.AddCommand(serviceCommand("start", "Start the gateway service", StartService))
	serveCmd.AddCommand(serviceCommand("stop", "Stop the gateway service", StopService))
	serveCmd.AddCommand(serviceCommand("restart", "Restart the gateway service", RestartService))
	serveCmd.AddCommand(serviceCommand("status", "Check the gateway service status", StatusService))

	rootCmd.AddCommand(serveCmd)
}

// runServeRun runs the gateway (called by service or manually).
func runServeRun(cmd *cobra.Command, args []string) {
	isService := os.Getenv("INVOCATION_ID") != "" || // systemd
		os.Getenv("_") == "/bin/launchd" || // launchd
		os.Getenv("SERVICE_NAME") != "" // Windows service

	if isService {
		if err := RunService(); err != nil {
			fmt.Fprintf(os.Stderr, "Error running service: %v\n", err)
			os.Exit(1)
		}
		return
	}
	runServeForeground()
}

// runServeForeground runs the gateway until SIGINT/SIGTERM.
func runServeForeground() {
	app := fx.New(
		serverModules(),
		fx.Invoke(func(lc fx.Lifecycle, log *logger.Logger, cfg *config.Config) {
			lc.Append(fx.Hook{
				OnStart: func(ctx context.Context) error {
					log.Info("Gateway started",
						zap.String("mode", "foreground"),
						zap.String("host", cfg.Gateway.Host),
						zap.Int("port", cfg.Gateway.Port))
					log.Info("Press Ctrl+C to stop")
					return nil
				},
			})
		}),
		fx.NopLogger,
	)

	// Run blocks until a shutdown signal arrives.
	app.Run()
}
