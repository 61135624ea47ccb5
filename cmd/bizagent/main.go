// Package main is the entry point for the bizagent CLI.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/fx"

	"bizagent/pkg/agent"
	"bizagent/pkg/bus"
	"bizagent/pkg/business"
	"bizagent/pkg/config"
	"bizagent/pkg/conversation"
	"bizagent/pkg/cron"
	"bizagent/pkg/gateway"
	"bizagent/pkg/links"
	"bizagent/pkg/logger"
	"bizagent/pkg/session"
	"bizagent/pkg/storage"
	"bizagent/pkg/version"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "bizagent",
	Short: "bizagent - realtime conversational agents for businesses",
	Long: `bizagent serves conversational agents to visitors through shareable
access links. Visitors talk to the agent over SSE or a socket connection;
operators manage businesses, links and conversations from the admin API or
this CLI.`,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.GetFullVersion())
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")

	rootCmd.AddCommand(versionCmd)
}

// serverModules is the full application graph used by serve and the service runner.
func serverModules() fx.Option {
	return fx.Options(
		fx.Supply(config.Path(configPath)),

		// Core modules
		config.Module,
		logger.Module,
		storage.Module,
		cron.Module,
		bus.Module,

		// Domain modules
		business.Module,
		links.Module,
		conversation.Module,
		agent.Module,
		session.Module,

		// Transport
		gateway.Module,
	)
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
