package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"bizagent/pkg/business"
)

var (
	businessDescription string
	businessTimezone    string
	businessWelcome     string
	businessAgentName   string
)

var businessCmd = &cobra.Command{
	Use:   "business",
	Short: "Manage businesses",
}

var businessCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Register a business",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		s := openStores()
		defer s.Close()

		settings := map[string]any{}
		if businessWelcome != "" {
			settings[business.SettingWelcomeMessage] = businessWelcome
		}
		if businessAgentName != "" {
			settings[business.SettingAgentName] = businessAgentName
		}
		biz, err := s.businesses.Create(context.Background(), business.CreateInput{
			Name:        args[0],
			Description: businessDescription,
			Timezone:    businessTimezone,
			Settings:    settings,
		})
		if err != nil {
			fail("%v", err)
		}
		printYAML(biz)
	},
}

var businessListCmd = &cobra.Command{
	Use:   "list",
	Short: "List businesses",
	Run: func(cmd *cobra.Command, args []string) {
		s := openStores()
		defer s.Close()

		list, err := s.businesses.List(context.Background())
		if err != nil {
			fail("%v", err)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tTIMEZONE")
		for _, b := range list {
			fmt.Fprintf(w, "%s\t%s\t%s\n", b.ID, b.Name, b.Timezone)
		}
		_ = w.Flush()
	},
}

func init() {
	businessCreateCmd.Flags().StringVar(&businessDescription, "description", "", "short description")
	businessCreateCmd.Flags().StringVar(&businessTimezone, "timezone", "", "IANA timezone, e.g. Europe/Madrid")
	businessCreateCmd.Flags().StringVar(&businessWelcome, "welcome", "", "welcome message")
	businessCreateCmd.Flags().StringVar(&businessAgentName, "agent-name", "", "name the agent introduces itself with")

	businessCmd.AddCommand(businessCreateCmd, businessListCmd)
	rootCmd.AddCommand(businessCmd)
}
