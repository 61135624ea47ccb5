package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"bizagent/pkg/links"
)

var (
	linkBusinessID  string
	linkSingleUse   bool
	linkMaxUses     int
	linkMaxMinutes  int
	linkExpiresIn   time.Duration
	linkDisplayName string
	linkWelcome     string
)

var linkCmd = &cobra.Command{
	Use:   "link",
	Short: "Manage access links",
	Long: `Create and inspect the access links visitors use to reach an agent.

Examples:
  # A link one visitor can use once, valid for a day
  bizagent link create --business <id> --single-use --expires-in 24h

  # A shared link capped at 100 sessions and 600 minutes
  bizagent link create --business <id> --max-uses 100 --max-minutes 600

  bizagent link list --business <id>
  bizagent link show <id>
  bizagent link cancel <id>`,
}

var linkCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Issue a new access link",
	Run:   runLinkCreate,
}

var linkListCmd = &cobra.Command{
	Use:   "list",
	Short: "List access links",
	Run:   runLinkList,
}

var linkShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show an access link",
	Args:  cobra.ExactArgs(1),
	Run:   runLinkShow,
}

var linkCancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Cancel an active access link",
	Args:  cobra.ExactArgs(1),
	Run:   runLinkCancel,
}

func init() {
	linkCreateCmd.Flags().StringVar(&linkBusinessID, "business", "", "business id (required)")
	linkCreateCmd.Flags().BoolVar(&linkSingleUse, "single-use", false, "issue a single-use link")
	linkCreateCmd.Flags().IntVar(&linkMaxUses, "max-uses", 0, "maximum sessions (multi-use only, 0 = unlimited)")
	linkCreateCmd.Flags().IntVar(&linkMaxMinutes, "max-minutes", 0, "maximum billed minutes (0 = unlimited)")
	linkCreateCmd.Flags().DurationVar(&linkExpiresIn, "expires-in", 0, "lifetime of the link (0 = never expires)")
	linkCreateCmd.Flags().StringVar(&linkDisplayName, "display-name", "", "visitor name shown to the agent")
	linkCreateCmd.Flags().StringVar(&linkWelcome, "welcome", "", "welcome message override")
	_ = linkCreateCmd.MarkFlagRequired("business")

	linkListCmd.Flags().StringVar(&linkBusinessID, "business", "", "only links of this business")

	linkCmd.AddCommand(linkCreateCmd, linkListCmd, linkShowCmd, linkCancelCmd)
	rootCmd.AddCommand(linkCmd)
}

func runLinkCreate(cmd *cobra.Command, args []string) {
	s := openStores()
	defer s.Close()
	ctx := context.Background()

	if _, err := s.businesses.Get(ctx, linkBusinessID); err != nil {
		fail("business %s: %v", linkBusinessID, err)
	}

	input := links.CreateInput{BusinessID: linkBusinessID, Type: links.TypeMultiUse}
	if linkSingleUse {
		input.Type = links.TypeSingleUse
	}
	if linkMaxUses > 0 {
		input.MaxUses = &linkMaxUses
	}
	if linkMaxMinutes > 0 {
		input.MaxMinutes = &linkMaxMinutes
	}
	if linkExpiresIn > 0 {
		expires := time.Now().Add(linkExpiresIn)
		input.ExpiresAt = &expires
	}
	settings := map[string]any{}
	if linkDisplayName != "" {
		settings[links.SettingDisplayName] = linkDisplayName
	}
	if linkWelcome != "" {
		settings[links.SettingWelcomeMessage] = linkWelcome
	}
	if len(settings) > 0 {
		input.Settings = settings
	}

	link, err := s.links.Create(ctx, input)
	if err != nil {
		fail("%v", err)
	}
	printYAML(link)
}

func runLinkList(cmd *cobra.Command, args []string) {
	s := openStores()
	defer s.Close()

	list, err := s.links.List(context.Background(), linkBusinessID)
	if err != nil {
		fail("%v", err)
	}
	if len(list) == 0 {
		fmt.Println("No access links.")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tSTATUS\tUSES\tMINUTES\tEXPIRES")
	for _, l := range list {
		expires := "-"
		if l.ExpiresAt != nil {
			expires = l.ExpiresAt.Local().Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			l.ID, l.Type, l.Status,
			limitString(l.CurrentUses, l.MaxUses),
			limitString(l.MinutesUsed, l.MaxMinutes),
			expires)
	}
	_ = w.Flush()
}

func runLinkShow(cmd *cobra.Command, args []string) {
	s := openStores()
	defer s.Close()

	link, err := s.links.Get(context.Background(), args[0])
	if err != nil {
		fail("%v", err)
	}
	printYAML(link)
}

func runLinkCancel(cmd *cobra.Command, args []string) {
	s := openStores()
	defer s.Close()

	link, err := s.links.Cancel(context.Background(), args[0])
	if err != nil {
		fail("%v", err)
	}
	fmt.Printf("Link %s cancelled.\n", link.ID)
}

func limitString(used int, limit *int) string {
	if limit == nil {
		return fmt.Sprintf("%d", used)
	}
	return fmt.Sprintf("%d/%d", used, *limit)
}
