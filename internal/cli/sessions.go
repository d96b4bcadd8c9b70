package cli

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mirelabs/coda/pkg/chat"
	"github.com/mirelabs/coda/pkg/session"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Manage saved sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List saved sessions",
	RunE:  runSessionsList,
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print a session transcript",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsShow,
}

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a saved session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsDelete,
}

var sessionsSwitchCmd = &cobra.Command{
	Use:   "switch <id>",
	Short: "Make a session the one chat resumes",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsSwitch,
}

func init() {
	sessionsCmd.AddCommand(sessionsListCmd, sessionsShowCmd, sessionsDeleteCmd, sessionsSwitchCmd)
	rootCmd.AddCommand(sessionsCmd)
}

func openStore() (*session.Store, error) {
	_, cfg, lg, err := loadConfigAndLogger()
	if err != nil {
		return nil, err
	}
	defer lg.Close()

	active := cfg.ActiveProvider()
	return session.NewStore(cfg.Session.Dir, session.Limits{
		ContextWindow:      active.ContextWindow,
		ReserveRatio:       cfg.Session.ReserveRatio,
		NearLimitThreshold: cfg.Session.NearLimitThreshold,
		FullThreshold:      cfg.Session.FullThreshold,
	})
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	entries, err := store.List()
	if err != nil {
		return err
	}
	activeID, _ := store.ActiveID()

	if len(entries) == 0 {
		fmt.Println("No saved sessions.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tMESSAGES\tUPDATED\tTITLE")
	for _, entry := range entries {
		marker := ""
		if entry.ID == activeID {
			marker = " *"
		}
		fmt.Fprintf(w, "%s%s\t%d\t%s\t%s\n",
			entry.ID, marker, entry.MessageCount,
			entry.UpdatedAt.Format("2006-01-02 15:04"), entry.Title)
	}
	return w.Flush()
}

func runSessionsShow(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	sess, err := store.Load(context.Background(), args[0])
	if err != nil {
		return err
	}

	for _, msg := range sess.History() {
		switch msg.Role {
		case chat.RoleUser:
			fmt.Printf("> %s\n\n", msg.Content)
		case chat.RoleAssistant:
			if msg.Content != "" {
				fmt.Printf("%s\n\n", msg.Content)
			}
			for _, call := range msg.ToolCalls {
				fmt.Printf("[tool call] %s %s\n", call.Name, call.Arguments)
			}
		case chat.RoleTool:
			summary := msg.Content
			if idx := strings.IndexByte(summary, '\n'); idx >= 0 {
				summary = summary[:idx]
			}
			fmt.Printf("[tool result] %s\n\n", summary)
		}
	}

	status := sess.Status()
	fmt.Printf("-- %d messages, ~%d tokens used\n", status.MessageCount, status.UsedTokens)
	return nil
}

func runSessionsDelete(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	if err := store.Delete(context.Background(), args[0]); err != nil {
		return err
	}
	fmt.Printf("Deleted %s\n", args[0])
	return nil
}

func runSessionsSwitch(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	if _, err := store.Load(context.Background(), args[0]); err != nil {
		return err
	}
	if err := store.SetActive(args[0]); err != nil {
		return err
	}
	fmt.Printf("Active session is now %s\n", args[0])
	return nil
}
