// ABOUTME: Lists conversations from the database as a table
// ABOUTME: Read-only; filters mirror the dashboard's list filters

package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/2389/switchboard/internal/config"
	"github.com/2389/switchboard/internal/store"
)

type conversationsOptions struct {
	Status   string
	Assignee string // unassigned | assistant | human
	Limit    int
}

func newConversationsCmd(configPath *string) *cobra.Command {
	var opts conversationsOptions
	cmd := &cobra.Command{
		Use:   "conversations",
		Short: "List conversations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			return runConversations(cmd.Context(), cmd.OutOrStdout(), cfg, opts)
		},
	}
	cmd.Flags().StringVar(&opts.Status, "status", "", "filter by status (open, assigned, closed)")
	cmd.Flags().StringVar(&opts.Assignee, "assignee", "", "filter by assignee kind (unassigned, assistant, human)")
	cmd.Flags().IntVar(&opts.Limit, "limit", 50, "maximum rows")
	return cmd
}

func runConversations(ctx context.Context, out io.Writer, cfg *config.Config, opts conversationsOptions) error {
	filter, err := conversationFilter(opts)
	if err != nil {
		return err
	}

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer st.Close()

	convs, err := st.ListConversations(ctx, filter)
	if err != nil {
		return fmt.Errorf("listing conversations: %w", err)
	}
	if len(convs) == 0 {
		fmt.Fprintln(out, "no conversations")
		return nil
	}
	renderConversations(out, convs, time.Now())
	return nil
}

func conversationFilter(opts conversationsOptions) (store.ConversationFilter, error) {
	f := store.ConversationFilter{
		Status: store.ConversationStatus(opts.Status),
		Limit:  opts.Limit,
	}
	statuses := []store.ConversationStatus{"", store.ConversationOpen, store.ConversationAssigned, store.ConversationClosed}
	if !lo.Contains(statuses, f.Status) {
		return f, fmt.Errorf("unknown status %q", opts.Status)
	}
	kinds := []store.AssigneeKind{"", store.AssigneeUnassigned, store.AssigneeAssistant, store.AssigneeHuman}
	f.AssigneeKind = store.AssigneeKind(opts.Assignee)
	if !lo.Contains(kinds, f.AssigneeKind) {
		return f, fmt.Errorf("unknown assignee %q", opts.Assignee)
	}
	return f, nil
}

func renderConversations(out io.Writer, convs []*store.Conversation, now time.Time) {
	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"ID", "Channel", "Customer", "Status", "Assignee", "Last message", "Tags"})
	table.SetBorder(false)
	table.SetAutoWrapText(false)
	for _, c := range convs {
		customer := c.CounterpartyID
		if c.DisplayName != nil && *c.DisplayName != "" {
			customer = *c.DisplayName + " (" + c.CounterpartyID + ")"
		}
		table.Append([]string{
			c.ID,
			c.ChannelRef,
			customer,
			string(c.Status),
			c.Assignee.String(),
			ago(now, c.LastMessageAt),
			fmt.Sprint(len(c.Tags)),
		})
	}
	table.Render()
}

// ago renders a coarse relative time
func ago(now, t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
