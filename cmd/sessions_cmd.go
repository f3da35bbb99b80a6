package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/hybridmem/internal/memory"
)

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "View and manage short-term sessions",
	}
	cmd.AddCommand(sessionsListCmd())
	cmd.AddCommand(sessionsShowCmd())
	cmd.AddCommand(sessionsAppendCmd())
	cmd.AddCommand(sessionsDeleteCmd())
	cmd.AddCommand(sessionsResetCmd())
	cmd.AddCommand(sessionsStatsCmd())
	return cmd
}

func withEngine(fn func(ctx context.Context, e *memory.Engine)) {
	ctx := context.Background()
	e := openEngine(ctx, loadConfig())
	defer e.Close()
	fn(ctx, e)
}

func sessionsListCmd() *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List all sessions",
		Run: func(cmd *cobra.Command, args []string) {
			withEngine(func(ctx context.Context, e *memory.Engine) {
				infos, err := e.ShortTerm.ListSessions(ctx)
				exitOnErr(err)
				printSessionInfos(infos, jsonOutput)
			})
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func sessionsShowCmd() *cobra.Command {
	var (
		limit      int
		query      string
		jsonOutput bool
	)
	cmd := &cobra.Command{
		Use:   "show <session>",
		Short: "Show a session's recent messages",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			withEngine(func(ctx context.Context, e *memory.Engine) {
				var (
					msgs []memory.ShortTermMessage
					err  error
				)
				if query != "" {
					msgs, err = e.ShortTerm.SearchSession(ctx, args[0], query)
				} else {
					msgs, err = e.ShortTerm.GetWindow(ctx, args[0], limit)
				}
				exitOnErr(err)
				printMessages(msgs, jsonOutput)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "max messages (0 for the whole window)")
	cmd.Flags().StringVarP(&query, "query", "q", "", "only messages containing this text")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func sessionsAppendCmd() *cobra.Command {
	var role string
	cmd := &cobra.Command{
		Use:   "append <session> <content>",
		Short: "Record a message as if it came from the host",
		Long: "Record a message through the coordinator: user messages count toward the\n" +
			"summary threshold, long assistant messages are distilled into long-term memory.",
		Args: cobra.MinimumNArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			withEngine(func(ctx context.Context, e *memory.Engine) {
				content := strings.Join(args[1:], " ")
				var err error
				switch memory.Role(role) {
				case memory.RoleUser:
					err = e.Coordinator.OnMessage(ctx, args[0], content)
				case memory.RoleAssistant:
					err = e.Coordinator.OnResponse(ctx, args[0], content)
				default:
					err = fmt.Errorf("role must be user or assistant")
				}
				exitOnErr(err)
				e.Coordinator.Wait()
				fmt.Printf("Appended %s message to %s (turns since summary: %d)\n",
					role, args[0], e.Coordinator.TurnCount(ctx, args[0]))
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", string(memory.RoleUser), "user or assistant")
	return cmd
}

func sessionsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <message-id>",
		Short: "Delete one short-term message",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			id := parseID(args[0])
			withEngine(func(ctx context.Context, e *memory.Engine) {
				ok, err := e.ShortTerm.Delete(ctx, id)
				exitOnErr(err)
				if !ok {
					exitOnErr(fmt.Errorf("message %d not found", id))
				}
				fmt.Printf("Deleted message %d\n", id)
			})
		},
	}
}

func sessionsResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset <session>",
		Short: "Clear session history and its turn counter",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			withEngine(func(ctx context.Context, e *memory.Engine) {
				exitOnErr(e.Coordinator.ResetSession(ctx, args[0]))
				fmt.Printf("Reset session: %s\n", args[0])
			})
		},
	}
}

func sessionsStatsCmd() *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show memory statistics",
		Run: func(cmd *cobra.Command, args []string) {
			withEngine(func(ctx context.Context, e *memory.Engine) {
				st, err := e.Stats(ctx)
				exitOnErr(err)
				if jsonOutput {
					printJSON(st)
					return
				}
				fmt.Printf("Long-term memories:  %d (enabled: %t)\n", st.LongTermCount, st.LongTermEnabled)
				fmt.Printf("Short-term sessions: %d\n", st.SessionCount)
				fmt.Printf("Short-term messages: %d\n", st.MessageCount)
			})
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func printSessionInfos(infos []memory.SessionSummary, jsonOutput bool) {
	if jsonOutput {
		printJSON(infos)
		return
	}

	if len(infos) == 0 {
		fmt.Println("No sessions found.")
		return
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "SESSION\tMESSAGES\tFIRST\tLAST\n")
	for _, s := range infos {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n",
			truncateStr(s.SessionID, 50),
			s.MessageCount,
			s.FirstMessage.Format(time.DateTime),
			s.LastMessage.Format(time.DateTime),
		)
	}
	tw.Flush()
}

func printMessages(msgs []memory.ShortTermMessage, jsonOutput bool) {
	if jsonOutput {
		printJSON(msgs)
		return
	}
	if len(msgs) == 0 {
		fmt.Println("No messages found.")
		return
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "ID\tROLE\tTIME\tCONTENT\n")
	for _, m := range msgs {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", m.ID, m.Role, m.Timestamp.Format(time.DateTime), truncateStr(m.Content, 70))
	}
	tw.Flush()
}
