package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/hybridmem/internal/config"
	"github.com/nextlevelbuilder/hybridmem/internal/memory"
)

func memoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memory",
		Short: "Manage long-term memories",
	}
	cmd.AddCommand(memoryAddCmd())
	cmd.AddCommand(memorySearchCmd())
	cmd.AddCommand(memoryListCmd())
	cmd.AddCommand(memoryGetCmd())
	cmd.AddCommand(memoryUpdateCmd())
	cmd.AddCommand(memoryForgetCmd())
	cmd.AddCommand(memoryDecayCmd())
	cmd.AddCommand(memoryRebuildIndexCmd())
	cmd.AddCommand(memoryCountCmd())
	return cmd
}

// withLongTerm opens the engine, runs fn, and closes it. A disabled
// long-term store is an error for every memory subcommand.
func withLongTerm(fn func(ctx context.Context, lt *memory.LongTermStore)) {
	ctx := context.Background()
	e := openEngine(ctx, loadConfig())
	defer e.Close()
	if !e.LongTerm.Enabled() {
		fmt.Fprintln(os.Stderr, "Error: long-term memory is disabled (storage failed to open, see log)")
		e.Close()
		os.Exit(1)
	}
	fn(ctx, e.LongTerm)
}

func memoryAddCmd() *cobra.Command {
	var (
		sessionID  string
		importance float64
	)
	cmd := &cobra.Command{
		Use:   "add <content>",
		Short: "Add a long-term memory",
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			sid, err := config.SessionIDOrDefault(sessionID)
			exitOnErr(err)
			withLongTerm(func(ctx context.Context, lt *memory.LongTermStore) {
				id, err := lt.Add(ctx, strings.Join(args, " "), sid, importance,
					map[string]string{memory.MetaSource: memory.SourceManual})
				exitOnErr(err)
				fmt.Printf("Added memory %d\n", id)
			})
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", config.DefaultSessionID, "session id to attribute the memory to")
	cmd.Flags().Float64Var(&importance, "importance", 0.5, "importance in [0,1]")
	return cmd
}

func memorySearchCmd() *cobra.Command {
	var (
		k          int
		jsonOutput bool
	)
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search long-term memories (updates access statistics)",
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			withLongTerm(func(ctx context.Context, lt *memory.LongTermStore) {
				results, err := lt.Search(ctx, strings.Join(args, " "), k)
				exitOnErr(err)
				if jsonOutput {
					printJSON(results)
					return
				}
				if len(results) == 0 {
					fmt.Println("No memories found.")
					return
				}
				tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintf(tw, "ID\tRELEVANCE\tIMPORTANCE\tCONTENT\n")
				for _, r := range results {
					fmt.Fprintf(tw, "%d\t%.3f\t%.2f\t%s\n",
						r.Record.ID, r.Relevance, r.Record.Importance, truncateStr(r.Record.Content, 60))
				}
				tw.Flush()
			})
		},
	}
	cmd.Flags().IntVarP(&k, "k", "k", 5, "number of results")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func memoryListCmd() *cobra.Command {
	var (
		limit, offset int
		jsonOutput    bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List long-term memories, newest first",
		Run: func(cmd *cobra.Command, args []string) {
			withLongTerm(func(ctx context.Context, lt *memory.LongTermStore) {
				records, err := lt.ListAll(ctx, limit, offset)
				exitOnErr(err)
				printRecords(records, jsonOutput)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "max records (0 for all)")
	cmd.Flags().IntVar(&offset, "offset", 0, "records to skip")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func memoryGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show one long-term memory",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			id := parseID(args[0])
			withLongTerm(func(ctx context.Context, lt *memory.LongTermStore) {
				rec, err := lt.Get(ctx, id)
				exitOnErr(err)
				printJSON(rec)
			})
		},
	}
}

func memoryUpdateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "update <id> <content>",
		Short: "Replace a long-term memory's content",
		Args:  cobra.MinimumNArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			id := parseID(args[0])
			withLongTerm(func(ctx context.Context, lt *memory.LongTermStore) {
				ok, err := lt.Update(ctx, id, strings.Join(args[1:], " "))
				exitOnErr(err)
				if !ok {
					exitOnErr(fmt.Errorf("memory %d not found", id))
				}
				fmt.Printf("Updated memory %d\n", id)
			})
		},
	}
}

func memoryForgetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "forget <id>",
		Short: "Delete a long-term memory",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			id := parseID(args[0])
			withLongTerm(func(ctx context.Context, lt *memory.LongTermStore) {
				ok, err := lt.Delete(ctx, id)
				exitOnErr(err)
				if !ok {
					exitOnErr(fmt.Errorf("memory %d not found", id))
				}
				fmt.Printf("Deleted memory %d\n", id)
			})
		},
	}
}

func memoryDecayCmd() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "decay",
		Short: "Run one decay sweep now",
		Run: func(cmd *cobra.Command, args []string) {
			withLongTerm(func(ctx context.Context, lt *memory.LongTermStore) {
				n, err := lt.DecaySweep(ctx, time.Now(), days)
				exitOnErr(err)
				fmt.Printf("Decayed %d memories not accessed in %d days\n", n, days)
			})
		},
	}
	cmd.Flags().IntVar(&days, "days", 30, "decay records not accessed for this many days")
	return cmd
}

func memoryRebuildIndexCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild-index",
		Short: "Rebuild the long-term full-text index",
		Run: func(cmd *cobra.Command, args []string) {
			withLongTerm(func(ctx context.Context, lt *memory.LongTermStore) {
				exitOnErr(lt.RebuildIndex(ctx))
				fmt.Println("Index rebuilt.")
			})
		},
	}
}

func memoryCountCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "count",
		Short: "Print the number of long-term memories",
		Run: func(cmd *cobra.Command, args []string) {
			withLongTerm(func(ctx context.Context, lt *memory.LongTermStore) {
				n, err := lt.Count(ctx)
				exitOnErr(err)
				fmt.Println(n)
			})
		},
	}
}

func printRecords(records []memory.LongTermRecord, jsonOutput bool) {
	if jsonOutput {
		printJSON(records)
		return
	}
	if len(records) == 0 {
		fmt.Println("No memories found.")
		return
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "ID\tSESSION\tIMPORTANCE\tDECAY\tACCESSES\tCREATED\tCONTENT\n")
	for _, r := range records {
		fmt.Fprintf(tw, "%d\t%s\t%.2f\t%.3f\t%d\t%s\t%s\n",
			r.ID,
			truncateStr(r.SessionID, 24),
			r.Importance,
			r.DecayScore,
			r.AccessCount,
			r.CreatedAt.Format(time.DateTime),
			truncateStr(r.Content, 50),
		)
	}
	tw.Flush()
}
