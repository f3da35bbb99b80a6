package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/mattn/go-shellwords"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/hybridmem/internal/admin"
	"github.com/nextlevelbuilder/hybridmem/internal/memory"
)

func adminCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "admin <command> [args...]",
		Short: "Run an administrative command (try: hybridmem admin help)",
		Args:  cobra.ArbitraryArgs,
		Run: func(cmd *cobra.Command, args []string) {
			withEngine(func(ctx context.Context, e *memory.Engine) {
				d := admin.NewDispatcher(e, "")
				out, err := d.Execute(ctx, joinArgs(args))
				if out != "" {
					fmt.Println(out)
				}
				if err != nil {
					fmt.Fprintf(os.Stderr, "Error: %s\n", err)
					e.Close()
					os.Exit(1)
				}
			})
		},
	}
}

// joinArgs re-quotes argv so the dispatcher sees the same words.
func joinArgs(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		if a == "" || strings.ContainsAny(a, " \t\n'\"\\$`") {
			quoted[i] = "'" + strings.ReplaceAll(a, "'", `'\''`) + "'"
		} else {
			quoted[i] = a
		}
	}
	line := strings.Join(quoted, " ")
	if _, err := shellwords.Parse(line); err != nil {
		return strings.Join(args, " ")
	}
	return line
}
