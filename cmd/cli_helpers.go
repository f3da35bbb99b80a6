package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/nextlevelbuilder/hybridmem/internal/config"
	"github.com/nextlevelbuilder/hybridmem/internal/memory"
	"github.com/nextlevelbuilder/hybridmem/internal/providers"
)

// loadConfig loads the config or exits.
func loadConfig() *config.Config {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %s\n", err)
		os.Exit(1)
	}
	return cfg
}

// openEngine opens the memory engine for a one-shot command or exits.
// The caller closes it.
func openEngine(ctx context.Context, cfg *config.Config) *memory.Engine {
	e, err := memory.Open(ctx, cfg, providers.NewOrFallback(cfg.Summarizer))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
	return e
}

func exitOnErr(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func parseID(s string) int64 {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid id %q\n", s)
		os.Exit(1)
	}
	return id
}

func printJSON(v any) {
	data, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(data))
}

func truncateStr(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-3]) + "..."
}
