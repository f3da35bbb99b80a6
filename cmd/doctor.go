package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/hybridmem/internal/config"
	"github.com/nextlevelbuilder/hybridmem/internal/memory"
	"github.com/nextlevelbuilder/hybridmem/internal/providers"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check environment, configuration, and storage health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("hybridmem doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	// Config
	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, using defaults)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	// Summarizer
	fmt.Println()
	fmt.Println("  Summarizer:")
	provider := cfg.Summarizer.Provider
	if provider == "" {
		provider = "extractive"
	}
	fmt.Printf("    %-12s %s\n", "Provider:", provider)
	if provider != "extractive" {
		checkProvider("API key", cfg.Summarizer.APIKey)
	}

	// Storage
	fmt.Println()
	fmt.Println("  Storage:")
	fmt.Printf("    %-12s %s\n", "Driver:", cfg.Storage.Driver)
	if cfg.Storage.Driver == memory.DriverPostgres {
		checkProvider("DSN", cfg.Storage.PostgresDSN)
	} else {
		dir := cfg.ResolvedDataDir()
		fmt.Printf("    %-12s %s", "Data dir:", dir)
		if _, err := os.Stat(dir); err != nil {
			fmt.Println(" (NOT FOUND, created on first use)")
		} else {
			fmt.Println(" (OK)")
		}
		for _, f := range []string{memory.LongTermDBFile, memory.ShortTermDBFile} {
			checkFile(filepath.Join(dir, f))
		}
	}
	fmt.Printf("    %-12s %s\n", "Counters:", cfg.Counter.Backend)

	// Open the engine to verify both stores.
	fmt.Println()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	e, err := memory.Open(ctx, cfg, providers.NewExtractiveProvider())
	if err != nil {
		fmt.Printf("  Engine:   FAILED (%s)\n", err)
		return
	}
	defer e.Close()
	st, err := e.Stats(ctx)
	if err != nil {
		fmt.Printf("  Engine:   stats failed (%s)\n", err)
		return
	}
	longTerm := "disabled"
	if st.LongTermEnabled {
		longTerm = fmt.Sprintf("%d memories", st.LongTermCount)
	}
	fmt.Printf("  Long-term:  %s\n", longTerm)
	fmt.Printf("  Short-term: %d messages in %d sessions\n", st.MessageCount, st.SessionCount)

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func checkProvider(name, secret string) {
	if secret == "" {
		fmt.Printf("    %-12s (not configured)\n", name+":")
		return
	}
	masked := "****"
	if len(secret) > 8 {
		masked = secret[:4] + strings.Repeat("*", len(secret)-8) + secret[len(secret)-4:]
	}
	fmt.Printf("    %-12s %s\n", name+":", masked)
}

func checkFile(path string) {
	info, err := os.Stat(path)
	if err != nil {
		fmt.Printf("    %-12s NOT FOUND\n", filepath.Base(path)+":")
		return
	}
	fmt.Printf("    %-12s %d bytes\n", filepath.Base(path)+":", info.Size())
}
