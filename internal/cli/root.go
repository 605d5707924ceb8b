// Package cli implements the llm-rotor command tree.
package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/nghyane/llm-rotor/internal/config"
	log "github.com/nghyane/llm-rotor/internal/logging"
)

// Version is stamped by the linker at release time.
var Version = "dev"

var (
	cfgFile   string
	noBrowser bool
)

var rootCmd = &cobra.Command{
	Use:   "llm-rotor",
	Short: "Rotating credential proxy for LLM providers",
	Long: `llm-rotor is an OpenAI-compatible proxy that pools credentials per
provider and rotates across them: per-credential concurrency caps, rolling
usage windows, cooldowns, and retry over the remaining pool.

Running without a subcommand starts the server.`,
	Run: func(c *cobra.Command, args []string) {
		runServe()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the llm-rotor version",
	Run: func(c *cobra.Command, args []string) {
		fmt.Println("llm-rotor", Version)
	},
}

// Execute runs the command tree.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads .env plus the config file. The .env load must come first:
// env values override file values.
func loadConfig() *config.Config {
	if wd, err := os.Getwd(); err == nil {
		if errLoad := godotenv.Load(filepath.Join(wd, ".env")); errLoad != nil && !errors.Is(errLoad, os.ErrNotExist) {
			log.WithError(errLoad).Warn("failed to load .env file")
		}
	}
	cfg, err := config.Load(cfgFile)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	return cfg
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "config.yaml", "config file path")
	rootCmd.PersistentFlags().BoolVar(&noBrowser, "no-browser", false, "print the OAuth URL instead of opening a browser")
	rootCmd.AddCommand(versionCmd)
}
