package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"livecam/internal/config"
)

// Version is the application version
const Version = "0.1.0"

var (
	configPath string
	cfg        *config.Config
	logger     = log.New(os.Stderr, "[livecam] ", log.Ltime)
)

var rootCmd = &cobra.Command{
	Use:           "livecam",
	Short:         "Live camera analysis: local detection, throttled remote analysis and annotated streaming",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		return nil
	},
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("LIVECAM_CONFIG"), "Path to the YAML configuration file")
}
