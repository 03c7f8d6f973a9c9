package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var saveCmd = &cobra.Command{
	Use:   "save",
	Short: "Save the running configuration on each device",
	Long: `Log in to each configured device and persist its running configuration
to the startup store. No other commands are executed. A device still in
configuration mode is brought back to the base prompt first.`,
	RunE: saveDevices,
}

func saveDevices(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Save-only run: drop the configured command lists.
	for i := range cfg.Devices {
		cfg.Devices[i].Commands = nil
		cfg.Devices[i].Save = true
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Warn().Str("signal", sig.String()).Msg("received signal, shutting down")
		cancel()
	}()

	runnerSvc := newRunner()
	results, err := runnerSvc.Run(ctx, *cfg)
	printResults(results)
	if err != nil {
		log.Error().Err(err).Msg("save failed")
		return err
	}

	log.Info().Msg("configuration saved on all devices")
	return nil
}
