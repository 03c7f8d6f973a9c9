package main

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ebylund/minilink-cli/internal/config"
	"github.com/ebylund/minilink-cli/internal/models"
	"github.com/ebylund/minilink-cli/internal/services/runner"
	"github.com/ebylund/minilink-cli/internal/services/transport"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/ssh"
)

var deviceFilter string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute the configured commands on each device",
	Long: `Execute the full workflow for each configured device:
1. Open the SSH transport (placeholder identity, host-key policy applied)
2. Perform the in-shell login handshake
3. Establish the base prompt
4. Run the configured commands
5. Save the configuration (if enabled for the device)
6. Log out gracefully`,
	RunE: runDevices,
}

func init() {
	runCmd.Flags().StringVar(&deviceFilter, "device", "", "only run the named device")
	saveCmd.Flags().StringVar(&deviceFilter, "device", "", "only save the named device")
}

func runDevices(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Set up context with signal handling
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
		log.Error().Err(err).Msg("run failed")
		return err
	}

	log.Info().Msg("run completed successfully")
	return nil
}

func newRunner() runner.Service {
	transportSvc := transport.NewWithDialerFactory(log.Logger, &transport.DefaultDialerFactory{}, confirmHostKey)
	return runner.NewWithServices(log.Logger, transportSvc, &runner.DefaultDriverFactory{})
}

func loadConfig() (*models.Config, error) {
	if configFile == "" {
		return nil, fmt.Errorf("config file is required")
	}

	parser := config.NewParser()
	cfg, err := parser.LoadFile(configFile)
	if err != nil {
		log.Error().Err(err).Str("file", configFile).Msg("failed to load config")
		return nil, err
	}

	if err := config.Validate(cfg); err != nil {
		log.Error().Err(err).Msg("invalid configuration")
		return nil, err
	}

	if deviceFilter != "" {
		filtered := make([]models.DeviceConfig, 0, 1)
		for _, dev := range cfg.Devices {
			if dev.Name == deviceFilter {
				filtered = append(filtered, dev)
			}
		}
		if len(filtered) == 0 {
			return nil, fmt.Errorf("device %q not found in configuration", deviceFilter)
		}
		cfg.Devices = filtered
	}

	log.Info().Str("config", configFile).Int("devices", len(cfg.Devices)).Msg("configuration loaded")
	return cfg, nil
}

// confirmHostKey asks the operator whether to trust an unknown host key.
// Wired only for the "prompt" key policy.
func confirmHostKey(hostname string, remote net.Addr, key ssh.PublicKey) bool {
	fmt.Printf("Unknown host key for %s (%s %s). Accept? [y/N]: ",
		hostname, key.Type(), ssh.FingerprintSHA256(key))

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

func printResults(results []models.DeviceResult) {
	for _, res := range results {
		fmt.Printf("=== %s: %s (%s)\n", res.Device, res.State, res.Duration.Round(time.Millisecond))
		for _, cr := range res.Commands {
			fmt.Printf("--- %s\n", cr.Command)
			output := strings.TrimRight(cr.Output, "\r\n")
			if output != "" {
				fmt.Println(output)
			}
			if cr.Err != nil {
				fmt.Printf("error: %v\n", cr.Err)
			}
		}
		if res.Saved {
			fmt.Println("--- configuration saved")
		}
	}
}
