package main

import (
	"fmt"
	"os"

	"github.com/ebylund/minilink-cli/internal/config"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long:  `Validate the configuration file without connecting to any device.`,
	RunE:  validateConfig,
}

func validateConfig(cmd *cobra.Command, args []string) error {
	if configFile == "" {
		log.Error().Msg("config file is required")
		return cmd.Help()
	}

	// Check if file exists
	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		log.Error().Str("file", configFile).Msg("config file not found")
		return fmt.Errorf("config file not found: %s", configFile)
	}

	parser := config.NewParser()
	cfg, err := parser.LoadFile(configFile)
	if err != nil {
		log.Error().Err(err).Str("file", configFile).Msg("failed to parse config")
		return err
	}

	if err := config.Validate(cfg); err != nil {
		log.Error().Err(err).Msg("configuration validation failed")
		return err
	}

	// Print configuration summary
	fmt.Println("Configuration is valid!")
	fmt.Println()
	fmt.Printf("Devices: %d\n", len(cfg.Devices))
	for _, dev := range cfg.Devices {
		fmt.Println()
		fmt.Printf("Device %s:\n", dev.Name)
		fmt.Printf("  Host: %s:%d\n", dev.Host, dev.Port)
		fmt.Printf("  Generation: %s\n", dev.Generation)
		fmt.Printf("  Username: %s\n", dev.Username)
		if dev.AuthTimeout > 0 {
			fmt.Printf("  Auth timeout: %s\n", dev.AuthTimeout)
		} else {
			fmt.Printf("  Auth timeout: default (20s)\n")
		}
		fmt.Printf("  Commands: %d\n", len(dev.Commands))
		fmt.Printf("  Save config: %v\n", dev.Save)
		fmt.Printf("  Key policy: %s\n", dev.SSH.KeyPolicy)
		if dev.SSH.UseKeys {
			fmt.Printf("  Private key: %s\n", dev.SSH.KeyPath)
		}
		if dev.SSH.SystemHostKeys {
			fmt.Printf("  System host keys: enabled\n")
		}
		if dev.SSH.AltHostKeys {
			fmt.Printf("  Alternate host keys: %s\n", dev.SSH.AltKeyFile)
		}
	}

	return nil
}
