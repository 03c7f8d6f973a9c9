// Package config provides configuration file parsing.
package config

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/ebylund/minilink-cli/internal/models"
	"github.com/spf13/viper"
)

// Parser handles configuration file parsing.
type Parser struct {
	v *viper.Viper
}

// NewParser creates a new configuration parser.
func NewParser() *Parser {
	v := viper.New()
	v.SetConfigType("yaml")
	return &Parser{v: v}
}

// LoadFile loads configuration from a file path.
func (p *Parser) LoadFile(path string) (*models.Config, error) {
	p.v.SetConfigFile(path)

	if err := p.v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return p.parse()
}

// LoadReader loads configuration from a reader (useful for testing).
func (p *Parser) LoadReader(content string) (*models.Config, error) {
	if err := p.v.ReadConfig(strings.NewReader(content)); err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	return p.parse()
}

func (p *Parser) parse() (*models.Config, error) {
	cfg := &models.Config{}

	devices := p.v.GetStringMap("devices")
	if len(devices) == 0 {
		return nil, fmt.Errorf("at least one device is required under devices")
	}

	// Sort for a deterministic run order.
	names := make([]string, 0, len(devices))
	for name := range devices {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		dev, err := p.parseDevice(name)
		if err != nil {
			return nil, err
		}
		cfg.Devices = append(cfg.Devices, dev)
	}

	return cfg, nil
}

//nolint:gocognit,gocyclo // parsing config requires checking many fields
func (p *Parser) parseDevice(name string) (models.DeviceConfig, error) {
	d := p.v.Sub("devices." + name)
	if d == nil {
		return models.DeviceConfig{}, fmt.Errorf("devices.%s must be a mapping", name)
	}

	dev := models.DeviceConfig{
		Name:        name,
		Host:        d.GetString("host"),
		Port:        d.GetInt("port"),
		Generation:  models.Generation(strings.ToLower(d.GetString("generation"))),
		Username:    p.expandEnv(d.GetString("username")),
		Password:    p.expandEnv(d.GetString("password")),
		AuthTimeout: d.GetDuration("auth_timeout"),
		Commands:    d.GetStringSlice("commands"),
		Save:        d.GetBool("save"),
	}

	if dev.Host == "" {
		return dev, fmt.Errorf("devices.%s.host is required", name)
	}
	if dev.Port == 0 {
		dev.Port = 22
	}
	if dev.Password == "" {
		return dev, fmt.Errorf("devices.%s.password is required", name)
	}

	validGenerations := map[models.Generation]bool{
		models.GenerationML63xx: true,
		models.GenerationML66xx: true,
	}
	if dev.Generation == "" {
		return dev, fmt.Errorf("devices.%s.generation is required (ml63xx or ml66xx)", name)
	}
	if !validGenerations[dev.Generation] {
		return dev, fmt.Errorf("devices.%s.generation must be one of: ml63xx, ml66xx", name)
	}

	dev.SSH = models.SSHConfig{
		UseKeys:        d.GetBool("ssh.use_keys"),
		KeyPath:        p.expandEnv(d.GetString("ssh.key_path")),
		SystemHostKeys: d.GetBool("ssh.system_host_keys"),
		AltHostKeys:    d.GetBool("ssh.alt_host_keys"),
		AltKeyFile:     p.expandEnv(d.GetString("ssh.alt_key_file")),
		KeyPolicy:      models.KeyPolicy(d.GetString("ssh.key_policy")),
	}

	if dev.SSH.UseKeys && dev.SSH.KeyPath == "" {
		return dev, fmt.Errorf("devices.%s.ssh.key_path is required when use_keys is set", name)
	}
	if dev.SSH.KeyPolicy == "" {
		dev.SSH.KeyPolicy = models.KeyPolicyReject
	}
	validPolicies := map[models.KeyPolicy]bool{
		models.KeyPolicyAccept: true,
		models.KeyPolicyReject: true,
		models.KeyPolicyPrompt: true,
	}
	if !validPolicies[dev.SSH.KeyPolicy] {
		return dev, fmt.Errorf("devices.%s.ssh.key_policy must be one of: accept, reject, prompt", name)
	}

	return dev, nil
}

// expandEnv expands environment variables in the format ${VAR} or $VAR.
func (p *Parser) expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Validate performs validation on the loaded configuration.
func Validate(cfg *models.Config) error {
	if cfg == nil {
		return fmt.Errorf("configuration is nil")
	}

	if len(cfg.Devices) == 0 {
		return fmt.Errorf("at least one device is required")
	}

	for _, dev := range cfg.Devices {
		if dev.Host == "" {
			return fmt.Errorf("device %s has no host", dev.Name)
		}
		if dev.Password == "" {
			return fmt.Errorf("device %s has no password", dev.Name)
		}
	}

	return nil
}
