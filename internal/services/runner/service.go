// Package runner orchestrates the per-device CLI workflows.
package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/ebylund/minilink-cli/internal/models"
	"github.com/ebylund/minilink-cli/internal/services/minilink"
	"github.com/ebylund/minilink-cli/internal/services/terminal"
	"github.com/ebylund/minilink-cli/internal/services/transport"
	"github.com/rs/zerolog"
)

// Service defines the interface for the workflow runner.
type Service interface {
	Run(ctx context.Context, cfg models.Config) ([]models.DeviceResult, error)
}

// Driver is the per-session device driver consumed by the runner.
type Driver interface {
	Login() error
	PrepareSession() error
	SendCommand(cmd string) (string, error)
	SaveConfig(cmd string) (string, error)
	Cleanup()
	Disconnect() error
}

// DriverFactory builds a driver on top of an open transport channel.
type DriverFactory interface {
	NewDriver(logger zerolog.Logger, ch transport.Channel, cfg models.DeviceConfig) (Driver, error)
}

// DefaultDriverFactory wires the terminal adapter and the minilink driver.
type DefaultDriverFactory struct{}

// NewDriver creates the production driver stack.
func (f *DefaultDriverFactory) NewDriver(logger zerolog.Logger, ch transport.Channel, cfg models.DeviceConfig) (Driver, error) {
	term := terminal.New(logger, ch)
	return minilink.New(logger, term, cfg)
}

// Impl implements the runner Service interface.
type Impl struct {
	transportSvc  transport.Service
	driverFactory DriverFactory
	logger        zerolog.Logger
}

// New creates a new runner service.
func New(logger zerolog.Logger) *Impl {
	return &Impl{
		transportSvc:  transport.New(logger),
		driverFactory: &DefaultDriverFactory{},
		logger:        logger,
	}
}

// NewWithServices creates a new runner service with custom collaborators
// (for testing, or to wire a host-key prompter into the transport).
func NewWithServices(logger zerolog.Logger, transportSvc transport.Service, driverFactory DriverFactory) *Impl {
	return &Impl{
		transportSvc:  transportSvc,
		driverFactory: driverFactory,
		logger:        logger,
	}
}

// Run works through the configured devices in order. Each device gets its own
// connection and session; a failure on one device does not stop the others,
// but context cancellation does.
func (s *Impl) Run(ctx context.Context, cfg models.Config) ([]models.DeviceResult, error) {
	results := make([]models.DeviceResult, 0, len(cfg.Devices))
	failed := 0

	for _, dev := range cfg.Devices {
		if err := ctx.Err(); err != nil {
			return results, err
		}

		res := s.runDevice(dev)
		if res.Err != nil {
			failed++
			s.logger.Error().Err(res.Err).Str("device", dev.Name).Str("state", res.State).Msg("device workflow failed")
		} else {
			s.logger.Info().Str("device", dev.Name).Dur("duration", res.Duration).Msg("device workflow completed")
		}
		results = append(results, res)
	}

	if failed > 0 {
		return results, fmt.Errorf("%d of %d devices failed", failed, len(cfg.Devices))
	}
	return results, nil
}

//nolint:gocognit // the workflow has multiple steps by design
func (s *Impl) runDevice(dev models.DeviceConfig) (res models.DeviceResult) {
	start := time.Now()
	res = models.DeviceResult{Device: dev.Name, State: models.StateSuccess}
	defer func() { res.Duration = time.Since(start) }()

	logger := s.logger.With().Str("device", dev.Name).Logger()

	ch, err := s.transportSvc.Open(dev)
	if err != nil {
		res.State = models.StateUnreachable
		res.Err = err
		return res
	}

	driver, err := s.driverFactory.NewDriver(logger, ch, dev)
	if err != nil {
		_ = ch.Close()
		res.State = models.StateUnreachable
		res.Err = err
		return res
	}

	defer func() {
		driver.Cleanup()
		_ = driver.Disconnect()
	}()

	if err := driver.Login(); err != nil {
		res.State = models.StateLoginFailed
		res.Err = err
		return res
	}

	if err := driver.PrepareSession(); err != nil {
		res.State = models.StatePrepareFailed
		res.Err = err
		return res
	}

	for _, cmd := range dev.Commands {
		output, err := driver.SendCommand(cmd)
		res.Commands = append(res.Commands, models.CommandResult{Command: cmd, Output: output, Err: err})
		if err != nil {
			res.State = models.StateCommandFailed
			res.Err = err
			return res
		}
	}

	if dev.Save {
		if _, err := driver.SaveConfig(""); err != nil {
			res.State = models.StateSaveFailed
			res.Err = err
			return res
		}
		res.Saved = true
	}

	return res
}
