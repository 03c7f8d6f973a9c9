// Package minilink drives interactive CLI sessions to Ericsson MINI-LINK
// traffic nodes. The nodes do not follow the usual "username then password"
// transport login: the transport negotiates under a placeholder identity and
// the real credentials are exchanged inside the shell, against prompts that
// appear late, in either casing, or not at all until nudged.
package minilink

import (
	"fmt"
	"strings"
	"time"

	"github.com/ebylund/minilink-cli/internal/models"
	"github.com/ebylund/minilink-cli/internal/services/terminal"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Prompt marker shown while in configuration mode, shared by both
// generations.
const configMarker = ")#"

// Default pattern waited on after sending the config-mode entry command.
const configEntryPattern = `[)#]`

const defaultAuthTimeout = 20 * time.Second

// Terminal is the interactive channel the driver talks through.
type Terminal interface {
	WriteChannel(data string) error
	ReadChannel() (string, error)
	ReadUntilPattern(pattern string) (string, error)
	NormalizeCmd(cmd string) string
	SetBasePrompt(priTerminator, altTerminator string, delayFactor float64) (string, error)
	CheckConfigMode(marker string) (bool, error)
	SendCommandTiming(cmd string, stripPrompt, stripCommand bool) (string, error)
	ExitConfigMode(exitCmd, pattern string) (string, error)
	Disconnect() error
}

// Service defines the MINI-LINK session driver.
type Service interface {
	Login() error
	PrepareSession() error
	EnterConfigMode(configCommand, pattern string) (string, error)
	ExitConfigMode() (string, error)
	SendCommand(cmd string) (string, error)
	SaveConfig(cmd string) (string, error)
	Cleanup()
	Disconnect() error
}

// Generation-specific CLI literals. Only the entry and logout commands differ
// between the product families, all control flow is shared.
type variant struct {
	entryCommand  string
	logoutCommand string
}

var variants = map[models.Generation]variant{
	models.GenerationML63xx: {entryCommand: "config", logoutCommand: "quit"},
	models.GenerationML66xx: {entryCommand: "configure", logoutCommand: "exit"},
}

// Impl implements the minilink Service interface for one device session.
type Impl struct {
	term     Terminal
	logger   zerolog.Logger
	variant  variant
	username string
	password string

	authTimeout time.Duration
	pollUnit    time.Duration

	sessionLogFin bool
}

// New creates a driver for one device session on an already-open terminal.
func New(logger zerolog.Logger, term Terminal, cfg models.DeviceConfig) (*Impl, error) {
	v, ok := variants[cfg.Generation]
	if !ok {
		return nil, fmt.Errorf("unsupported device generation %q", cfg.Generation)
	}

	return &Impl{
		term: term,
		logger: logger.With().
			Str("device", cfg.Name).
			Str("session_id", uuid.NewString()).
			Logger(),
		variant:     v,
		username:    cfg.Username,
		password:    cfg.Password,
		authTimeout: cfg.AuthTimeout,
		pollUnit:    time.Second,
	}, nil
}

func (s *Impl) effectiveAuthTimeout() time.Duration {
	if s.authTimeout > 0 {
		return s.authTimeout
	}
	return defaultAuthTimeout
}

// Login performs the in-shell login handshake. The node is slow and its
// prompt framing is inconsistent, so this polls coarse non-blocking reads
// with a keepalive nudge instead of a single blocking pattern wait.
//
//	------------------------------------------
//	MINI-LINK <model>  Command Line Interface
//	------------------------------------------
//
//	Welcome to <hostname>
//	User:
//	Password:
func (s *Impl) Login() error {
	timeout := s.effectiveAuthTimeout()
	start := time.Now()
	output := ""

	s.logger.Debug().Dur("auth_timeout", timeout).Msg("starting login handshake")

	for time.Since(start) < timeout {
		chunk, err := s.term.ReadChannel()
		if err != nil {
			return err
		}
		output += chunk

		// The node is often silent right after the shell opens. Give it a
		// moment, then send a bare return to coax out a prompt.
		if output == "" {
			time.Sleep(s.pollUnit / 2)
			chunk, err = s.term.ReadChannel()
			if err != nil {
				return err
			}
			output += chunk
			if output == "" {
				if err := s.term.WriteChannel(terminal.Return); err != nil {
					return err
				}
				continue
			}
		}

		// The node emits either casing depending on firmware.
		switch {
		case strings.Contains(output, "login:") || strings.Contains(output, "User:"):
			s.logger.Debug().Msg("username prompt detected")
			if err := s.term.WriteChannel(s.username + terminal.Return); err != nil {
				return err
			}
			// The next output is expected to be the password prompt.
			output = ""
		case strings.Contains(output, "password:") || strings.Contains(output, "Password:"):
			if err := s.term.WriteChannel(s.password + terminal.Return); err != nil {
				return err
			}
			s.logger.Info().Msg("login handshake completed")
			return nil
		case strings.Contains(output, "busy"):
			_ = s.term.Disconnect()
			return ErrDeviceBusy
		}

		time.Sleep(s.pollUnit)
	}

	return &LoginTimeoutError{Timeout: timeout}
}

// PrepareSession establishes the base prompt. Must run once after Login and
// before any mode-sensitive operation.
func (s *Impl) PrepareSession() error {
	prompt, err := s.term.SetBasePrompt("#", ">", 1)
	if err != nil {
		return fmt.Errorf("session preparation failed: %w", err)
	}
	s.logger.Debug().Str("prompt", prompt).Msg("base prompt established")
	return nil
}

// EnterConfigMode transitions into configuration mode and returns the
// transcript of the transition. Idempotent: when the live prompt already
// carries the config marker nothing is sent and the transcript is empty.
// Empty arguments select the generation defaults.
func (s *Impl) EnterConfigMode(configCommand, pattern string) (string, error) {
	if configCommand == "" {
		configCommand = s.variant.entryCommand
	}
	if pattern == "" {
		pattern = configEntryPattern
	}

	inMode, err := s.term.CheckConfigMode(configMarker)
	if err != nil {
		return "", err
	}
	if inMode {
		return "", nil
	}

	if err := s.term.WriteChannel(s.term.NormalizeCmd(configCommand)); err != nil {
		return "", err
	}
	output, err := s.term.ReadUntilPattern(pattern)
	if err != nil {
		return output, err
	}

	inMode, err = s.term.CheckConfigMode(configMarker)
	if err != nil {
		return output, err
	}
	if !inMode {
		return output, ErrConfigModeEntry
	}

	s.logger.Debug().Str("command", configCommand).Msg("entered configuration mode")
	return output, nil
}

// ExitConfigMode leaves configuration mode. Exit mechanics are shared by both
// generations: send "exit" and expect the #-terminated base prompt.
func (s *Impl) ExitConfigMode() (string, error) {
	return s.term.ExitConfigMode("exit", "#")
}

// SendCommand runs a command and returns its output with the echoed command
// and trailing prompt stripped.
func (s *Impl) SendCommand(cmd string) (string, error) {
	output, err := s.term.SendCommandTiming(cmd, true, true)
	if err != nil {
		return output, err
	}
	if !s.sessionLogFin {
		s.logger.Debug().Str("command", cmd).Int("bytes", len(output)).Msg("command completed")
	}
	return output, nil
}

// SaveConfig persists the running configuration to the startup store and
// returns the raw transcript, echoed command and prompt included. When still
// in configuration mode it exits first and insists on the base prompt.
func (s *Impl) SaveConfig(cmd string) (string, error) {
	if cmd == "" {
		cmd = "write"
	}

	inMode, err := s.term.CheckConfigMode(configMarker)
	if err != nil {
		return "", err
	}
	if inMode {
		if _, err := s.term.ExitConfigMode("exit", "#"); err != nil {
			return "", fmt.Errorf("%w: %v", ErrSaveConfigExit, err)
		}
	}

	// Timing-based send: the node's save acknowledgment timing varies too
	// much for a fixed pattern wait.
	return s.term.SendCommandTiming(cmd, false, false)
}

// Cleanup gracefully ends the CLI session with the generation's logout
// keyword. It never reads back, never blocks and never fails, even when the
// channel is already gone.
func (s *Impl) Cleanup() {
	s.sessionLogFin = true
	if err := s.term.WriteChannel(s.variant.logoutCommand + terminal.Return); err != nil {
		s.logger.Debug().Err(err).Msg("logout write failed, channel likely closed")
		return
	}
	s.logger.Info().Str("command", s.variant.logoutCommand).Msg("session closed")
}

// Disconnect tears down the underlying channel.
func (s *Impl) Disconnect() error {
	return s.term.Disconnect()
}
