// Package terminal implements the interactive text channel to a device shell:
// buffered non-blocking reads, pattern waits, prompt learning and the shared
// config-mode mechanics the device drivers build on.
package terminal

import (
	"bytes"
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Return is the line terminator sent after every keystroke.
const Return = "\n"

// Prompt marker shown by both MINI-LINK generations while in config mode.
const configMarker = ")#"

const (
	defaultReadTimeout = 10 * time.Second
	defaultReadPoll    = 20 * time.Millisecond
	defaultSettle      = 100 * time.Millisecond
)

// RawChannel is the byte-level stream to the device shell.
type RawChannel interface {
	io.Reader
	io.Writer
	Close() error
}

// Service defines the channel adapter consumed by device drivers.
type Service interface {
	WriteChannel(data string) error
	ReadChannel() (string, error)
	ReadUntilPattern(pattern string) (string, error)
	NormalizeCmd(cmd string) string
	SetBasePrompt(priTerminator, altTerminator string, delayFactor float64) (string, error)
	FindPrompt() (string, error)
	CheckConfigMode(marker string) (bool, error)
	SendCommandTiming(cmd string, stripPrompt, stripCommand bool) (string, error)
	ExitConfigMode(exitCmd, pattern string) (string, error)
	Disconnect() error
}

// Impl implements the terminal Service over a raw shell stream.
type Impl struct {
	raw    RawChannel
	logger zerolog.Logger

	mu      sync.Mutex
	buf     bytes.Buffer
	readErr error
	closed  bool

	basePrompt string

	readTimeout time.Duration
	readPoll    time.Duration
	settle      time.Duration
}

// New creates a terminal service and starts draining the raw channel.
func New(logger zerolog.Logger, raw RawChannel) *Impl {
	s := &Impl{
		raw:         raw,
		logger:      logger,
		readTimeout: defaultReadTimeout,
		readPoll:    defaultReadPoll,
		settle:      defaultSettle,
	}
	go s.pump()
	return s
}

// pump moves bytes from the shell stream into the internal buffer so that
// ReadChannel never blocks.
func (s *Impl) pump() {
	chunk := make([]byte, 4096)
	for {
		n, err := s.raw.Read(chunk)
		s.mu.Lock()
		if n > 0 {
			s.buf.Write(chunk[:n])
		}
		if err != nil {
			s.readErr = err
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
	}
}

// WriteChannel sends data to the device as-is.
func (s *Impl) WriteChannel(data string) error {
	_, err := io.WriteString(s.raw, data)
	return err
}

// ReadChannel returns whatever output is currently buffered without blocking.
// An empty string with a nil error means the device has not said anything.
func (s *Impl) ReadChannel() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.buf.Len() > 0 {
		data := s.buf.String()
		s.buf.Reset()
		return data, nil
	}
	if s.readErr != nil && !s.closed {
		return "", s.readErr
	}
	return "", nil
}

// ReadUntilPattern blocks until the accumulated output matches pattern or the
// read timeout expires.
func (s *Impl) ReadUntilPattern(pattern string) (string, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return "", fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}

	deadline := time.Now().Add(s.readTimeout)
	var output strings.Builder
	for time.Now().Before(deadline) {
		chunk, err := s.ReadChannel()
		if err != nil {
			return output.String(), err
		}
		if chunk != "" {
			output.WriteString(chunk)
			if re.MatchString(output.String()) {
				return output.String(), nil
			}
		}
		time.Sleep(s.readPoll)
	}

	return output.String(), fmt.Errorf("pattern %q not detected within %s", pattern, s.readTimeout)
}

// NormalizeCmd strips trailing whitespace and appends the line terminator.
func (s *Impl) NormalizeCmd(cmd string) string {
	return strings.TrimRight(cmd, " \t\r\n") + Return
}

// SetBasePrompt learns the prompt the device presents between commands. It
// sends a bare return, waits for a line ending in one of the two terminators
// and stores the prompt without its terminator. Returns the stored prompt.
func (s *Impl) SetBasePrompt(priTerminator, altTerminator string, delayFactor float64) (string, error) {
	if err := s.WriteChannel(Return); err != nil {
		return "", err
	}
	time.Sleep(time.Duration(delayFactor * float64(s.settle)))

	pattern := regexp.QuoteMeta(priTerminator) + "|" + regexp.QuoteMeta(altTerminator)
	output, err := s.ReadUntilPattern(pattern)
	if err != nil {
		return "", err
	}

	prompt := lastLine(output)
	terminator := priTerminator
	if !strings.HasSuffix(prompt, terminator) {
		terminator = altTerminator
	}
	if !strings.HasSuffix(prompt, terminator) {
		return "", fmt.Errorf("prompt %q does not end with %q or %q", prompt, priTerminator, altTerminator)
	}

	s.basePrompt = strings.TrimSpace(strings.TrimSuffix(prompt, terminator))
	s.logger.Debug().Str("prompt", s.basePrompt).Msg("base prompt set")
	return s.basePrompt, nil
}

// FindPrompt probes the live prompt by sending a bare return and reading back
// the last line the device echoes.
func (s *Impl) FindPrompt() (string, error) {
	// Drop anything still buffered so the probe only sees fresh output.
	if _, err := s.ReadChannel(); err != nil {
		return "", err
	}
	if err := s.WriteChannel(Return); err != nil {
		return "", err
	}

	deadline := time.Now().Add(s.readTimeout)
	var output string
	for output == "" {
		if time.Now().After(deadline) {
			return "", fmt.Errorf("no prompt received within %s", s.readTimeout)
		}
		time.Sleep(s.settle)
		chunk, err := s.ReadChannel()
		if err != nil {
			return "", err
		}
		output += chunk
	}

	// Let the device finish the prompt line before cutting it.
	time.Sleep(s.readPoll)
	chunk, err := s.ReadChannel()
	if err != nil {
		return "", err
	}
	output += chunk

	prompt := lastLine(output)
	if prompt == "" {
		return "", fmt.Errorf("unable to find prompt in %q", output)
	}
	return prompt, nil
}

// CheckConfigMode probes the live prompt and reports whether it carries the
// given config-mode marker. The mode is never cached, out-of-band commands
// may have changed it.
func (s *Impl) CheckConfigMode(marker string) (bool, error) {
	prompt, err := s.FindPrompt()
	if err != nil {
		return false, err
	}
	return strings.Contains(prompt, marker), nil
}

// SendCommandTiming writes the command and collects output until the device
// goes quiet. There is no pattern wait, which suits commands with variable
// acknowledgment timing.
func (s *Impl) SendCommandTiming(cmd string, stripPrompt, stripCommand bool) (string, error) {
	if err := s.WriteChannel(s.NormalizeCmd(cmd)); err != nil {
		return "", err
	}

	deadline := time.Now().Add(s.readTimeout)
	var output string
	quiet := 0
	for quiet < 3 && time.Now().Before(deadline) {
		time.Sleep(s.settle)
		chunk, err := s.ReadChannel()
		if err != nil {
			return output, err
		}
		if chunk == "" {
			if output != "" {
				quiet++
			}
			continue
		}
		output += chunk
		quiet = 0
	}

	if stripCommand {
		output = stripCommandEcho(output, cmd)
	}
	if stripPrompt {
		output = s.stripPromptSuffix(output)
	}
	return output, nil
}

// ExitConfigMode leaves configuration mode via exitCmd, waiting for a prompt
// matching pattern. A no-op when the session is not in config mode. Both
// MINI-LINK generations share these exit mechanics.
func (s *Impl) ExitConfigMode(exitCmd, pattern string) (string, error) {
	inMode, err := s.CheckConfigMode(configMarker)
	if err != nil {
		return "", err
	}
	if !inMode {
		return "", nil
	}

	if err := s.WriteChannel(s.NormalizeCmd(exitCmd)); err != nil {
		return "", err
	}
	output, err := s.ReadUntilPattern(pattern)
	if err != nil {
		return output, err
	}

	still, err := s.CheckConfigMode(configMarker)
	if err != nil {
		return output, err
	}
	if still {
		return output, fmt.Errorf("failed to exit configuration mode")
	}

	return output, nil
}

// Disconnect closes the raw channel. Safe to call more than once.
func (s *Impl) Disconnect() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	return s.raw.Close()
}

func lastLine(output string) string {
	trimmed := strings.TrimRight(output, " \t\r\n")
	lines := strings.Split(trimmed, "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

func stripCommandEcho(output, cmd string) string {
	lines := strings.SplitN(output, "\n", 2)
	if strings.TrimSpace(lines[0]) == strings.TrimSpace(cmd) {
		if len(lines) == 2 {
			return lines[1]
		}
		return ""
	}
	return output
}

func (s *Impl) stripPromptSuffix(output string) string {
	if s.basePrompt == "" {
		return output
	}
	trimmed := strings.TrimRight(output, " \t\r\n")
	idx := strings.LastIndex(trimmed, "\n")
	last := strings.TrimSpace(trimmed[idx+1:])
	if strings.HasPrefix(last, s.basePrompt) {
		if idx < 0 {
			return ""
		}
		return trimmed[:idx+1]
	}
	return output
}
