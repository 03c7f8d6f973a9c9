package minilink

import (
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/ebylund/minilink-cli/internal/models"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockTerminal simulates the device side of the interactive channel.
type mockTerminal struct {
	writes    []string
	readQueue []string
	onWrite   func(data string)

	readFunc          func() (string, error)
	readUntilFunc     func(pattern string) (string, error)
	setBasePromptFunc func(pri, alt string, delayFactor float64) (string, error)
	checkConfigFunc   func(marker string) (bool, error)
	sendTimingFunc    func(cmd string, stripPrompt, stripCommand bool) (string, error)
	exitConfigFunc    func(exitCmd, pattern string) (string, error)

	reads          int
	readUntilCalls int
	disconnects    int
}

func (m *mockTerminal) WriteChannel(data string) error {
	m.writes = append(m.writes, data)
	if m.onWrite != nil {
		m.onWrite(data)
	}
	return nil
}

func (m *mockTerminal) ReadChannel() (string, error) {
	m.reads++
	if m.readFunc != nil {
		return m.readFunc()
	}
	if len(m.readQueue) == 0 {
		return "", nil
	}
	chunk := m.readQueue[0]
	m.readQueue = m.readQueue[1:]
	return chunk, nil
}

func (m *mockTerminal) ReadUntilPattern(pattern string) (string, error) {
	m.readUntilCalls++
	if m.readUntilFunc != nil {
		return m.readUntilFunc(pattern)
	}
	return "", nil
}

func (m *mockTerminal) NormalizeCmd(cmd string) string {
	return strings.TrimRight(cmd, " \t\r\n") + "\n"
}

func (m *mockTerminal) SetBasePrompt(pri, alt string, delayFactor float64) (string, error) {
	if m.setBasePromptFunc != nil {
		return m.setBasePromptFunc(pri, alt, delayFactor)
	}
	return "CLI-NODE", nil
}

func (m *mockTerminal) CheckConfigMode(marker string) (bool, error) {
	if m.checkConfigFunc != nil {
		return m.checkConfigFunc(marker)
	}
	return false, nil
}

func (m *mockTerminal) SendCommandTiming(cmd string, stripPrompt, stripCommand bool) (string, error) {
	if m.sendTimingFunc != nil {
		return m.sendTimingFunc(cmd, stripPrompt, stripCommand)
	}
	return "", nil
}

func (m *mockTerminal) ExitConfigMode(exitCmd, pattern string) (string, error) {
	if m.exitConfigFunc != nil {
		return m.exitConfigFunc(exitCmd, pattern)
	}
	return "", nil
}

func (m *mockTerminal) Disconnect() error {
	m.disconnects++
	return nil
}

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func testDeviceConfig(gen models.Generation) models.DeviceConfig {
	return models.DeviceConfig{
		Name:       "lab-node",
		Host:       "192.0.2.10",
		Port:       22,
		Generation: gen,
		Username:   "testuser",
		Password:   "secret",
	}
}

func newTestService(t *testing.T, term *mockTerminal, gen models.Generation) *Impl {
	t.Helper()

	svc, err := New(testLogger(), term, testDeviceConfig(gen))
	require.NoError(t, err)
	svc.pollUnit = 10 * time.Millisecond
	return svc
}

func TestNew_UnsupportedGeneration(t *testing.T) {
	_, err := New(testLogger(), &mockTerminal{}, testDeviceConfig(models.Generation("ml55xx")))

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported device generation")
}

func TestEffectiveAuthTimeout_Default(t *testing.T) {
	svc := newTestService(t, &mockTerminal{}, models.GenerationML66xx)

	assert.Equal(t, 20*time.Second, svc.effectiveAuthTimeout())
}

func TestEffectiveAuthTimeout_Configured(t *testing.T) {
	term := &mockTerminal{}
	cfg := testDeviceConfig(models.GenerationML66xx)
	cfg.AuthTimeout = 5 * time.Second

	svc, err := New(testLogger(), term, cfg)
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, svc.effectiveAuthTimeout())
}

func TestLogin_Success(t *testing.T) {
	term := &mockTerminal{
		readQueue: []string{"Welcome to lab-node\nUser: "},
	}
	term.onWrite = func(data string) {
		if data == "testuser\n" {
			term.readQueue = append(term.readQueue, "Password: ")
		}
	}

	svc := newTestService(t, term, models.GenerationML66xx)
	err := svc.Login()

	require.NoError(t, err)
	require.NotEmpty(t, term.writes)
	// The password keystroke is the final write of a successful handshake.
	assert.Equal(t, "secret\n", term.writes[len(term.writes)-1])
	assert.Contains(t, term.writes, "testuser\n")
}

func TestLogin_LowercasePrompts(t *testing.T) {
	term := &mockTerminal{
		readQueue: []string{"lab-node login: "},
	}
	term.onWrite = func(data string) {
		if data == "testuser\n" {
			term.readQueue = append(term.readQueue, "password: ")
		}
	}

	svc := newTestService(t, term, models.GenerationML63xx)
	err := svc.Login()

	require.NoError(t, err)
	assert.Equal(t, "secret\n", term.writes[len(term.writes)-1])
}

func TestLogin_SilentDeviceGetsNudged(t *testing.T) {
	nudged := false
	term := &mockTerminal{}
	term.onWrite = func(data string) {
		if data == "\n" && !nudged {
			nudged = true
			term.readQueue = append(term.readQueue, "User: ")
		}
		if data == "testuser\n" {
			term.readQueue = append(term.readQueue, "Password: ")
		}
	}

	svc := newTestService(t, term, models.GenerationML66xx)
	err := svc.Login()

	require.NoError(t, err)
	assert.True(t, nudged)
	assert.Equal(t, "secret\n", term.writes[len(term.writes)-1])
}

func TestLogin_Timeout(t *testing.T) {
	term := &mockTerminal{
		readFunc: func() (string, error) {
			return "### unrecognizable banner noise ###\n", nil
		},
	}

	cfg := testDeviceConfig(models.GenerationML66xx)
	cfg.AuthTimeout = 80 * time.Millisecond
	svc, err := New(testLogger(), term, cfg)
	require.NoError(t, err)
	svc.pollUnit = 10 * time.Millisecond

	start := time.Now()
	err = svc.Login()
	elapsed := time.Since(start)

	var timeoutErr *LoginTimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, 80*time.Millisecond, timeoutErr.Timeout)
	// Approximately the configured timeout, with scheduling slack.
	assert.GreaterOrEqual(t, elapsed, 80*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
	assert.Equal(t, 0, term.disconnects)
}

func TestLogin_DeviceBusy(t *testing.T) {
	term := &mockTerminal{
		readQueue: []string{"CLI is busy, try again later\n"},
	}

	svc := newTestService(t, term, models.GenerationML66xx)
	err := svc.Login()

	require.ErrorIs(t, err, ErrDeviceBusy)
	assert.Equal(t, 1, term.disconnects)
}

func TestLogin_ChannelErrorPropagates(t *testing.T) {
	term := &mockTerminal{
		readFunc: func() (string, error) {
			return "", io.ErrClosedPipe
		},
	}

	svc := newTestService(t, term, models.GenerationML66xx)
	err := svc.Login()

	assert.ErrorIs(t, err, io.ErrClosedPipe)
}

func TestPrepareSession(t *testing.T) {
	var gotPri, gotAlt string
	var gotDelay float64
	term := &mockTerminal{
		setBasePromptFunc: func(pri, alt string, delayFactor float64) (string, error) {
			gotPri, gotAlt, gotDelay = pri, alt, delayFactor
			return "CLI-NODE", nil
		},
	}

	svc := newTestService(t, term, models.GenerationML66xx)
	err := svc.PrepareSession()

	require.NoError(t, err)
	assert.Equal(t, "#", gotPri)
	assert.Equal(t, ">", gotAlt)
	assert.Equal(t, float64(1), gotDelay)
}

func TestPrepareSession_Failure(t *testing.T) {
	term := &mockTerminal{
		setBasePromptFunc: func(pri, alt string, delayFactor float64) (string, error) {
			return "", errors.New("no prompt received")
		},
	}

	svc := newTestService(t, term, models.GenerationML66xx)
	err := svc.PrepareSession()

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "session preparation failed")
}

func TestEnterConfigMode_AlreadyInConfigMode(t *testing.T) {
	term := &mockTerminal{
		checkConfigFunc: func(marker string) (bool, error) {
			return true, nil
		},
	}

	svc := newTestService(t, term, models.GenerationML66xx)
	output, err := svc.EnterConfigMode("", "")

	require.NoError(t, err)
	assert.Empty(t, output)
	// Idempotent no-op: nothing may be written to the channel.
	assert.Empty(t, term.writes)
	assert.Equal(t, 0, term.readUntilCalls)
}

func TestEnterConfigMode_ML63xx(t *testing.T) {
	inConfig := false
	term := &mockTerminal{
		checkConfigFunc: func(marker string) (bool, error) {
			return inConfig, nil
		},
		readUntilFunc: func(pattern string) (string, error) {
			inConfig = true
			return "lab-node(config)# ", nil
		},
	}

	svc := newTestService(t, term, models.GenerationML63xx)
	output, err := svc.EnterConfigMode("", "")

	require.NoError(t, err)
	require.Len(t, term.writes, 1)
	assert.Equal(t, "config\n", term.writes[0])
	assert.Equal(t, "lab-node(config)# ", output)
}

func TestEnterConfigMode_ML66xx(t *testing.T) {
	inConfig := false
	term := &mockTerminal{
		checkConfigFunc: func(marker string) (bool, error) {
			return inConfig, nil
		},
		readUntilFunc: func(pattern string) (string, error) {
			inConfig = true
			return "lab-node(config)# ", nil
		},
	}

	svc := newTestService(t, term, models.GenerationML66xx)
	_, err := svc.EnterConfigMode("", "")

	require.NoError(t, err)
	require.Len(t, term.writes, 1)
	assert.Equal(t, "configure\n", term.writes[0])
}

func TestEnterConfigMode_CommandOverride(t *testing.T) {
	inConfig := false
	var gotPattern string
	term := &mockTerminal{
		checkConfigFunc: func(marker string) (bool, error) {
			return inConfig, nil
		},
		readUntilFunc: func(pattern string) (string, error) {
			gotPattern = pattern
			inConfig = true
			return "lab-node(config)# ", nil
		},
	}

	svc := newTestService(t, term, models.GenerationML66xx)
	_, err := svc.EnterConfigMode("configure terminal", `\)#`)

	require.NoError(t, err)
	assert.Equal(t, "configure terminal\n", term.writes[0])
	assert.Equal(t, `\)#`, gotPattern)
}

func TestEnterConfigMode_EntryFailed(t *testing.T) {
	term := &mockTerminal{
		checkConfigFunc: func(marker string) (bool, error) {
			return false, nil
		},
		readUntilFunc: func(pattern string) (string, error) {
			return "lab-node# ", nil
		},
	}

	svc := newTestService(t, term, models.GenerationML66xx)
	_, err := svc.EnterConfigMode("", "")

	assert.ErrorIs(t, err, ErrConfigModeEntry)
}

func TestSaveConfig_OutsideConfigMode(t *testing.T) {
	transcript := "write\nBuilding configuration...\n[OK]\nlab-node# "
	var gotCmd string
	var gotStripPrompt, gotStripCommand bool
	term := &mockTerminal{
		checkConfigFunc: func(marker string) (bool, error) {
			return false, nil
		},
		sendTimingFunc: func(cmd string, stripPrompt, stripCommand bool) (string, error) {
			gotCmd, gotStripPrompt, gotStripCommand = cmd, stripPrompt, stripCommand
			return transcript, nil
		},
	}

	svc := newTestService(t, term, models.GenerationML66xx)
	output, err := svc.SaveConfig("")

	require.NoError(t, err)
	assert.Equal(t, "write", gotCmd)
	assert.False(t, gotStripPrompt)
	assert.False(t, gotStripCommand)
	// Raw transcript, echoed command and prompt included.
	assert.Equal(t, transcript, output)
}

func TestSaveConfig_ExitsConfigModeFirst(t *testing.T) {
	var exitCmd, exitPattern string
	term := &mockTerminal{
		checkConfigFunc: func(marker string) (bool, error) {
			return true, nil
		},
		exitConfigFunc: func(cmd, pattern string) (string, error) {
			exitCmd, exitPattern = cmd, pattern
			return "lab-node# ", nil
		},
		sendTimingFunc: func(cmd string, stripPrompt, stripCommand bool) (string, error) {
			return "write\n[OK]\nlab-node# ", nil
		},
	}

	svc := newTestService(t, term, models.GenerationML66xx)
	_, err := svc.SaveConfig("")

	require.NoError(t, err)
	assert.Equal(t, "exit", exitCmd)
	assert.Equal(t, "#", exitPattern)
}

func TestSaveConfig_ExitFailed(t *testing.T) {
	term := &mockTerminal{
		checkConfigFunc: func(marker string) (bool, error) {
			return true, nil
		},
		exitConfigFunc: func(cmd, pattern string) (string, error) {
			return "lab-node(config)# ", errors.New("failed to exit configuration mode")
		},
	}

	svc := newTestService(t, term, models.GenerationML66xx)
	_, err := svc.SaveConfig("")

	assert.ErrorIs(t, err, ErrSaveConfigExit)
}

func TestCleanup_ML63xx(t *testing.T) {
	term := &mockTerminal{}

	svc := newTestService(t, term, models.GenerationML63xx)
	svc.Cleanup()

	require.Len(t, term.writes, 1)
	assert.Equal(t, "quit\n", term.writes[0])
	// No reads after logout, the disconnect must not block on a response.
	assert.Equal(t, 0, term.reads)
	assert.Equal(t, 0, term.readUntilCalls)
}

func TestCleanup_ML66xx(t *testing.T) {
	term := &mockTerminal{}

	svc := newTestService(t, term, models.GenerationML66xx)
	svc.Cleanup()

	require.Len(t, term.writes, 1)
	assert.Equal(t, "exit\n", term.writes[0])
	assert.Equal(t, 0, term.reads)
}

func TestSendCommand_Strips(t *testing.T) {
	term := &mockTerminal{
		sendTimingFunc: func(cmd string, stripPrompt, stripCommand bool) (string, error) {
			assert.True(t, stripPrompt)
			assert.True(t, stripCommand)
			return "radio link up\n", nil
		},
	}

	svc := newTestService(t, term, models.GenerationML66xx)
	output, err := svc.SendCommand("show radio-link")

	require.NoError(t, err)
	assert.Equal(t, "radio link up\n", output)
}
