package minilink

import (
	"errors"
	"fmt"
	"time"
)

// ErrDeviceBusy is returned when the node reports its CLI is busy during
// login. The connection is closed before this is returned; retry later, not
// in place.
var ErrDeviceBusy = errors.New("device CLI is currently busy")

// ErrConfigModeEntry is returned when the entry command was sent but the
// config-mode prompt marker never appeared. The session stays usable for
// non-configuration operations.
var ErrConfigModeEntry = errors.New("failed to enter configuration mode")

// ErrSaveConfigExit is returned when leaving configuration mode before a save
// did not bring back the base prompt. The mode is indeterminate afterwards.
var ErrSaveConfigExit = errors.New("failed to return to the base prompt before saving")

// LoginTimeoutError is returned when the login handshake does not complete
// within the authentication timeout.
type LoginTimeoutError struct {
	Timeout time.Duration
}

func (e *LoginTimeoutError) Error() string {
	return fmt.Sprintf("login process failed to device: timeout reached (auth_timeout=%s)", e.Timeout)
}
