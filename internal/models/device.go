// Package models contains the data structures used throughout minilink-cli.
package models

import "time"

// Generation selects the MINI-LINK product family CLI dialect.
type Generation string

const (
	GenerationML63xx Generation = "ml63xx"
	GenerationML66xx Generation = "ml66xx"
)

// KeyPolicy controls how unknown SSH host keys are handled.
type KeyPolicy string

const (
	KeyPolicyAccept KeyPolicy = "accept"
	KeyPolicyReject KeyPolicy = "reject"
	KeyPolicyPrompt KeyPolicy = "prompt"
)

// SSHConfig holds transport-level SSH settings for a device.
type SSHConfig struct {
	UseKeys        bool
	KeyPath        string // private key for public-key auth, only read when UseKeys is set
	SystemHostKeys bool
	AltHostKeys    bool
	AltKeyFile     string
	KeyPolicy      KeyPolicy
}

// DeviceConfig holds the per-device session configuration.
//
// Username is the interactive identity presented at the in-shell login prompt.
// The SSH transport itself always negotiates under a fixed placeholder user,
// see the transport service.
type DeviceConfig struct {
	Name        string
	Host        string
	Port        int
	Generation  Generation
	Username    string
	Password    string
	AuthTimeout time.Duration // zero means the driver default
	Commands    []string
	Save        bool
	SSH         SSHConfig
}
