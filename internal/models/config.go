package models

// Config holds the complete tool configuration for a run.
type Config struct {
	Devices []DeviceConfig
}
