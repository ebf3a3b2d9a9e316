package remotenfc

import "time"

const (
	DeviceTimeout   = 30 * time.Second // Device inactivity timeout
	CleanupInterval = 15 * time.Second // Cleanup check interval
	RegisterTimeout = 10 * time.Second // Time allowed for the register message
	writeTimeout    = 5 * time.Second
)
