package models

import "time"

// ConnectionState tracks an IPC connection's lifecycle.
type ConnectionState string

const (
	ConnectionStateConnecting    ConnectionState = "connecting"
	ConnectionStateConnected     ConnectionState = "connected"
	ConnectionStateAuthenticated ConnectionState = "authenticated"
	ConnectionStateActive        ConnectionState = "active"
	ConnectionStateIdle          ConnectionState = "idle"
	ConnectionStateDisconnecting ConnectionState = "disconnecting"
	ConnectionStateError         ConnectionState = "error"
)

// Connection is the ephemeral, bus-owned record of one socket peer.
type Connection struct {
	ID             string
	RemoteIdentity string
	ConnectedAt    time.Time
	LastActivity   time.Time
	LastHeartbeat  time.Time
	State          ConnectionState
}
