package common

import (
	"github.com/google/uuid"
)

// NewJobID generates a unique job identifier with the "job_" prefix.
func NewJobID() string {
	return "job_" + uuid.New().String()
}

// NewConnectionID generates a unique identifier for an IPC connection.
func NewConnectionID() string {
	return "conn_" + uuid.New().String()
}

// NewRequestID generates an opaque correlation identifier for request/response
// round-trips (e.g. token refresh requests).
func NewRequestID() string {
	return "req_" + uuid.New().String()
}
