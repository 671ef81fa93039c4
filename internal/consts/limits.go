package consts

import "time"

// Buffer sizes for various operations
const (
	// BufferSize1KB is 1 kilobyte
	BufferSize1KB = 1024
	// BufferSize64KB is 64 kilobytes
	BufferSize64KB = 64 * 1024
	// BufferSize1MB is 1 megabyte
	BufferSize1MB = 1024 * 1024
)

// Channel capacities
const (
	// EventBufferSize is the per-subscriber event buffer capacity
	EventBufferSize = 256
	// RunnerOutputBufferSize is the capacity of runner output channels
	RunnerOutputBufferSize = 100
)

// Timeouts for various operations
const (
	// Timeout1Second is a 1 second timeout
	Timeout1Second = 1 * time.Second
	// Timeout5Seconds is a 5 second timeout
	Timeout5Seconds = 5 * time.Second
	// Timeout10Seconds is a 10 second timeout
	Timeout10Seconds = 10 * time.Second
	// Timeout30Seconds is a 30 second timeout
	Timeout30Seconds = 30 * time.Second
	// Timeout2Minutes is a 2 minute timeout
	Timeout2Minutes = 2 * time.Minute
)

// Stream keepalive and shutdown intervals
const (
	// HeartbeatInterval is how long an idle event stream waits before
	// emitting a keepalive ping
	HeartbeatInterval = Timeout5Seconds
	// StopGracePeriod is how long a cancelled agent process gets between
	// the interrupt signal and a forced kill
	StopGracePeriod = Timeout10Seconds
	// ShutdownTimeout bounds graceful HTTP server shutdown
	ShutdownTimeout = Timeout5Seconds
)

// Time durations
const (
	// Duration24Hours is 24 hours (1 day)
	Duration24Hours = 24 * time.Hour
	// Duration30Days is the default archive eviction age
	Duration30Days = 30 * Duration24Hours
)

// LLM defaults
const (
	// DefaultMaxTokens is the default maximum tokens for LLM responses
	DefaultMaxTokens = 1024
)
