package supervisor

import "time"

// EventType tags one lifecycle event.
type EventType string

const (
	// EventSpawn fires when a child starts. PID is set.
	EventSpawn EventType = "spawn"

	// EventExit fires on every child exit, planned or not. ExitCode and
	// Signal are set.
	EventExit EventType = "exit"

	// EventRespawn fires before a backoff wait. Attempt and Delay are set.
	EventRespawn EventType = "respawn"

	// EventEscalation fires when automatic recovery stops. Failures is set.
	// Terminal for this supervisor.
	EventEscalation EventType = "escalation"

	// EventIPCError fires on a malformed or unexpected control frame.
	// Message is set. The channel and the child survive.
	EventIPCError EventType = "ipc_error"

	// EventRecycle fires when a scheduled or operator recycle respawns the
	// child. Message carries the recycle reason.
	EventRecycle EventType = "recycle"

	// EventShutdown fires exactly once, after the child is confirmed gone
	// (or was never running). Terminal.
	EventShutdown EventType = "shutdown"
)

// Event is one tagged lifecycle event. Only the fields relevant to Type
// are populated.
type Event struct {
	Type EventType
	Time time.Time

	// PID of the child the event concerns, when one exists.
	PID int

	// ExitCode and Signal describe an exit (EventExit).
	ExitCode int
	Signal   string

	// Attempt and Delay describe a pending respawn (EventRespawn).
	Attempt int
	Delay   time.Duration

	// Failures is the consecutive-failure count (EventEscalation).
	Failures int

	// Message carries free-form detail (EventIPCError, EventRecycle).
	Message string
}
