package launcher

import (
	"errors"
	"fmt"
)

var (
	ErrChildNotFound = errors.New("child executable not found")
	ErrSpawnFailed   = errors.New("spawn failed")
)

// Handle is a native process handle. On every supported platform it is the
// process id.
type Handle int

// NullHandle is returned while no process exists.
const NullHandle Handle = 0

// Valid reports whether h refers to a process.
func (h Handle) Valid() bool { return h > 0 }

// TerminationStatus classifies how a child ended.
type TerminationStatus int

const (
	StatusNormal TerminationStatus = iota
	StatusCrashed
	StatusKilled
	StatusStillRunning
)

func (s TerminationStatus) String() string {
	switch s {
	case StatusNormal:
		return "normal"
	case StatusCrashed:
		return "crashed"
	case StatusKilled:
		return "killed"
	case StatusStillRunning:
		return "still-running"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Result codes used when the host ends a child itself.
const (
	ResultCodeNormalExit       = 0
	ResultCodeKilled           = 1
	ResultCodeHung             = 2
	ResultCodeKilledBadMessage = 3
	ResultCodeLaunchFailed     = 4
	ResultCodeChannelHandshake = 5
)

// Client receives launch results on the control loop.
type Client interface {
	OnProcessLaunched()
	OnProcessLaunchFailed(err error)
}

// ExitClient is implemented by clients that want to hear about a child
// exiting on its own. The notification is posted after the launch result.
type ExitClient interface {
	OnProcessExited()
}

// Process is a launched or launching child.
type Process interface {
	// IsStarting reports whether the launch result is still outstanding.
	IsStarting() bool
	// Handle returns the native handle, or NullHandle before launch.
	Handle() Handle
	// TerminationStatus classifies the child's end. alreadyDead tells the
	// process that the caller has independent evidence the child is gone.
	TerminationStatus(alreadyDead bool) (TerminationStatus, int)
	SetBackgrounded(backgrounded bool)
	// Terminate kills the child and records exitCode as the reason.
	Terminate(exitCode int) bool
	// Release suppresses further callbacks and ends the child if it is
	// still running.
	Release()
}

// Launcher starts children.
type Launcher interface {
	Launch(cmd *CommandLine, client Client) Process
}
