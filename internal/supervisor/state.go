package supervisor

import "errors"

// ProcessState is the lifecycle state of a supervised domain
type ProcessState string

const (
	StateOffline   ProcessState = "offline"
	StateStarting  ProcessState = "starting"
	StateOnline    ProcessState = "online"
	StateStopping  ProcessState = "stopping"
	StateUnmanaged ProcessState = "unmanaged" // matching process exists but was not spawned by us
)

// AllStates lists every state, for metrics
var AllStates = []ProcessState{StateOffline, StateStarting, StateOnline, StateStopping, StateUnmanaged}

var (
	ErrExecutableNotFound = errors.New("executable not found")
	ErrLaunch             = errors.New("failed to launch process")
	ErrReadinessTimeout   = errors.New("process did not become ready in time")
	ErrExitedEarly        = errors.New("process exited during startup")
	ErrStopTimeout        = errors.New("process did not stop in time")
	ErrUnmanagedConflict  = errors.New("unmanaged process present")
	ErrUnknownInstruction = errors.New("unknown instruction")
)
