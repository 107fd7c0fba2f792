package services

// ServiceType identifies one of the agent's local sub-services.
type ServiceType string

const (
	ServiceCodeServer ServiceType = "code-server"
	ServiceApp        ServiceType = "app"
	ServiceDb         ServiceType = "db"
)

// AllServices lists every tracked service type.
var AllServices = []ServiceType{ServiceCodeServer, ServiceApp, ServiceDb}

// State is the observable lifecycle state of a service.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
)

// Action is a commanded transition.
type Action string

const (
	ActionStart Action = "start"
	ActionStop  Action = "stop"
)

// Notification reports a completed state transition for upstream telemetry.
type Notification struct {
	Service ServiceType
	State   State
}
