package auth

// Known OAuth scopes used by the service.
const (
	// ScopeTelemetryWrite is carried by device credentials and the simulator.
	ScopeTelemetryWrite = "telemetry:write"
	// ScopeCyclesRead allows dashboard reads of cycles, logs, and stats.
	ScopeCyclesRead = "cycles:read"
	// ScopeCyclesWrite allows registration and lock commands from the dashboard.
	ScopeCyclesWrite = "cycles:write"
)
