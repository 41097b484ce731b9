package domain

// CleanupReport summarizes a cleanup-all run.
type CleanupReport struct {
	TasksCancelled    int      `json:"tasks_cancelled"`
	TasksCleaned      int      `json:"tasks_cleaned"`
	ConnectionsClosed int      `json:"connections_closed"`
	SessionsCleared   int      `json:"sessions_cleared"`
	FirewallReset     bool     `json:"firewall_reset"`
	CapabilitiesReset bool     `json:"capabilities_reset"`
	Errors            []string `json:"errors,omitempty"`
}
