// Package health provides relay health monitoring and status reporting.
package health

// SystemStatus represents the overall health state of the relay or a stream.
type SystemStatus string

const (
	StatusHealthy  SystemStatus = "healthy"
	StatusDegraded SystemStatus = "degraded"
	StatusCritical SystemStatus = "critical"
)

// StreamHealth contains health metrics for a single upstream stream.
type StreamHealth struct {
	Stream      string       `json:"stream"`
	Status      SystemStatus `json:"status"`
	Connected   bool         `json:"connected"`
	Retries     uint64       `json:"retries"`
	Messages    uint64       `json:"messages"`
	LastMessage string       `json:"last_message,omitempty"`
}

// HealthReport contains the full relay health report.
type HealthReport struct {
	SystemStatus SystemStatus            `json:"system_status"`
	Streams      map[string]StreamHealth `json:"streams"`
}
