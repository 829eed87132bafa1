package health

import (
	"regexp"
	"strings"
	"time"
)

// State values carried in Status.Status.
const (
	StateHealthy   = "healthy"
	StateDegraded  = "degraded"
	StateUnhealthy = "unhealthy"
)

// Message scrubbing patterns. Upstream and broker errors routinely embed
// endpoint URLs and, for token exchanges, credentials.
var (
	urlRegex        = regexp.MustCompile(`(?i)(https?|nats|tls)://[^\s]+`)
	ipAddrRegex     = regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}(:\d{2,5})?\b`)
	bearerRegex     = regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._~+/=-]+`)
	credentialRegex = regexp.MustCompile(`(?i)\b\w*(password|token|secret|credential)\w*\s*[:=]\s*[^,\s}]+`)
)

// Status represents the health state of a component or of the whole relay
type Status struct {
	Component   string    `json:"component"`
	Healthy     bool      `json:"healthy"`
	Status      string    `json:"status"`
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
	SubStatuses []Status  `json:"sub_statuses,omitempty"`
	Metrics     *Metrics  `json:"metrics,omitempty"`
}

// Metrics contains the relay counters reported alongside health
type Metrics struct {
	Uptime       time.Duration `json:"uptime"`
	Processed    int64         `json:"processed"`
	Published    int64         `json:"published"`
	Dropped      int64         `json:"dropped"`
	Outstanding  int64         `json:"outstanding"`
	LastActivity time.Time     `json:"last_activity,omitempty"`

	// Duplicate suppression
	Duplicates    int64   `json:"duplicates"`
	DedupLookups  int64   `json:"dedup_lookups"`
	DedupHitRatio float64 `json:"dedup_hit_ratio"`
}

// IsHealthy returns true if the status is healthy
func (s Status) IsHealthy() bool {
	return s.Status == StateHealthy
}

// IsDegraded returns true if the status is degraded
func (s Status) IsDegraded() bool {
	return s.Status == StateDegraded
}

// IsUnhealthy returns true if the status is unhealthy
func (s Status) IsUnhealthy() bool {
	return s.Status == StateUnhealthy
}

// WithMetrics returns a copy of the status with metrics attached
func (s Status) WithMetrics(metrics *Metrics) Status {
	s.Metrics = metrics
	return s
}

// WithSubStatus adds a sub-status and returns a copy
func (s Status) WithSubStatus(subStatus Status) Status {
	subs := make([]Status, len(s.SubStatuses), len(s.SubStatuses)+1)
	copy(subs, s.SubStatuses)
	s.SubStatuses = append(subs, subStatus)
	return s
}

// FromError builds an unhealthy status whose message is err with URLs,
// addresses and credentials scrubbed.
func FromError(component string, err error) Status {
	if err == nil {
		return NewHealthy(component, "ok")
	}
	return NewUnhealthy(component, Sanitize(err.Error()))
}

// Sanitize removes endpoint addresses and credentials from msg.
func Sanitize(msg string) string {
	if msg == "" {
		return ""
	}

	out := urlRegex.ReplaceAllString(msg, "[URL]")
	out = ipAddrRegex.ReplaceAllString(out, "[IP]")
	out = bearerRegex.ReplaceAllString(out, "Bearer [REDACTED]")

	lower := strings.ToLower(out)
	if strings.Contains(lower, "password") || strings.Contains(lower, "token") ||
		strings.Contains(lower, "secret") || strings.Contains(lower, "credential") {
		out = credentialRegex.ReplaceAllString(out, "[REDACTED]")
	}

	return out
}
