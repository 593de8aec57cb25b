package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Auditor records security events with hashed identifiers so logs never
// contain raw user IDs or token material. An optional EventLimiter keeps a
// misbehaving client from flooding the audit stream.
type Auditor struct {
	logger  *slog.Logger
	limiter *EventLimiter
	enabled bool
}

// NewAuditor creates an auditor writing to the given logger. A nil limiter
// disables flood protection.
func NewAuditor(logger *slog.Logger, limiter *EventLimiter, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		limiter: limiter,
		enabled: enabled,
	}
}

// Event is a single security audit record.
type Event struct {
	Type         string
	UserID       string
	ClientID     string
	ConnectionID string
	IPAddress    string
	Details      map[string]any
	Timestamp    time.Time
}

// LogEvent writes an event, hashing the user identifier. Events are rate
// limited per event-type-and-IP pair.
func (a *Auditor) LogEvent(event Event) {
	if !a.enabled {
		return
	}
	if a.limiter != nil && !a.limiter.Allow(event.Type+":"+event.IPAddress) {
		return
	}

	event.Timestamp = time.Now()

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"user_id_hash", hashForLogging(event.UserID),
		"client_id", event.ClientID,
		"connection_id", event.ConnectionID,
		"ip_address", event.IPAddress,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// hashForLogging returns a truncated SHA-256 of a sensitive value so events
// for the same subject remain correlatable without exposing the value.
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
