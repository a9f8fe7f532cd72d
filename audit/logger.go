package audit

import (
	"encoding/json"
	"fmt"
	"time"
)

// Config defines audit logging configuration
type Config struct {
	Enabled  bool                   `json:"enabled"`
	Profile  string                 `json:"profile"`
	Type     ConfigType             `json:"type"`    // "file", "syslog", "zerolog"
	Options  map[string]interface{} `json:"options"` // Provider-specific options
	LogLevel string                 `json:"log_level,omitempty"`
}

type ConfigType string

const (
	FileAuditType    ConfigType = "file"
	SyslogAuditType  ConfigType = "syslog"
	ZerologAuditType ConfigType = "zerolog"
	NoOp             ConfigType = ""
)

// Logger interface for pluggable audit implementations.
//
// Well known metadata keys (profile, request_id, error, collection, slot, user_id,
// session_id, duration_ms) are lifted into the matching Event fields.
type Logger interface {
	Log(action string, success bool, metadata map[string]interface{}) error
	Query(options QueryOptions) (QueryResult, error)
	Close() error
}

// Event represents an audit log event. It never carries secret material:
// only slot and collection names, counts and outcomes.
type Event struct {
	ID         string                 `json:"id"`
	RequestID  string                 `json:"request_id"`
	Timestamp  time.Time              `json:"timestamp"`
	Profile    string                 `json:"profile"`
	Action     string                 `json:"action"`
	Success    bool                   `json:"success"`
	Error      string                 `json:"error,omitempty"`
	Collection string                 `json:"collection,omitempty"`
	Slot       string                 `json:"slot,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	UserID     string                 `json:"user_id,omitempty"`
	Source     string                 `json:"source,omitempty"` // IP, hostname, etc.
	SessionID  string                 `json:"session_id,omitempty"`
	Duration   int64                  `json:"duration_ms,omitempty"`
}

// QueryOptions for filtering audit logs
type QueryOptions struct {
	Profile    string
	Since      *time.Time
	Until      *time.Time
	Action     string
	Success    *bool // nil = all, true = only success, false = only failures
	Collection string
	Limit      int
	Offset     int
	AuthEvents bool // Only unlock, lock and master password events
}

// QueryResult contains the results of an audit query
type QueryResult struct {
	Events     []Event `json:"events"`
	TotalCount int     `json:"total_count"`
	Filtered   int     `json:"filtered"`
	HasMore    bool    `json:"has_more"`
}

// NewLogger creates an appropriate logger based on configuration
func NewLogger(config *Config) (Logger, error) {
	if config == nil || !config.Enabled {
		return &NoOpLogger{}, nil
	}

	switch config.Type {
	case FileAuditType:
		return NewFileLogger(config)
	case SyslogAuditType:
		return NewSyslogLogger(config)
	case ZerologAuditType:
		return NewZerologLogger(config)
	case NoOp:
		return &NoOpLogger{}, nil
	default:
		return nil, fmt.Errorf("unknown audit provider: %s", config.Type)
	}
}

// newEvent builds an Event, moving well known metadata keys into fields.
func newEvent(profile, action string, success bool, metadata map[string]interface{}) Event {
	event := Event{
		ID:        generateEventID(),
		Timestamp: time.Now().UTC(),
		Profile:   profile,
		Action:    action,
		Success:   success,
	}

	rest := make(map[string]interface{}, len(metadata))
	for k, v := range metadata {
		switch k {
		case "profile":
			event.Profile = fmt.Sprint(v)
		case "request_id":
			event.RequestID = fmt.Sprint(v)
		case "error":
			event.Error = fmt.Sprint(v)
		case "collection":
			event.Collection = fmt.Sprint(v)
		case "slot":
			event.Slot = fmt.Sprint(v)
		case "user_id":
			event.UserID = fmt.Sprint(v)
		case "session_id":
			event.SessionID = fmt.Sprint(v)
		case "source":
			event.Source = fmt.Sprint(v)
		case "duration_ms":
			switch d := v.(type) {
			case int64:
				event.Duration = d
			case int:
				event.Duration = int64(d)
			}
		default:
			rest[k] = v
		}
	}
	if len(rest) > 0 {
		event.Metadata = rest
	}
	return event
}

// matchesFilter checks if an event matches the query filters
func matchesFilter(event Event, options QueryOptions) bool {
	if options.Profile != "" && event.Profile != options.Profile {
		return false
	}
	if options.Since != nil && event.Timestamp.Before(*options.Since) {
		return false
	}
	if options.Until != nil && event.Timestamp.After(*options.Until) {
		return false
	}
	if options.Action != "" && event.Action != options.Action {
		return false
	}
	if options.Success != nil && event.Success != *options.Success {
		return false
	}
	if options.Collection != "" && event.Collection != options.Collection {
		return false
	}
	if options.AuthEvents && !IsAuthAction(event.Action) {
		return false
	}
	return true
}

// parseOptions converts map[string]interface{} to specific options struct
func parseOptions(options map[string]interface{}, target interface{}) error {
	if len(options) == 0 {
		return nil
	}

	jsonData, err := json.Marshal(options)
	if err != nil {
		return fmt.Errorf("failed to marshal options: %w", err)
	}

	if err = json.Unmarshal(jsonData, target); err != nil {
		return fmt.Errorf("failed to unmarshal options: %w", err)
	}

	return nil
}
