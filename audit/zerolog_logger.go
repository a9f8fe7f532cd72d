package audit

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
)

var _ Logger = (*ZerologLogger)(nil)

type ZerologOptions struct {
	// Output is "stderr" (default) or "stdout".
	Output string `json:"output"`
}

// ZerologLogger writes audit events as structured zerolog records. Like
// syslog it is write-only.
type ZerologLogger struct {
	config *Config
	logger zerolog.Logger
}

func NewZerologLogger(config *Config) (*ZerologLogger, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	var opts ZerologOptions
	if err := parseOptions(config.Options, &opts); err != nil {
		return nil, fmt.Errorf("invalid zerolog logger options: %w", err)
	}

	var out io.Writer = os.Stderr
	if opts.Output == "stdout" {
		out = os.Stdout
	}

	return NewZerologLoggerWithWriter(config, out), nil
}

// NewZerologLoggerWithWriter sends events to w.
func NewZerologLoggerWithWriter(config *Config, w io.Writer) *ZerologLogger {
	return &ZerologLogger{
		config: config,
		logger: zerolog.New(w).With().Timestamp().Str("component", "audit").Logger(),
	}
}

func (z *ZerologLogger) Log(action string, success bool, metadata map[string]interface{}) error {
	event := newEvent(z.config.Profile, action, success, metadata)

	var e *zerolog.Event
	switch {
	case !success:
		e = z.logger.Warn()
	case isSecurityCriticalAction(action):
		e = z.logger.Info()
	default:
		e = z.logger.Debug()
	}

	e = e.Str("event_id", event.ID).
		Str("profile", event.Profile).
		Str("action", event.Action).
		Bool("success", event.Success)
	if event.RequestID != "" {
		e = e.Str("request_id", event.RequestID)
	}
	if event.Collection != "" {
		e = e.Str("collection", event.Collection)
	}
	if event.Slot != "" {
		e = e.Str("slot", event.Slot)
	}
	if event.Error != "" {
		e = e.Str("error", event.Error)
	}
	if len(event.Metadata) > 0 {
		e = e.Fields(event.Metadata)
	}
	e.Msg("audit")
	return nil
}

func (z *ZerologLogger) Query(options QueryOptions) (QueryResult, error) {
	return QueryResult{Events: []Event{}}, fmt.Errorf("zerolog logger does not support querying historical data")
}

func (z *ZerologLogger) Close() error {
	return nil
}
