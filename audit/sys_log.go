//go:build !windows && !plan9

package audit

import (
	"fmt"
	"log/syslog"
)

var _ Logger = (*SyslogLogger)(nil)

// SyslogLogger forwards audit events to the local or a remote syslog daemon.
// Auth state machine events go to the authpriv facility, everything else to
// the facility in SyslogOptions.
type SyslogLogger struct {
	config *Config
	opts   SyslogOptions
	data   *syslog.Writer
	auth   *syslog.Writer
}

func NewSyslogLogger(config *Config) (Logger, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	var opts SyslogOptions
	if err := parseOptions(config.Options, &opts); err != nil {
		return nil, fmt.Errorf("invalid syslog logger options: %w", err)
	}
	if opts.Tag == "" {
		opts.Tag = "tamga-audit"
	}

	facility := syslog.LOG_USER
	if opts.Facility != 0 {
		facility = syslog.Priority(opts.Facility)
	}

	data, err := dialSyslog(opts, facility|syslog.LOG_INFO)
	if err != nil {
		return nil, err
	}
	auth, err := dialSyslog(opts, syslog.LOG_AUTHPRIV|syslog.LOG_NOTICE)
	if err != nil {
		data.Close()
		return nil, err
	}

	return &SyslogLogger{config: config, opts: opts, data: data, auth: auth}, nil
}

func dialSyslog(opts SyslogOptions, priority syslog.Priority) (*syslog.Writer, error) {
	var (
		w   *syslog.Writer
		err error
	)
	if opts.Network != "" && opts.Address != "" {
		w, err = syslog.Dial(opts.Network, opts.Address, priority, opts.Tag)
	} else {
		w, err = syslog.New(priority, opts.Tag)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create syslog writer: %w", err)
	}
	return w, nil
}

func (s *SyslogLogger) Log(action string, success bool, metadata map[string]interface{}) error {
	if !s.config.Enabled {
		return nil
	}
	if s.data == nil {
		return fmt.Errorf("syslog logger is closed")
	}

	event := newEvent(s.config.Profile, action, success, metadata)
	event.Source = "tamga"

	w := s.data
	if IsAuthAction(event.Action) {
		w = s.auth
	}
	msg := formatSyslogMessage(event)

	switch syslogSeverity(event, s.config.LogLevel) {
	case severityErr:
		return w.Err(msg)
	case severityWarning:
		return w.Warning(msg)
	case severityNotice:
		return w.Notice(msg)
	case severityInfo:
		return w.Info(msg)
	default:
		return nil
	}
}

func (s *SyslogLogger) Close() error {
	var err error
	for _, w := range []*syslog.Writer{s.data, s.auth} {
		if w != nil {
			if closeErr := w.Close(); closeErr != nil && err == nil {
				err = closeErr
			}
		}
	}
	s.data, s.auth = nil, nil
	return err
}

// Query is unsupported; syslog is write-only from our side.
func (s *SyslogLogger) Query(options QueryOptions) (QueryResult, error) {
	return QueryResult{Events: []Event{}}, fmt.Errorf("syslog logger does not support querying historical data")
}
