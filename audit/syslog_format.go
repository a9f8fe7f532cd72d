package audit

import (
	"fmt"
	"sort"
	"strings"
)

type SyslogOptions struct {
	Network  string `json:"network"` // "tcp", "udp", "" for the local daemon
	Address  string `json:"address"` // "localhost:514"
	Facility int    `json:"facility"`
	Tag      string `json:"tag"`
}

type severity int

const (
	severityNone severity = iota
	severityInfo
	severityNotice
	severityWarning
	severityErr
)

// syslogSeverity maps an event to a severity. Routine successes are dropped
// when level is "warn" or "error".
func syslogSeverity(event Event, level string) severity {
	switch {
	case !event.Success && event.Error != "" && event.Action != ActionAuthFailure:
		return severityErr
	case !event.Success:
		return severityWarning
	case isSecurityCriticalAction(event.Action):
		return severityNotice
	case level == "error" || level == "warn":
		return severityNone
	default:
		return severityInfo
	}
}

// formatSyslogMessage renders event as one key=value line. Values holding
// spaces are quoted.
func formatSyslogMessage(event Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "action=%s success=%t profile=%s", event.Action, event.Success, quoteValue(event.Profile))

	fields := []struct{ k, v string }{
		{"slot", event.Slot},
		{"collection", event.Collection},
		{"user", event.UserID},
		{"request", event.RequestID},
		{"error", event.Error},
	}
	for _, f := range fields {
		if f.v != "" {
			fmt.Fprintf(&b, " %s=%s", f.k, quoteValue(f.v))
		}
	}

	keys := make([]string, 0, len(event.Metadata))
	for k := range event.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%s", k, quoteValue(fmt.Sprint(event.Metadata[k])))
	}
	return b.String()
}

func quoteValue(s string) string {
	if s == "" || strings.ContainsAny(s, " \t\"=") {
		return fmt.Sprintf("%q", s)
	}
	return s
}
