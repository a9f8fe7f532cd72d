package audit

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormatSyslogMessage(t *testing.T) {
	event := newEvent("work", ActionDataWrite, false, map[string]interface{}{
		"slot":       "tamga-passwords",
		"request_id": "req-1",
		"error":      "vault is locked",
		"namespace":  "tamga",
		"attempt":    2,
	})

	assert.Equal(t,
		`action=DATA_WRITE success=false profile=work slot=tamga-passwords request=req-1 error="vault is locked" attempt=2 namespace=tamga`,
		formatSyslogMessage(event))
}

func TestFormatSyslogMessageEmptyProfile(t *testing.T) {
	event := newEvent("", ActionLock, true, nil)
	assert.Equal(t, `action=VAULT_LOCK success=true profile=""`, formatSyslogMessage(event))
}

func TestSyslogSeverity(t *testing.T) {
	tests := []struct {
		name  string
		event Event
		level string
		want  severity
	}{
		{"StorageFailure", Event{Action: ActionDataWrite, Error: "disk full"}, "", severityErr},
		{"WrongPassword", Event{Action: ActionAuthFailure, Error: "authentication failed"}, "", severityWarning},
		{"FailureWithoutError", Event{Action: ActionBackupImport}, "", severityWarning},
		{"Unlock", Event{Action: ActionUnlock, Success: true}, "error", severityNotice},
		{"RoutineRead", Event{Action: ActionDataRead, Success: true}, "", severityInfo},
		{"RoutineReadQuiet", Event{Action: ActionDataRead, Success: true}, "warn", severityNone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, syslogSeverity(tt.event, tt.level))
		})
	}
}
