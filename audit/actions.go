package audit

// Audit actions recorded by the vault.
const (
	ActionInitialize     = "VAULT_INITIALIZE"
	ActionUnlock         = "VAULT_UNLOCK"
	ActionLock           = "VAULT_LOCK"
	ActionPasswordChange = "PASSWORD_CHANGE"
	ActionPasswordRemove = "PASSWORD_REMOVE"
	ActionDataRead       = "DATA_READ"
	ActionDataWrite      = "DATA_WRITE"
	ActionBackupExport   = "BACKUP_EXPORT"
	ActionBackupImport   = "BACKUP_IMPORT"
	ActionBackupDelete   = "BACKUP_DELETE"
	ActionMigrate        = "NAMESPACE_MIGRATE"
	ActionProfileCreate  = "PROFILE_CREATE"
	ActionProfileDelete  = "PROFILE_DELETE"
	ActionAuthFailure    = "AUTH_FAILURE"

	// Written by the CLI around each state-changing command.
	ActionCommandStart    = "COMMAND_START"
	ActionCommandComplete = "COMMAND_COMPLETE"
)

var authActions = map[string]bool{
	ActionInitialize:     true,
	ActionUnlock:         true,
	ActionLock:           true,
	ActionPasswordChange: true,
	ActionPasswordRemove: true,
	ActionAuthFailure:    true,
}

// IsAuthAction reports whether action belongs to the auth state machine.
func IsAuthAction(action string) bool {
	return authActions[action]
}

func isSecurityCriticalAction(action string) bool {
	switch action {
	case ActionUnlock, ActionPasswordChange, ActionPasswordRemove, ActionAuthFailure, ActionBackupImport:
		return true
	}
	return false
}
