package backup

import (
	"time"

	"github.com/google/uuid"
)

// GenerateBackupID returns "<prefix>-backup-YYYY-MM-DD-<8 hex chars>".
func GenerateBackupID(prefix string, now time.Time) string {
	return prefix + "-backup-" + now.UTC().Format("2006-01-02") + "-" + uuid.NewString()[:8]
}
