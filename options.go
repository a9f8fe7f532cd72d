package tamga

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/osmn-byhn/tamga/internal/misc"
)

const DefaultNamespace = "tamga"

// Options configures a Vault.
//
// Namespace prefixes every slot the vault writes ({ns}-salt, {ns}-passwords,
// ...). Existing vault files use "tamga", which is the default; change it only
// for a fresh vault.
//
// KDFIterations is the PBKDF2 work factor. Zero selects 100,000, which is also
// the minimum. Every device that must open this vault's backups has to use
// the same value.
//
// EnableMemoryLock asks the OS to keep the process out of swap (mlockall). It
// is best effort: without the privilege the vault still runs and the derived
// key stays inside a memguard enclave.
type Options struct {
	Namespace string `json:"namespace,omitempty"`

	KDFIterations int `json:"kdf_iterations,omitempty"`

	EnableMemoryLock bool `json:"enable_memory_lock"`

	// Logger receives operational debug and warning events. Secrets, keys and
	// plaintext are never logged. Nil disables logging.
	Logger *zerolog.Logger `json:"-"`

	// UserID is recorded in audit events.
	UserID string `json:"-"`
}

func (o Options) namespace() string {
	if o.Namespace == "" {
		return DefaultNamespace
	}
	return o.Namespace
}

func (o Options) iterations() int {
	if o.KDFIterations == 0 {
		return misc.KDFIterations
	}
	return o.KDFIterations
}

func validateOptions(o Options) error {
	ns := o.namespace()
	if strings.ContainsAny(ns, "/\\ .") {
		return fmt.Errorf("namespace %q contains invalid characters", ns)
	}
	if len(ns) > 64 {
		return fmt.Errorf("namespace too long (max 64 characters)")
	}
	if o.KDFIterations != 0 && o.KDFIterations < misc.KDFIterations {
		return fmt.Errorf("kdf iterations must be at least %d", misc.KDFIterations)
	}
	return nil
}
