package mem

// ProtectionLevel indicates how well the process can keep key material out
// of swap.
type ProtectionLevel int

const (
	ProtectionNone    ProtectionLevel = iota // No memory protection available
	ProtectionPartial                        // Enclaves only, pages may still swap
	ProtectionFull                           // All pages locked in RAM
)

func (p ProtectionLevel) String() string {
	switch p {
	case ProtectionFull:
		return "full"
	case ProtectionPartial:
		return "partial"
	default:
		return "none"
	}
}

// Lock attempts to prevent process memory from being swapped to disk.
// Returns the protection level achieved and any error encountered
func Lock() (ProtectionLevel, error) {
	return lockMemoryPlatform()
}

// Unlock releases memory locks if they were applied
func Unlock() error {
	return unlockMemoryPlatform()
}
