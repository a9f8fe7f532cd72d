package tamga

import "strings"

// isValidSlotName mirrors the names every store backend accepts.
func isValidSlotName(name string) bool {
	if name == "" || len(name) > 200 {
		return false
	}
	return !strings.Contains(name, "..") &&
		!strings.ContainsAny(name, "/\\ ") &&
		!strings.HasPrefix(name, ".")
}

// isCredentialSlot matches a salt or validator slot of any namespace.
func isCredentialSlot(name string) bool {
	return name == "salt" || name == "validator" ||
		strings.HasSuffix(name, "-salt") || strings.HasSuffix(name, "-validator")
}
