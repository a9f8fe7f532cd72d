package misc

const (
	// KDFIterations is the PBKDF2-HMAC-SHA256 work factor. Vault files written
	// by every earlier release use this value, so it is also the floor.
	KDFIterations = 100000
	KeyLen        = 32 // AES-256
	SaltSize      = 16
	NonceSize     = 12
	TagSize       = 16

	// ExportVersion is stamped into every exported payload.
	ExportVersion = 2

	FilePermissions = 0600 // user read + write
	DirPermissions  = 0700
)
