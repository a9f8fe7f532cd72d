package mem

import "testing"

func TestProtectionLevelString(t *testing.T) {
	tests := map[ProtectionLevel]string{
		ProtectionNone:    "none",
		ProtectionPartial: "partial",
		ProtectionFull:    "full",
	}
	for level, want := range tests {
		if got := level.String(); got != want {
			t.Errorf("ProtectionLevel(%d).String() = %q, want %q", level, got, want)
		}
	}
}
