//go:build linux || darwin || freebsd || openbsd || netbsd || dragonfly

package tamga

import (
	"os"
	"os/signal"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Interrupt handling belongs to the host program. The vault must keep its key
// after the process receives SIGINT that the host chose to handle.
func TestInterruptLeftToHost(t *testing.T) {
	v, _ := newUnlockedVault(t)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt)
	defer signal.Stop(sigs)

	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGINT))

	select {
	case <-sigs:
	case <-time.After(2 * time.Second):
		t.Fatal("interrupt was not delivered")
	}
	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, StateUnlocked, v.State())
	_, err := v.AddCredential(Credential{Platform: "github", Username: "me", Value: "s3cret"})
	assert.NoError(t, err)
}
