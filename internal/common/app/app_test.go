package app

import (
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestContextWithShutdown(t *testing.T) {
	signals := make(chan os.Signal, 2)
	exited := make(chan struct{})
	ctx := contextWithShutdown(signals, func() { close(exited) })

	assert.NoError(t, ctx.Err())

	signals <- syscall.SIGTERM
	select {
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("context not cancelled after first signal")
	}

	signals <- syscall.SIGINT
	select {
	case <-exited:
	case <-time.After(5 * time.Second):
		t.Fatal("exit not called after second signal")
	}
}
