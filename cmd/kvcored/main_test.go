package main

import (
	"path/filepath"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func TestRunReportsConfigErrors(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "absent.yaml")
	require.Equal(t, 1, run([]string{"-config", missing, "-env-prefix", "KVCORETEST"}))
	require.Equal(t, 2, run([]string{"-no-such-flag"}))
}

func TestRunClosesStoreWhenListenerFails(t *testing.T) {
	server := miniredis.RunT(t)
	t.Setenv("KVCORETEST_REDIS__ADDR", server.Addr())
	t.Setenv("KVCORETEST_LISTEN__ADDRESS", "127.0.0.1:-1")
	t.Setenv("KVCORETEST_LOGGING__LEVEL", "error")

	require.Equal(t, 1, run([]string{"-env-prefix", "KVCORETEST"}))
	require.Eventually(t, func() bool {
		return server.CurrentConnectionCount() == 0
	}, time.Second, 10*time.Millisecond, "redis connections left open after run returned")
}
