// Package storetest starts an in-process Redis for package tests.
package storetest

import (
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/shopstate/kvcore/internal/logging"
	"github.com/shopstate/kvcore/internal/store"
)

// New returns a client bound to a fresh miniredis server. Both are closed
// when the test ends.
func New(t testing.TB) (*store.Client, *miniredis.Miniredis) {
	t.Helper()
	server, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: server.Addr(), MaxRetries: -1})
	client := store.New(rdb, time.Second, logging.Discard())
	t.Cleanup(func() {
		rdb.Close()
		server.Close()
	})
	return client, server
}
