// shared/store/storetest/storetest.go
package storetest

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/Ftotnem/arena-cluster/shared/store"
)

// Prefix is the key prefix used by test stores.
const Prefix = "test:"

// New starts a miniredis server and returns a Store bound to it. Both are closed
// when the test ends.
func New(t testing.TB) (*store.Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return store.New(client, Prefix, nil), mr
}
