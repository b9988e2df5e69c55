package txn

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ftotnem/arena-cluster/shared/errs"
	"github.com/Ftotnem/arena-cluster/shared/lock"
	"github.com/Ftotnem/arena-cluster/shared/store/storetest"
)

const p = storetest.Prefix

func newManager(t *testing.T) (*Manager, *lock.Manager, *miniredis.Miniredis) {
	t.Helper()
	s, mr := storetest.New(t)
	locks := lock.NewManager(s, lock.Options{TTL: 5 * time.Second, RetryCount: 0, RetryDelay: 10 * time.Millisecond}, nil)
	return NewManager(s, locks, nil, nil), locks, mr
}

func TestExecuteCommits(t *testing.T) {
	m, _, mr := newManager(t)
	ctx := context.Background()

	ops, err := NewBuilder().
		Set("room:1", `{"id":"1"}`, time.Minute).
		SAdd("rooms", "1", 0).
		HSet("entry", "playerId", "p1", time.Minute).
		ZAdd("index", "p1:s1", 42, 0).
		Build()
	require.NoError(t, err)

	res, err := m.Execute(ctx, ops)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 4, res.ExecutedOperations)

	v, _ := mr.Get(p + "room:1")
	assert.Equal(t, `{"id":"1"}`, v)
	assert.True(t, mr.TTL(p+"room:1") > 0)
	ok, _ := mr.SIsMember(p+"rooms", "1")
	assert.True(t, ok)
	assert.Equal(t, "p1", mr.HGet(p+"entry", "playerId"))
	assert.True(t, mr.TTL(p+"entry") > 0)
	score, _ := mr.ZScore(p+"index", "p1:s1")
	assert.Equal(t, 42.0, score)

	rec, err := m.Status(ctx, res.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, StatusCommitted, rec.Status)
	assert.Len(t, rec.Operations, 4)
	assert.True(t, mr.TTL(p+"transaction:"+res.TransactionID) > 0)
}

func TestExecuteRollsBackReversibleOperations(t *testing.T) {
	m, _, mr := newManager(t)
	ctx := context.Background()
	require.NoError(t, mr.Set(p+"blocker", "string value"))

	ops, err := NewBuilder().
		Set("a", "1", 0).
		SAdd("b", "member", 0).
		HSet("blocker", "field", "x", 0). // WRONGTYPE at EXEC
		Build()
	require.NoError(t, err)

	res, err := m.Execute(ctx, ops)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrTransactionFailed))
	assert.False(t, res.Success)
	assert.True(t, res.RolledBack)
	assert.Equal(t, 2, res.ExecutedOperations)

	assert.False(t, mr.Exists(p+"a"))
	assert.False(t, mr.Exists(p+"b"))
	v, _ := mr.Get(p + "blocker")
	assert.Equal(t, "string value", v)

	rec, err := m.Status(ctx, res.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, StatusRolledBack, rec.Status)
	assert.NotEmpty(t, rec.Error)
	assert.NotEmpty(t, rec.Preimages)
}

func TestExecuteRestoresDestructiveOperations(t *testing.T) {
	m, _, mr := newManager(t)
	ctx := context.Background()

	require.NoError(t, mr.Set(p+"session", "data"))
	mr.SetTTL(p+"session", 10*time.Minute)
	mr.HSet(p+"entry", "f", "old", "g", "1")
	_, _ = mr.SetAdd(p+"queue", "a", "b")
	_, _ = mr.ZAdd(p+"index", 7, "a")
	require.NoError(t, mr.Set(p+"blocker", "x"))

	ops, err := NewBuilder().
		Del("session").
		HDel("entry", "g").
		HSet("entry", "f", "new", 0).
		SRem("queue", "a").
		SAdd("queue", "c", 0).
		ZRem("index", "a").
		Expire("entry", time.Second).
		SAdd("blocker", "boom", 0).
		Build()
	require.NoError(t, err)

	res, err := m.Execute(ctx, ops)
	require.Error(t, err)
	assert.True(t, res.RolledBack)
	assert.Equal(t, 7, res.ExecutedOperations)

	v, err := mr.Get(p + "session")
	require.NoError(t, err)
	assert.Equal(t, "data", v)
	assert.True(t, mr.TTL(p+"session") > 0)

	assert.Equal(t, "old", mr.HGet(p+"entry", "f"))
	assert.Equal(t, "1", mr.HGet(p+"entry", "g"))
	assert.Equal(t, time.Duration(0), mr.TTL(p+"entry"))

	members, err := mr.Members(p + "queue")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, members)

	score, err := mr.ZScore(p+"index", "a")
	require.NoError(t, err)
	assert.Equal(t, 7.0, score)
}

func TestExecuteLockTimeout(t *testing.T) {
	m, locks, mr := newManager(t)
	ctx := context.Background()

	held, err := locks.AcquireLock(ctx, "room:create:r1")
	require.NoError(t, err)
	defer locks.ReleaseLock(ctx, held)

	ops, _ := NewBuilder().Set("room:r1", "x", 0).Build()
	res, err := m.Execute(ctx, ops, Options{LockKeys: []string{"room:create:r1", "player:action:p1"}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrLockTimeout))
	assert.False(t, res.Success)
	assert.False(t, mr.Exists(p+"room:r1"))

	// Locks taken before the failure are released.
	locked, err := locks.IsLocked(ctx, "player:action:p1")
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestExecuteValidatesOperations(t *testing.T) {
	m, _, _ := newManager(t)
	_, err := m.Execute(context.Background(), []Operation{{Type: OpSAdd, Key: "s"}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrValidation))

	res, err := m.Execute(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestBuilder(t *testing.T) {
	b := NewBuilder().SetJSON("k", map[string]int{"a": 1}, 0)
	ops, err := b.Build()
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, `{"a":1}`, ops[0].Value)

	b.SetJSON("bad", make(chan int), 0)
	_, err = b.Build()
	require.Error(t, err)

	b.Clear()
	assert.Equal(t, 0, b.Len())
	_, err = b.Build()
	require.NoError(t, err)
}

func TestStatusNotFound(t *testing.T) {
	m, _, _ := newManager(t)
	_, err := m.Status(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrNotFound))
}

func TestCleanupExpired(t *testing.T) {
	m, _, mr := newManager(t)
	ctx := context.Background()

	old := time.Now().Add(-2 * time.Hour).UnixMilli()
	mr.HSet(p+"transaction:old", "id", "old", "createdAt", itoa(old))

	ops, _ := NewBuilder().Set("k", "v", 0).Build()
	res, err := m.Execute(ctx, ops)
	require.NoError(t, err)

	removed, err := m.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.False(t, mr.Exists(p+"transaction:old"))
	assert.True(t, mr.Exists(p+"transaction:"+res.TransactionID))
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}
