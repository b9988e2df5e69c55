// shared/txn/manager.go
package txn

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/Ftotnem/arena-cluster/shared/errs"
	"github.com/Ftotnem/arena-cluster/shared/lock"
	"github.com/Ftotnem/arena-cluster/shared/logging"
	"github.com/Ftotnem/arena-cluster/shared/metrics"
	redisu "github.com/Ftotnem/arena-cluster/shared/redis"
	"github.com/Ftotnem/arena-cluster/shared/store"
)

// Record statuses.
const (
	StatusPending    = "pending"
	StatusCommitted  = "committed"
	StatusRolledBack = "rolled_back"
	StatusFailed     = "failed"
)

const recordTTL = time.Hour

// Options tunes one Execute call.
type Options struct {
	Timeout    time.Duration
	RetryCount int
	RetryDelay time.Duration
	LockKeys   []string
}

func DefaultOptions() Options {
	return Options{Timeout: 30 * time.Second, RetryCount: 3, RetryDelay: time.Second}
}

// Result reports the outcome of Execute.
type Result struct {
	Success            bool
	TransactionID      string
	ExecutedOperations int
	RolledBack         bool
}

// Record is the stored audit entry of a transaction.
type Record struct {
	ID          string      `json:"id"`
	Status      string      `json:"status"`
	Operations  []Operation `json:"operations"`
	Preimages   []Preimage  `json:"preimages,omitempty"`
	CreatedAt   int64       `json:"createdAt"`
	CompletedAt int64       `json:"completedAt,omitempty"`
	Error       string      `json:"error,omitempty"`
}

// Manager executes operation lists as one MULTI/EXEC batch and undoes the applied
// part when a command fails.
type Manager struct {
	store   *store.Store
	locks   *lock.Manager
	metrics *metrics.Metrics
	logger  *zap.Logger
}

func NewManager(s *store.Store, locks *lock.Manager, m *metrics.Metrics, logger *zap.Logger) *Manager {
	return &Manager{
		store:   s,
		locks:   locks,
		metrics: metrics.OrNop(m),
		logger:  logging.OrNop(logger).Named("txn"),
	}
}

func (m *Manager) options(opts []Options) Options {
	d := DefaultOptions()
	if len(opts) == 0 {
		return d
	}
	o := opts[0]
	if o.Timeout <= 0 {
		o.Timeout = d.Timeout
	}
	if o.RetryCount < 0 {
		o.RetryCount = 0
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = d.RetryDelay
	}
	return o
}

// Execute applies ops atomically. When a command fails, the operations that took
// effect are reverted from their pre-images and ErrTransactionFailed is returned.
func (m *Manager) Execute(ctx context.Context, ops []Operation, opts ...Options) (Result, error) {
	o := m.options(opts)
	res := Result{TransactionID: uuid.NewString()}
	for _, op := range ops {
		if err := op.validate(); err != nil {
			return res, eris.Wrap(errs.ErrValidation, err.Error())
		}
	}
	if len(ops) == 0 {
		res.Success = true
		return res, nil
	}

	ctx, cancel := context.WithTimeout(ctx, o.Timeout)
	defer cancel()

	held, err := m.acquire(ctx, o.LockKeys)
	defer m.release(held)
	if err != nil {
		m.metrics.Transactions.WithLabelValues(StatusFailed).Inc()
		return res, err
	}

	rec := Record{ID: res.TransactionID, Status: StatusPending, Operations: ops, CreatedAt: time.Now().UnixMilli()}
	if err := m.writeRecord(ctx, rec); err != nil {
		return res, err
	}

	var (
		cmds  []redis.Cmder
		snaps map[string]Preimage
	)
	for attempt := 0; ; attempt++ {
		cmds, snaps, err = m.apply(ctx, ops)
		if !errors.Is(err, redis.TxFailedErr) || attempt >= o.RetryCount {
			break
		}
		m.logger.Debug("Transaction conflicted, retrying",
			zap.String("id", rec.ID), zap.Int("attempt", attempt+1))
		if werr := sleep(ctx, o.RetryDelay*time.Duration(attempt+1)); werr != nil {
			err = werr
			break
		}
	}
	rec.Preimages = preimageList(snaps)

	if err != nil && cmds == nil {
		rec.Status = StatusFailed
		rec.Error = err.Error()
		m.finish(ctx, rec)
		return res, eris.Wrapf(errs.ErrTransactionFailed, "transaction %s: %v", rec.ID, err)
	}

	executed, failed := m.inspect(ops, cmds)
	res.ExecutedOperations = len(executed)
	if failed == nil {
		res.Success = true
		rec.Status = StatusCommitted
		m.finish(ctx, rec)
		return res, nil
	}

	rec.Error = failed.Error()
	if rbErr := m.rollback(ctx, ops, executed, snaps); rbErr != nil {
		rec.Status = StatusFailed
		m.logger.Error("Rollback failed", zap.String("id", rec.ID), zap.Error(rbErr))
	} else {
		rec.Status = StatusRolledBack
		res.RolledBack = true
	}
	m.finish(ctx, rec)
	m.logger.Warn("Transaction rolled back",
		zap.String("id", rec.ID), zap.Int("executed", len(executed)), zap.Error(failed))
	return res, eris.Wrapf(errs.ErrTransactionFailed, "transaction %s: %v", rec.ID, failed)
}

// apply snapshots every touched key and runs ops inside WATCH/MULTI/EXEC. The returned
// commands map one-to-one onto ops.
func (m *Manager) apply(ctx context.Context, ops []Operation) ([]redis.Cmder, map[string]Preimage, error) {
	keys := uniqueKeys(ops)
	snaps := make(map[string]Preimage, len(keys))
	primaries := make([]redis.Cmder, len(ops))

	err := m.store.Watch(ctx, func(tx *redis.Tx) error {
		for _, k := range keys {
			p, err := capture(ctx, tx, m.store.Key(k))
			if err != nil {
				return err
			}
			p.Key = k
			snaps[k] = p
		}
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for i, op := range ops {
				primaries[i] = op.queue(ctx, pipe, m.store.Key(op.Key))
			}
			return nil
		})
		if errors.Is(err, redis.TxFailedErr) {
			return err
		}
		// Per-command errors are inspected by the caller.
		if err != nil && !isCommandError(primaries) {
			return err
		}
		return nil
	}, keys...)
	if err != nil {
		return nil, snaps, err
	}
	return primaries, snaps, nil
}

func isCommandError(cmds []redis.Cmder) bool {
	for _, c := range cmds {
		if c != nil && c.Err() != nil && !errors.Is(c.Err(), redis.Nil) {
			return true
		}
	}
	return false
}

func (m *Manager) inspect(ops []Operation, cmds []redis.Cmder) ([]int, error) {
	var (
		executed []int
		failed   error
	)
	for i := range ops {
		err := cmds[i].Err()
		if err != nil && !errors.Is(err, redis.Nil) {
			if failed == nil {
				failed = eris.Wrapf(err, "operation %d (%s %s)", i, ops[i].Type, ops[i].Key)
			}
			continue
		}
		executed = append(executed, i)
	}
	return executed, failed
}

func (m *Manager) rollback(ctx context.Context, ops []Operation, executed []int, snaps map[string]Preimage) error {
	if len(executed) == 0 {
		return nil
	}
	ctx = context.WithoutCancel(ctx)
	_, err := m.store.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for i := len(executed) - 1; i >= 0; i-- {
			op := ops[executed[i]]
			undo(ctx, pipe, op, m.store.Key(op.Key), snaps[op.Key])
		}
		return nil
	})
	return err
}

func (m *Manager) acquire(ctx context.Context, keys []string) ([]*lock.Lock, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)

	var held []*lock.Lock
	var prev string
	for i, k := range sorted {
		if i > 0 && k == prev {
			continue
		}
		prev = k
		l, err := m.locks.AcquireLock(ctx, k)
		if err != nil {
			return held, err
		}
		held = append(held, l)
	}
	return held, nil
}

func (m *Manager) release(held []*lock.Lock) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for i := len(held) - 1; i >= 0; i-- {
		if err := m.locks.ReleaseLock(ctx, held[i]); err != nil {
			m.logger.Warn("Failed to release transaction lock", zap.String("key", held[i].Key), zap.Error(err))
		}
	}
}

func (m *Manager) writeRecord(ctx context.Context, rec Record) error {
	opsJSON, err := json.Marshal(rec.Operations)
	if err != nil {
		return eris.Wrap(err, "failed to encode operations")
	}
	key := redisu.TransactionKey(rec.ID)
	_, err = m.store.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, m.store.Key(key),
			"id", rec.ID,
			"operations", string(opsJSON),
			"status", rec.Status,
			"createdAt", rec.CreatedAt,
		)
		pipe.Expire(ctx, m.store.Key(key), recordTTL)
		return nil
	})
	return eris.Wrapf(err, "failed to persist transaction %s", rec.ID)
}

func (m *Manager) finish(ctx context.Context, rec Record) {
	m.metrics.Transactions.WithLabelValues(rec.Status).Inc()

	fields := []any{"status", rec.Status, "completedAt", time.Now().UnixMilli()}
	if len(rec.Preimages) > 0 {
		if data, err := json.Marshal(rec.Preimages); err == nil {
			fields = append(fields, "preimages", string(data))
		}
	}
	if rec.Error != "" {
		fields = append(fields, "error", rec.Error)
	}
	ctx = context.WithoutCancel(ctx)
	if err := m.store.Client().HSet(ctx, m.store.Key(redisu.TransactionKey(rec.ID)), fields...).Err(); err != nil {
		m.logger.Warn("Failed to update transaction record", zap.String("id", rec.ID), zap.Error(err))
	}
}

// Status returns the stored record of a transaction.
func (m *Manager) Status(ctx context.Context, id string) (Record, error) {
	vals, err := m.store.Client().HGetAll(ctx, m.store.Key(redisu.TransactionKey(id))).Result()
	if err != nil {
		return Record{}, eris.Wrapf(err, "failed to read transaction %s", id)
	}
	if len(vals) == 0 {
		return Record{}, eris.Wrapf(errs.ErrNotFound, "transaction %s", id)
	}
	rec := Record{ID: vals["id"], Status: vals["status"], Error: vals["error"]}
	rec.CreatedAt, _ = strconv.ParseInt(vals["createdAt"], 10, 64)
	rec.CompletedAt, _ = strconv.ParseInt(vals["completedAt"], 10, 64)
	if raw := vals["operations"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &rec.Operations); err != nil {
			return rec, eris.Wrapf(err, "failed to decode operations of %s", id)
		}
	}
	if raw := vals["preimages"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &rec.Preimages); err != nil {
			return rec, eris.Wrapf(err, "failed to decode preimages of %s", id)
		}
	}
	return rec, nil
}

// CleanupExpired deletes records older than an hour whose TTL was lost. It returns the
// number of deleted records.
func (m *Manager) CleanupExpired(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-recordTTL).UnixMilli()
	removed := 0
	err := m.store.ScanKeys(ctx, redisu.TransactionKeyPrefix+"*", func(key string) error {
		created, err := m.store.Client().HGet(ctx, m.store.Key(key), "createdAt").Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return eris.Wrapf(err, "failed to read %s", key)
		}
		if err == nil && created > cutoff {
			return nil
		}
		if err := m.store.Del(ctx, key); err != nil {
			return err
		}
		removed++
		return nil
	})
	return removed, err
}

func uniqueKeys(ops []Operation) []string {
	seen := make(map[string]struct{}, len(ops))
	var keys []string
	for _, op := range ops {
		if _, ok := seen[op.Key]; ok {
			continue
		}
		seen[op.Key] = struct{}{}
		keys = append(keys, op.Key)
	}
	return keys
}

func preimageList(snaps map[string]Preimage) []Preimage {
	out := make([]Preimage, 0, len(snaps))
	for _, p := range snaps {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
