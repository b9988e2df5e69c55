// shared/txn/operation.go
package txn

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
)

// OpType is the kind of mutation an Operation applies.
type OpType string

const (
	OpSet    OpType = "set"
	OpDel    OpType = "del"
	OpSAdd   OpType = "sadd"
	OpSRem   OpType = "srem"
	OpHSet   OpType = "hset"
	OpHDel   OpType = "hdel"
	OpZAdd   OpType = "zadd"
	OpZRem   OpType = "zrem"
	OpExpire OpType = "expire"
)

// Operation is one mutation of a transaction. Keys are unprefixed.
type Operation struct {
	Type   OpType        `json:"type"`
	Key    string        `json:"key"`
	Value  string        `json:"value,omitempty"`
	Field  string        `json:"field,omitempty"`
	Member string        `json:"member,omitempty"`
	Score  float64       `json:"score,omitempty"`
	TTL    time.Duration `json:"ttl,omitempty"`
}

func (op Operation) validate() error {
	if op.Key == "" {
		return eris.Errorf("%s operation without key", op.Type)
	}
	switch op.Type {
	case OpSet, OpDel:
	case OpSAdd, OpSRem, OpZAdd, OpZRem:
		if op.Member == "" {
			return eris.Errorf("%s on %s needs a member", op.Type, op.Key)
		}
	case OpHSet, OpHDel:
		if op.Field == "" {
			return eris.Errorf("%s on %s needs a field", op.Type, op.Key)
		}
	case OpExpire:
		if op.TTL <= 0 {
			return eris.Errorf("expire on %s needs a positive ttl", op.Key)
		}
	default:
		return eris.Errorf("unknown operation type %q", op.Type)
	}
	return nil
}

// queue adds op to pipe and returns the command whose error decides whether op took effect.
func (op Operation) queue(ctx context.Context, pipe redis.Pipeliner, key string) redis.Cmder {
	var primary redis.Cmder
	switch op.Type {
	case OpSet:
		return pipe.Set(ctx, key, op.Value, op.TTL)
	case OpDel:
		return pipe.Del(ctx, key)
	case OpSAdd:
		primary = pipe.SAdd(ctx, key, op.Member)
	case OpSRem:
		return pipe.SRem(ctx, key, op.Member)
	case OpHSet:
		primary = pipe.HSet(ctx, key, op.Field, op.Value)
	case OpHDel:
		return pipe.HDel(ctx, key, op.Field)
	case OpZAdd:
		primary = pipe.ZAdd(ctx, key, redis.Z{Score: op.Score, Member: op.Member})
	case OpZRem:
		return pipe.ZRem(ctx, key, op.Member)
	case OpExpire:
		return pipe.Expire(ctx, key, op.TTL)
	}
	if op.TTL > 0 {
		pipe.Expire(ctx, key, op.TTL)
	}
	return primary
}

// Builder assembles operations fluently. Encoding failures are kept and returned by Build.
type Builder struct {
	ops []Operation
	err error
}

func NewBuilder() *Builder {
	return &Builder{}
}

func (b *Builder) add(op Operation) *Builder {
	b.ops = append(b.ops, op)
	return b
}

func (b *Builder) Set(key, value string, ttl time.Duration) *Builder {
	return b.add(Operation{Type: OpSet, Key: key, Value: value, TTL: ttl})
}

// SetJSON is Set with v encoded as JSON.
func (b *Builder) SetJSON(key string, v any, ttl time.Duration) *Builder {
	data, err := json.Marshal(v)
	if err != nil {
		if b.err == nil {
			b.err = eris.Wrapf(err, "failed to encode value for %s", key)
		}
		return b
	}
	return b.Set(key, string(data), ttl)
}

func (b *Builder) Del(key string) *Builder {
	return b.add(Operation{Type: OpDel, Key: key})
}

func (b *Builder) SAdd(key, member string, ttl time.Duration) *Builder {
	return b.add(Operation{Type: OpSAdd, Key: key, Member: member, TTL: ttl})
}

func (b *Builder) SRem(key, member string) *Builder {
	return b.add(Operation{Type: OpSRem, Key: key, Member: member})
}

func (b *Builder) HSet(key, field, value string, ttl time.Duration) *Builder {
	return b.add(Operation{Type: OpHSet, Key: key, Field: field, Value: value, TTL: ttl})
}

func (b *Builder) HDel(key, field string) *Builder {
	return b.add(Operation{Type: OpHDel, Key: key, Field: field})
}

func (b *Builder) ZAdd(key, member string, score float64, ttl time.Duration) *Builder {
	return b.add(Operation{Type: OpZAdd, Key: key, Member: member, Score: score, TTL: ttl})
}

func (b *Builder) ZRem(key, member string) *Builder {
	return b.add(Operation{Type: OpZRem, Key: key, Member: member})
}

func (b *Builder) Expire(key string, ttl time.Duration) *Builder {
	return b.add(Operation{Type: OpExpire, Key: key, TTL: ttl})
}

// Build returns a copy of the collected operations.
func (b *Builder) Build() ([]Operation, error) {
	if b.err != nil {
		return nil, b.err
	}
	return append([]Operation(nil), b.ops...), nil
}

// Clear drops every collected operation and error.
func (b *Builder) Clear() *Builder {
	b.ops = nil
	b.err = nil
	return b
}

// Len is the number of collected operations.
func (b *Builder) Len() int {
	return len(b.ops)
}
