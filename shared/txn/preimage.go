// shared/txn/preimage.go
package txn

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
)

// Preimage is the state of a key before a transaction touched it.
type Preimage struct {
	Key     string             `json:"key"`
	Type    string             `json:"type"` // "none" when the key did not exist
	Value   string             `json:"value,omitempty"`
	Hash    map[string]string  `json:"hash,omitempty"`
	Members []string           `json:"members,omitempty"`
	Scores  map[string]float64 `json:"scores,omitempty"`
	TTL     time.Duration      `json:"ttl,omitempty"` // zero when the key does not expire
}

func (p Preimage) exists() bool {
	return p.Type != "none"
}

func (p Preimage) hasMember(member string) bool {
	for _, m := range p.Members {
		if m == member {
			return true
		}
	}
	return false
}

// capture reads the full state of key through c. It is called inside WATCH so the
// snapshot matches what EXEC will see.
func capture(ctx context.Context, c redis.Cmdable, key string) (Preimage, error) {
	p := Preimage{Key: key}
	typ, err := c.Type(ctx, key).Result()
	if err != nil {
		return p, eris.Wrapf(err, "failed to read type of %s", key)
	}
	p.Type = typ

	switch typ {
	case "none":
		return p, nil
	case "string":
		p.Value, err = c.Get(ctx, key).Result()
	case "hash":
		p.Hash, err = c.HGetAll(ctx, key).Result()
	case "set":
		p.Members, err = c.SMembers(ctx, key).Result()
	case "zset":
		var zs []redis.Z
		zs, err = c.ZRangeWithScores(ctx, key, 0, -1).Result()
		p.Scores = make(map[string]float64, len(zs))
		for _, z := range zs {
			if m, ok := z.Member.(string); ok {
				p.Scores[m] = z.Score
			}
		}
	default:
		return p, eris.Errorf("cannot snapshot %s of type %s", key, typ)
	}
	if err != nil && !errors.Is(err, redis.Nil) {
		return p, eris.Wrapf(err, "failed to snapshot %s", key)
	}

	ttl, err := c.PTTL(ctx, key).Result()
	if err != nil {
		return p, eris.Wrapf(err, "failed to read ttl of %s", key)
	}
	if ttl > 0 {
		p.TTL = ttl
	}
	return p, nil
}

// restore rewrites key to its snapshot, or deletes it if it did not exist.
func (p Preimage) restore(ctx context.Context, pipe redis.Pipeliner, key string) {
	pipe.Del(ctx, key)
	switch p.Type {
	case "string":
		pipe.Set(ctx, key, p.Value, 0)
	case "hash":
		if len(p.Hash) > 0 {
			pipe.HSet(ctx, key, p.Hash)
		}
	case "set":
		if len(p.Members) > 0 {
			members := make([]any, len(p.Members))
			for i, m := range p.Members {
				members[i] = m
			}
			pipe.SAdd(ctx, key, members...)
		}
	case "zset":
		if len(p.Scores) > 0 {
			zs := make([]redis.Z, 0, len(p.Scores))
			for m, s := range p.Scores {
				zs = append(zs, redis.Z{Score: s, Member: m})
			}
			pipe.ZAdd(ctx, key, zs...)
		}
	default:
		return
	}
	p.restoreTTL(ctx, pipe, key)
}

func (p Preimage) restoreTTL(ctx context.Context, pipe redis.Pipeliner, key string) {
	if !p.exists() {
		return
	}
	if p.TTL > 0 {
		pipe.PExpire(ctx, key, p.TTL)
	} else {
		pipe.Persist(ctx, key)
	}
}

// undo queues the inverse of op given the snapshot of its key.
func undo(ctx context.Context, pipe redis.Pipeliner, op Operation, key string, p Preimage) {
	switch op.Type {
	case OpSet, OpDel:
		p.restore(ctx, pipe, key)
	case OpSAdd:
		if !p.hasMember(op.Member) {
			pipe.SRem(ctx, key, op.Member)
		}
		p.restoreTTL(ctx, pipe, key)
	case OpSRem:
		if p.hasMember(op.Member) {
			pipe.SAdd(ctx, key, op.Member)
		}
	case OpHSet, OpHDel:
		if prev, ok := p.Hash[op.Field]; ok {
			pipe.HSet(ctx, key, op.Field, prev)
		} else if op.Type == OpHSet {
			pipe.HDel(ctx, key, op.Field)
		}
		p.restoreTTL(ctx, pipe, key)
	case OpZAdd, OpZRem:
		if score, ok := p.Scores[op.Member]; ok {
			pipe.ZAdd(ctx, key, redis.Z{Score: score, Member: op.Member})
		} else if op.Type == OpZAdd {
			pipe.ZRem(ctx, key, op.Member)
		}
		p.restoreTTL(ctx, pipe, key)
	case OpExpire:
		p.restoreTTL(ctx, pipe, key)
	}
}
