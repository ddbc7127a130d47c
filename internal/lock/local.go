package lock

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"
)

// numShards bounds memory while keeping unrelated clusters mostly on
// different shards.
const numShards = 256

// Local is an in-process Locker. Keys hash onto a fixed set of shards; each
// shard is a one-slot semaphore so waiting can be abandoned when ctx ends.
type Local struct {
	shards [numShards]chan struct{}
}

// NewLocal returns a ready Local locker.
func NewLocal() *Local {
	l := &Local{}
	for i := range l.shards {
		l.shards[i] = make(chan struct{}, 1)
	}
	return l
}

func (l *Local) Lock(ctx context.Context, keys []string) (Unlock, error) {
	shards := shardsFor(normalize(keys))

	acquired := make([]int, 0, len(shards))
	release := func() {
		for i := len(acquired) - 1; i >= 0; i-- {
			<-l.shards[acquired[i]]
		}
		acquired = acquired[:0]
	}

	for _, shard := range shards {
		select {
		case l.shards[shard] <- struct{}{}:
			acquired = append(acquired, shard)
		case <-ctx.Done():
			release()
			return nil, ctx.Err()
		}
	}

	var once sync.Once
	return func() { once.Do(release) }, nil
}

// shardsFor maps keys to distinct shard indexes in ascending order, which is
// the global acquisition order.
func shardsFor(keys []string) []int {
	seen := make(map[int]struct{}, len(keys))
	out := make([]int, 0, len(keys))
	for _, k := range keys {
		h := fnv.New32a()
		_, _ = h.Write([]byte(k))
		shard := int(h.Sum32() % numShards)
		if _, ok := seen[shard]; ok {
			continue
		}
		seen[shard] = struct{}{}
		out = append(out, shard)
	}
	sort.Ints(out)
	return out
}
