package lockx

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"
)

// KeyedMutex is an in-process Locker with one lock per key. Keys are spread
// over shards so unrelated keys never contend on the same map mutex.
type KeyedMutex struct {
	shards  []*shard
	timeout time.Duration
}

type shard struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	ch   chan struct{}
	refs int
}

func NewKeyedMutex(shards int, timeout time.Duration) *KeyedMutex {
	if shards <= 0 {
		shards = 64
	}
	km := &KeyedMutex{shards: make([]*shard, shards), timeout: timeout}
	for i := range km.shards {
		km.shards[i] = &shard{locks: map[string]*entry{}}
	}
	return km
}

func (k *KeyedMutex) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return k.shards[h.Sum32()%uint32(len(k.shards))]
}

func (k *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	s := k.shardFor(key)

	s.mu.Lock()
	e := s.locks[key]
	if e == nil {
		e = &entry{ch: make(chan struct{}, 1)}
		s.locks[key] = e
	}
	e.refs++
	s.mu.Unlock()

	if k.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, k.timeout)
		defer cancel()
	}

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		k.drop(s, key, e)
		return nil, fmt.Errorf("%w: %s", ErrLockTimeout, key)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			k.drop(s, key, e)
		})
	}, nil
}

func (k *KeyedMutex) drop(s *shard, key string, e *entry) {
	s.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(s.locks, key)
	}
	s.mu.Unlock()
}

// Len reports how many keys currently hold or wait on a lock.
func (k *KeyedMutex) Len() int {
	n := 0
	for _, s := range k.shards {
		s.mu.Lock()
		n += len(s.locks)
		s.mu.Unlock()
	}
	return n
}
