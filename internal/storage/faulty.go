package storage

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrInjected is returned by Faulty when a fault is armed.
var ErrInjected = errors.New("storage: injected fault")

// Faulty wraps a Store and fails selected operations on demand. It is used
// by tests to check that persistence failures surface instead of being
// swallowed.
type Faulty struct {
	Store

	mu        sync.Mutex
	failGet   bool
	failSet   bool
	failAfter int // remaining successful Sets before failSet applies; -1 = immediately

	getCalls atomic.Int64
	setCalls atomic.Int64
}

// NewFaulty wraps store with all faults disarmed.
func NewFaulty(store Store) *Faulty {
	return &Faulty{Store: store, failAfter: -1}
}

// FailGets arms or disarms Get failures.
func (f *Faulty) FailGets(on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failGet = on
}

// FailSets arms or disarms Set failures.
func (f *Faulty) FailSets(on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failSet = on
	f.failAfter = -1
}

// FailSetsAfter lets n more Sets succeed, then fails every Set.
func (f *Faulty) FailSetsAfter(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failSet = true
	f.failAfter = n
}

// Calls returns how many Get and Set calls reached the wrapper.
func (f *Faulty) Calls() (gets, sets int64) {
	return f.getCalls.Load(), f.setCalls.Load()
}

// Get implements Store.
func (f *Faulty) Get(ctx context.Context, key string) ([]byte, bool, error) {
	f.getCalls.Add(1)
	f.mu.Lock()
	fail := f.failGet
	f.mu.Unlock()
	if fail {
		return nil, false, ErrInjected
	}
	return f.Store.Get(ctx, key)
}

// Set implements Store.
func (f *Faulty) Set(ctx context.Context, key string, value []byte) error {
	f.setCalls.Add(1)
	f.mu.Lock()
	fail := false
	if f.failSet {
		if f.failAfter > 0 {
			f.failAfter--
		} else {
			fail = true
		}
	}
	f.mu.Unlock()
	if fail {
		return ErrInjected
	}
	return f.Store.Set(ctx, key, value)
}
