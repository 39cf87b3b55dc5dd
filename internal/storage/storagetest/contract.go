// Package storagetest holds the behaviour every storage.Store backend must
// share, so the file, memory and sqlite backends run the same checks.
package storagetest

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/kimhsiao/fitcoach/core/internal/storage"
)

// Run exercises store against the Store contract.
func Run(t *testing.T, newStore func(t *testing.T) storage.Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("MissingKey", func(t *testing.T) {
		s := newStore(t)
		v, found, err := s.Get(ctx, "absent")
		if err != nil {
			t.Fatalf("Get(absent) error = %v", err)
		}
		if found || v != nil {
			t.Errorf("Get(absent) = %q, %v, want nil, false", v, found)
		}
	})

	t.Run("SetGetOverwrite", func(t *testing.T) {
		s := newStore(t)
		if err := s.Set(ctx, storage.KeyQueue, []byte(`[1]`)); err != nil {
			t.Fatalf("Set error = %v", err)
		}
		if err := s.Set(ctx, storage.KeyQueue, []byte(`[1,2]`)); err != nil {
			t.Fatalf("Set error = %v", err)
		}
		v, found, err := s.Get(ctx, storage.KeyQueue)
		if err != nil || !found {
			t.Fatalf("Get = %v, %v, want found", found, err)
		}
		if string(v) != `[1,2]` {
			t.Errorf("Get = %s, want [1,2]", v)
		}
	})

	t.Run("NamespacesAreIndependent", func(t *testing.T) {
		s := newStore(t)
		_ = s.Set(ctx, storage.KeyQueue, []byte(`"q"`))
		_ = s.Set(ctx, storage.KeyCache, []byte(`"c"`))
		if err := s.Remove(ctx, storage.KeyQueue); err != nil {
			t.Fatalf("Remove error = %v", err)
		}
		if _, found, _ := s.Get(ctx, storage.KeyQueue); found {
			t.Error("queue key still present after Remove")
		}
		if v, found, _ := s.Get(ctx, storage.KeyCache); !found || string(v) != `"c"` {
			t.Errorf("cache key = %s, %v, want \"c\", true", v, found)
		}
	})

	t.Run("RemoveAbsentIsNoop", func(t *testing.T) {
		s := newStore(t)
		if err := s.Remove(ctx, "never_written"); err != nil {
			t.Errorf("Remove(absent) error = %v", err)
		}
	})

	t.Run("RejectsBadKeys", func(t *testing.T) {
		s := newStore(t)
		if err := s.Set(ctx, "../escape", []byte(`1`)); err == nil {
			t.Error("Set(../escape) error = nil, want error")
		}
	})

	t.Run("ConcurrentWritersDistinctKeys", func(t *testing.T) {
		s := newStore(t)
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(n int) {
				defer wg.Done()
				key := fmt.Sprintf("k%d", n)
				if err := s.Set(ctx, key, []byte(fmt.Sprint(n))); err != nil {
					t.Errorf("Set(%s) error = %v", key, err)
				}
			}(i)
		}
		wg.Wait()
		for i := 0; i < 8; i++ {
			v, found, err := s.Get(ctx, fmt.Sprintf("k%d", i))
			if err != nil || !found || string(v) != fmt.Sprint(i) {
				t.Errorf("k%d = %s, %v, %v", i, v, found, err)
			}
		}
	})
}
