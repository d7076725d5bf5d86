package perfwatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestRegistry() (*Registry, *Queue) {
	q := NewQueue(nil)
	return NewRegistry(NewIDAllocator(), q, nil), q
}

func TestRegistry_AddGetRemove(t *testing.T) {
	r, _ := newTestRegistry()

	id := r.Add(func(...any) {}, DefaultListenerConfig())
	require.Equal(t, "0", id)

	e, ok := r.Get("0")
	require.True(t, ok)
	require.NotNil(t, e.Listener)
	require.Equal(t, ListenerConfig{Passive: true, KeepAlive: false}, e.Config)
	require.Equal(t, 1, r.Size())

	require.True(t, r.Remove("0"))
	require.Equal(t, 0, r.Size())

	_, ok = r.Get("0")
	require.False(t, ok)
	_, ok = r.Get("42")
	require.False(t, ok)
	require.False(t, r.Remove("0"))
}

func TestRegistry_SharedAllocator(t *testing.T) {
	ids := NewIDAllocator()
	q := NewQueue(nil)
	a := NewRegistry(ids, q, nil)
	b := NewRegistry(ids, q, nil)

	require.Equal(t, "0", a.Add(func(...any) {}, DefaultListenerConfig()))
	require.Equal(t, "1", b.Add(func(...any) {}, DefaultListenerConfig()))
	require.Equal(t, "2", a.Add(func(...any) {}, DefaultListenerConfig()))
	require.Equal(t, []string{"0", "2"}, a.IDs())
}

func TestRegistry_BustEmpty(t *testing.T) {
	r, q := newTestRegistry()

	d := r.Bust("metric")
	require.Equal(t, 0, r.Size())
	require.Equal(t, 0, q.Len())
	select {
	case <-d.Done():
	default:
		t.Fatal("delivery of an empty bust should be complete")
	}
}

func TestRegistry_DeliveryLaw(t *testing.T) {
	r, q := newTestRegistry()
	syncCfg := ListenerConfig{Passive: false}

	var order []int
	for i := 0; i < 5; i++ {
		i := i
		r.Add(func(args ...any) {
			require.Equal(t, []any{"metric", 7}, args)
			order = append(order, i)
		}, syncCfg)
	}

	d := r.Bust("metric", 7)
	require.Equal(t, []int{0, 1, 2, 3, 4}, order)
	require.Equal(t, 0, r.Size())
	require.Equal(t, 0, q.Len())
	require.NoError(t, d.Wait(context.Background()))
}

func TestRegistry_KeepAliveLaw(t *testing.T) {
	r, _ := newTestRegistry()

	calls := 0
	id := r.Add(func(...any) { calls++ }, ListenerConfig{Passive: false, KeepAlive: true})

	for i := 0; i < 4; i++ {
		r.Bust()
	}
	require.Equal(t, 4, calls)
	_, ok := r.Get(id)
	require.True(t, ok)
	require.Equal(t, 1, r.Size())
}

func TestRegistry_PassiveOrdering(t *testing.T) {
	r, q := newTestRegistry()

	var order []string
	r.Add(func(...any) { order = append(order, "passive-0") }, ListenerConfig{Passive: true})
	r.Add(func(...any) { order = append(order, "sync-1") }, ListenerConfig{Passive: false})
	r.Add(func(...any) { order = append(order, "passive-2") }, ListenerConfig{Passive: true})

	d := r.Bust()
	require.Equal(t, []string{"sync-1"}, order)
	require.Equal(t, 2, d.Pending())
	require.Equal(t, 2, q.Len())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, d.Wait(ctx), context.DeadlineExceeded)

	require.Equal(t, 2, q.Drain())
	require.Equal(t, []string{"sync-1", "passive-0", "passive-2"}, order)
	require.NoError(t, d.Wait(context.Background()))
	require.Equal(t, 0, r.Size())
}

func TestRegistry_PassiveStaysReachableUntilDelivered(t *testing.T) {
	r, q := newTestRegistry()
	id := r.Add(func(...any) {}, DefaultListenerConfig())

	r.Bust()
	_, ok := r.Get(id)
	require.True(t, ok)

	q.Drain()
	_, ok = r.Get(id)
	require.False(t, ok)
}

func TestRegistry_SecondBustDoesNotRedeliverClaimedPassive(t *testing.T) {
	r, q := newTestRegistry()

	calls := 0
	r.Add(func(...any) { calls++ }, DefaultListenerConfig())

	first := r.Bust("a")
	second := r.Bust("b")
	q.Drain()

	require.Equal(t, 1, calls)
	require.NoError(t, first.Wait(context.Background()))
	require.NoError(t, second.Wait(context.Background()))
}

func TestRegistry_RemovedBeforeTurnIsSkipped(t *testing.T) {
	r, q := newTestRegistry()

	var victim string
	called := false
	r.Add(func(...any) { r.Remove(victim) }, ListenerConfig{Passive: false})
	victim = r.Add(func(...any) { called = true }, ListenerConfig{Passive: false})

	r.Bust()
	require.False(t, called)
	require.Equal(t, 0, r.Size())

	passiveCalled := false
	id := r.Add(func(...any) { passiveCalled = true }, ListenerConfig{Passive: true})
	d := r.Bust()
	require.True(t, r.Remove(id))
	q.Drain()
	require.False(t, passiveCalled)
	require.NoError(t, d.Wait(context.Background()))
}

func TestRegistry_AddDuringBustWaitsForNextBust(t *testing.T) {
	r, _ := newTestRegistry()

	lateCalls := 0
	r.Add(func(...any) {
		r.Add(func(...any) { lateCalls++ }, ListenerConfig{Passive: false})
	}, ListenerConfig{Passive: false})

	r.Bust()
	require.Equal(t, 0, lateCalls)
	require.Equal(t, 1, r.Size())

	r.Bust()
	require.Equal(t, 1, lateCalls)
	require.Equal(t, 0, r.Size())
}

func TestRegistry_SyncPanicPropagates(t *testing.T) {
	r, _ := newTestRegistry()
	r.Add(func(...any) { panic("boom") }, ListenerConfig{Passive: false})

	require.Panics(t, func() { r.Bust() })
	require.Equal(t, 0, r.Size())
}

func TestRegistry_SyncPanicStillSchedulesPassive(t *testing.T) {
	r, q := newTestRegistry()

	passiveCalls := 0
	r.Add(func(...any) { passiveCalls++ }, ListenerConfig{Passive: true})
	r.Add(func(...any) { panic("boom") }, ListenerConfig{Passive: false})

	require.Panics(t, func() { r.Bust() })
	require.Equal(t, 1, q.Len())

	require.Equal(t, 1, q.Drain())
	require.Equal(t, 1, passiveCalls)
	require.Equal(t, 0, r.Size())
}

func TestRegistry_PassivePanicRecordedInDelivery(t *testing.T) {
	r, q := newTestRegistry()

	called := false
	r.Add(func(...any) { panic("boom") }, ListenerConfig{Passive: true})
	r.Add(func(...any) { called = true }, ListenerConfig{Passive: true})

	d := r.Bust()
	q.Drain()

	require.True(t, called)
	err := d.Wait(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "boom")
}

func TestRegistry_ConcurrentBustDeliversOnce(t *testing.T) {
	r, q := newTestRegistry()

	const listeners = 50
	var calls atomic.Int64
	for i := 0; i < listeners; i++ {
		passive := i%2 == 0
		r.Add(func(...any) { calls.Add(1) }, ListenerConfig{Passive: passive})
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Bust()
		}()
	}
	wg.Wait()
	q.Drain()

	require.Equal(t, int64(listeners), calls.Load())
	require.Equal(t, 0, r.Size())
}

func TestRegistry_OnEmptyHook(t *testing.T) {
	r, q := newTestRegistry()
	empties := 0
	r.hooks.onEmpty = func() { empties++ }

	r.Add(func(...any) {}, ListenerConfig{Passive: false, KeepAlive: true})
	r.Add(func(...any) {}, ListenerConfig{Passive: true})
	r.Bust()
	q.Drain()
	require.Equal(t, 0, empties)
	require.Equal(t, 1, r.Size())

	other, _ := newTestRegistry()
	other.hooks.onEmpty = func() { empties++ }
	other.Add(func(...any) {}, ListenerConfig{Passive: false})
	other.Bust()
	require.Equal(t, 1, empties)
}

func TestRegistry_CapacityLaw(t *testing.T) {
	r, _ := newTestRegistry()
	for i := 0; i < DefaultCapacityThreshold-1; i++ {
		r.Add(func(...any) {}, DefaultListenerConfig())
	}
	require.NoError(t, r.ChubbinessCheck("paint"))

	r.Add(func(...any) {}, DefaultListenerConfig())
	err := r.ChubbinessCheck("paint")
	var warning *CapacityWarning
	require.True(t, errors.As(err, &warning))
	require.Equal(t, "paint", warning.EventName)
	require.Equal(t, DefaultCapacityThreshold, warning.Size)
	require.Equal(t, DefaultCapacityThreshold, warning.Threshold)

	r.Silence()
	require.NoError(t, r.ChubbinessCheck("paint"))
	r.Add(func(...any) {}, DefaultListenerConfig())
	require.NoError(t, r.ChubbinessCheck("paint"))

	r.Destroy()
	require.Equal(t, 0, r.Size())
	require.Empty(t, r.IDs())
	for i := 0; i < DefaultCapacityThreshold; i++ {
		r.Add(func(...any) {}, DefaultListenerConfig())
	}
	require.Error(t, r.ChubbinessCheck("paint"))
}

func TestRegistry_CustomThreshold(t *testing.T) {
	r, _ := newTestRegistry()
	r.SetCapacityThreshold(2)

	r.Add(func(...any) {}, DefaultListenerConfig())
	require.NoError(t, r.ChubbinessCheck("x"))
	r.Add(func(...any) {}, DefaultListenerConfig())
	require.Error(t, r.ChubbinessCheck("x"))

	r.SetCapacityThreshold(0)
	require.NoError(t, r.ChubbinessCheck("x"))
}
