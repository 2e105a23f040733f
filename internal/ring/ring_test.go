package ring

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRingOrderPreserved(t *testing.T) {
	r := New[int](4)
	const n = 200

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			require.NoError(t, r.Put(i, time.Second))
		}
	}()

	got := make([]int, 0, n)
	for i := 0; i < n; i++ {
		v, err := r.Get(time.Second)
		require.NoError(t, err)
		got = append(got, v)
	}
	wg.Wait()

	for i, v := range got {
		require.Equal(t, i, v)
	}
}

func TestRingGetTimeout(t *testing.T) {
	r := New[int](2)
	_, err := r.Get(10 * time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
}

func TestRingPutTimeoutWhenFull(t *testing.T) {
	r := New[int](1)
	require.NoError(t, r.Put(1, time.Second))
	err := r.Put(2, 10*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
}

func TestRingGetUntilConsumeOnlyMatch(t *testing.T) {
	r := New[int](8)
	require.NoError(t, r.Put(1, time.Second))
	require.NoError(t, r.Put(2, time.Second))
	require.NoError(t, r.Put(3, time.Second))

	v, err := r.GetUntil(func(x int) bool { return x == 2 }, true, time.Second)
	require.NoError(t, err)
	require.Equal(t, 2, v)

	// 1 and 3 remain, in order, since non-matches weren't consumed.
	require.Equal(t, 2, r.Len())
	first, err := r.Get(time.Second)
	require.NoError(t, err)
	require.Equal(t, 1, first)
}

func TestRingGetUntilDropsNonMatches(t *testing.T) {
	r := New[int](8)
	require.NoError(t, r.Put(1, time.Second))
	require.NoError(t, r.Put(2, time.Second))
	require.NoError(t, r.Put(3, time.Second))

	v, err := r.GetUntil(func(x int) bool { return x == 2 }, false, time.Second)
	require.NoError(t, err)
	require.Equal(t, 2, v)
	require.Equal(t, 0, r.Len())
}

func TestRingGetUntilTimesOutWithNoMatch(t *testing.T) {
	r := New[int](8)
	require.NoError(t, r.Put(1, time.Second))
	_, err := r.GetUntil(func(x int) bool { return x == 99 }, true, 20*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
}

func TestRingInterruptRead(t *testing.T) {
	r := New[int](2)
	done := make(chan error, 1)
	go func() {
		_, err := r.Get(time.Second)
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	r.InterruptRead()
	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrInterrupted)
	case <-time.After(time.Second):
		t.Fatal("Get did not return after InterruptRead")
	}
}

func TestRingCloseWakesBlockedCallers(t *testing.T) {
	r := New[int](1)
	require.NoError(t, r.Put(1, time.Second))

	putDone := make(chan error, 1)
	go func() {
		putDone <- r.Put(2, time.Second)
	}()
	time.Sleep(10 * time.Millisecond)
	r.Close()

	select {
	case err := <-putDone:
		require.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("Put did not return after Close")
	}

	_, err := r.Get(time.Second)
	require.ErrorIs(t, err, ErrClosed)
}
