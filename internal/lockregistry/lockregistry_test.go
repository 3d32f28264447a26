package lockregistry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noname2290/wallet-fleet/internal/coreerrors"
)

func TestAcquireRelease_MutualExclusion(t *testing.T) {
	r := New()
	tok, err := r.Acquire(context.Background(), "0xA", AcquireOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, tok)
	assert.Equal(t, 1, r.ActiveCount())

	held, err := r.Release("0xA", tok)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, held, time.Duration(0))
	assert.Equal(t, 0, r.ActiveCount())
}

// S2: two concurrent acquires; the second only returns after the first releases.
func TestAcquire_ContentionSecondWaitsForRelease(t *testing.T) {
	r := New()
	first, err := r.Acquire(context.Background(), "0xA", AcquireOptions{})
	require.NoError(t, err)

	secondDone := make(chan string, 1)
	go func() {
		tok, err := r.Acquire(context.Background(), "0xA", AcquireOptions{})
		require.NoError(t, err)
		secondDone <- tok
	}()

	select {
	case <-secondDone:
		t.Fatal("second acquire returned before release")
	case <-time.After(30 * time.Millisecond):
	}

	_, err = r.Release("0xA", first)
	require.NoError(t, err)

	select {
	case tok := <-secondDone:
		assert.NotEmpty(t, tok)
		assert.NotEqual(t, first, tok)
	case <-time.After(50 * time.Millisecond):
		t.Fatal("second acquire did not complete within 50ms of release")
	}
}

// S3: a bounded waiter times out while the holder remains held.
func TestAcquire_TimeoutLeavesHolderHeld(t *testing.T) {
	r := New()
	holder, err := r.Acquire(context.Background(), "0xA", AcquireOptions{})
	require.NoError(t, err)

	_, err = r.Acquire(context.Background(), "0xA", AcquireOptions{WaitToAcquireTimeout: 10 * time.Millisecond})
	assert.ErrorIs(t, err, coreerrors.ErrAcquireTimeout)

	assert.Equal(t, 1, r.ActiveCount())
	_, err = r.Release("0xA", holder)
	require.NoError(t, err)
}

func TestFIFOFairness_EarlierWaiterAcquiresFirst(t *testing.T) {
	r := New()
	holder, err := r.Acquire(context.Background(), "0xA", AcquireOptions{})
	require.NoError(t, err)

	order := make([]string, 0, 2)
	var mu sync.Mutex
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		tok, err := r.Acquire(context.Background(), "0xA", AcquireOptions{})
		require.NoError(t, err)
		mu.Lock()
		order = append(order, "A")
		mu.Unlock()
		// hand the lock on so B, queued behind A, can acquire in turn.
		_, err = r.Release("0xA", tok)
		assert.NoError(t, err)
	}()
	time.Sleep(10 * time.Millisecond) // ensure A enqueues first

	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := r.Acquire(context.Background(), "0xA", AcquireOptions{})
		require.NoError(t, err)
		mu.Lock()
		order = append(order, "B")
		mu.Unlock()
	}()
	time.Sleep(10 * time.Millisecond)

	_, err = r.Release("0xA", holder)
	require.NoError(t, err)
	wg.Wait()

	require.Len(t, order, 2)
	assert.Equal(t, []string{"A", "B"}, order)
}

func TestRelease_NotHeldWithWrongToken(t *testing.T) {
	r := New()
	_, err := r.Acquire(context.Background(), "0xA", AcquireOptions{})
	require.NoError(t, err)

	_, err = r.Release("0xA", "not-the-token")
	assert.ErrorIs(t, err, coreerrors.ErrNotHeld)
}

func TestRelease_NeverAcquiredIsNotHeld(t *testing.T) {
	r := New()
	_, err := r.Release("0xNever", "anything")
	assert.ErrorIs(t, err, coreerrors.ErrNotHeld)
}

func TestLeaseExpiry_FreesAddressAndStaleReleaseFails(t *testing.T) {
	r := New()
	tok, err := r.Acquire(context.Background(), "0xA", AcquireOptions{LeaseTimeout: 15 * time.Millisecond})
	require.NoError(t, err)

	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, 0, r.ActiveCount())

	_, err = r.Release("0xA", tok)
	assert.ErrorIs(t, err, coreerrors.ErrLeaseExpired)
}

func TestLeaseExpiry_HandsAddressToNextWaiter(t *testing.T) {
	r := New()
	_, err := r.Acquire(context.Background(), "0xA", AcquireOptions{LeaseTimeout: 15 * time.Millisecond})
	require.NoError(t, err)

	waiterTok := make(chan string, 1)
	go func() {
		tok, err := r.Acquire(context.Background(), "0xA", AcquireOptions{})
		require.NoError(t, err)
		waiterTok <- tok
	}()

	select {
	case tok := <-waiterTok:
		assert.NotEmpty(t, tok)
	case <-time.After(200 * time.Millisecond):
		t.Fatal("waiter never acquired after lease expiry")
	}
}

func TestCancelAll_FailsWaitersWithoutTouchingHolder(t *testing.T) {
	r := New()
	holder, err := r.Acquire(context.Background(), "0xA", AcquireOptions{})
	require.NoError(t, err)

	waiterErr := make(chan error, 1)
	go func() {
		_, err := r.Acquire(context.Background(), "0xA", AcquireOptions{})
		waiterErr <- err
	}()
	time.Sleep(10 * time.Millisecond)

	r.CancelAll()

	select {
	case err := <-waiterErr:
		assert.ErrorIs(t, err, coreerrors.ErrCancelled)
	case <-time.After(50 * time.Millisecond):
		t.Fatal("cancelled waiter never woke")
	}

	assert.Equal(t, 1, r.ActiveCount())
	_, err = r.Release("0xA", holder)
	require.NoError(t, err)
}

func TestAcquire_ContextCancellationRemovesWaiterWithoutWakingOthers(t *testing.T) {
	r := New()
	holder, err := r.Acquire(context.Background(), "0xA", AcquireOptions{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancelledErr := make(chan error, 1)
	go func() {
		_, err := r.Acquire(ctx, "0xA", AcquireOptions{})
		cancelledErr <- err
	}()

	survivorTok := make(chan string, 1)
	go func() {
		tok, err := r.Acquire(context.Background(), "0xA", AcquireOptions{})
		require.NoError(t, err)
		survivorTok <- tok
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-cancelledErr:
		assert.ErrorIs(t, err, coreerrors.ErrCancelled)
	case <-time.After(50 * time.Millisecond):
		t.Fatal("cancelled acquire never returned")
	}

	_, err = r.Release("0xA", holder)
	require.NoError(t, err)

	select {
	case tok := <-survivorTok:
		assert.NotEmpty(t, tok)
	case <-time.After(50 * time.Millisecond):
		t.Fatal("surviving waiter never acquired after the cancelled one dropped out")
	}
}

func TestConcurrentAddressesDoNotContend(t *testing.T) {
	r := New()
	const n = 50
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			addr := "0x" + string(rune('A'+i%26))
			tok, err := r.Acquire(context.Background(), addr, AcquireOptions{})
			assert.NoError(t, err)
			_, err = r.Release(addr, tok)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
}
