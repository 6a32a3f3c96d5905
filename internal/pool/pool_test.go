package pool

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roelfdiedericks/chatrelay/internal/browser"
	"github.com/roelfdiedericks/chatrelay/internal/browser/browsertest"
)

func fakeFactory(pages *[]*browsertest.FakePage, mu *sync.Mutex) Factory {
	return func() (browser.PageDriver, error) {
		page := browsertest.NewPage()
		mu.Lock()
		*pages = append(*pages, page)
		mu.Unlock()
		return page, nil
	}
}

func newTestPool(t *testing.T, size int) (*Pool, *[]*browsertest.FakePage) {
	t.Helper()
	var mu sync.Mutex
	pages := &[]*browsertest.FakePage{}
	p := New(size, "", fakeFactory(pages, &mu))
	require.NoError(t, p.Start())
	return p, pages
}

func TestStartCreatesConfiguredSessions(t *testing.T) {
	p, pages := newTestPool(t, 3)
	defer p.Close()

	assert.Equal(t, 3, p.IdleCount())
	assert.Len(t, *pages, 3)
}

func TestStartFailsWhenFactoryFails(t *testing.T) {
	p := New(2, "", func() (browser.PageDriver, error) {
		return nil, errors.New("launch failed")
	})
	assert.Error(t, p.Start())
}

func TestAcquireReturnsDistinctSessions(t *testing.T) {
	p, _ := newTestPool(t, 2)
	defer p.Close()

	s1, err := p.Acquire()
	require.NoError(t, err)
	s2, err := p.Acquire()
	require.NoError(t, err)

	assert.NotSame(t, s1, s2)
	assert.NotEqual(t, s1.ID, s2.ID)
	assert.Equal(t, 0, p.IdleCount())
}

func TestAcquireCreatesOverflowWhenEmpty(t *testing.T) {
	p, pages := newTestPool(t, 1)
	defer p.Close()

	s1, err := p.Acquire()
	require.NoError(t, err)
	s2, err := p.Acquire()
	require.NoError(t, err)

	assert.NotEqual(t, s1.ID, s2.ID)
	assert.Len(t, *pages, 2, "overflow session created on demand")
}

func TestReleaseDestroysBeyondPoolSize(t *testing.T) {
	p, pages := newTestPool(t, 1)
	defer p.Close()

	s1, _ := p.Acquire()
	s2, _ := p.Acquire() // overflow

	p.Release(s1)
	p.Release(s2)

	assert.Equal(t, 1, p.IdleCount(), "idle count never exceeds pool size")
	assert.True(t, (*pages)[1].Closed(), "overflow session destroyed on return")
}

func TestOverReleaseNeverExceedsCapacity(t *testing.T) {
	p, _ := newTestPool(t, 2)
	defer p.Close()

	// Release more sessions than were ever acquired
	for i := 0; i < 5; i++ {
		page := browsertest.NewPage()
		p.Release(&Session{ID: "extra", Driver: page})
	}

	assert.LessOrEqual(t, p.IdleCount(), 2)
}

func TestConcurrentAcquireNeverSharesASession(t *testing.T) {
	p, _ := newTestPool(t, 4)
	defer p.Close()

	const workers = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := make(map[*Session]int)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sess, err := p.Acquire()
			if err != nil {
				return
			}

			mu.Lock()
			seen[sess]++
			assert.Equal(t, 1, seen[sess], "session handed to two callers at once")
			mu.Unlock()

			mu.Lock()
			seen[sess]--
			mu.Unlock()
			p.Release(sess)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, p.IdleCount(), 4)
}

func TestSweepDropsDeadSessions(t *testing.T) {
	p, pages := newTestPool(t, 3)
	defer p.Close()

	(*pages)[1].SetAlive(false)
	p.Sweep()

	assert.Equal(t, 2, p.IdleCount())
	assert.True(t, (*pages)[1].Closed())
	assert.False(t, (*pages)[0].Closed())
	assert.False(t, (*pages)[2].Closed())
}

func TestCloseDestroysIdleAndLateReleases(t *testing.T) {
	p, pages := newTestPool(t, 2)

	checkedOut, err := p.Acquire()
	require.NoError(t, err)

	p.Close()
	assert.Equal(t, 0, p.IdleCount())
	assert.True(t, (*pages)[0].Closed() || (*pages)[1].Closed())

	// A session released after shutdown is destroyed, not pooled
	p.Release(checkedOut)
	assert.Equal(t, 0, p.IdleCount())
	for _, page := range *pages {
		assert.True(t, page.Closed())
	}
}

func TestDiscardDestroysSession(t *testing.T) {
	p, pages := newTestPool(t, 1)
	defer p.Close()

	sess, err := p.Acquire()
	require.NoError(t, err)
	p.Discard(sess)

	assert.True(t, (*pages)[0].Closed())
	assert.Equal(t, 0, p.IdleCount())
}
