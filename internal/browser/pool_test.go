package browser_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polzovatel/mail-unsubscriber/internal/browser"
	"github.com/polzovatel/mail-unsubscriber/internal/browser/browsertest"
	"github.com/polzovatel/mail-unsubscriber/internal/result"
)

func lowMemory(context.Context) (uint64, error) { return 100 << 20, nil }

func newPool(d browser.Driver, maxPages int) *browser.Pool {
	return browser.NewPool(d, browser.PoolConfig{
		MaxPages:      maxPages,
		MemoryCeiling: 1 << 30,
		Memory:        lowMemory,
	}, zerolog.Nop())
}

func TestPoolNeverExceedsPageCeiling(t *testing.T) {
	d := &browsertest.Driver{}
	pool := newPool(d, 5)
	defer pool.Shutdown()

	var wg sync.WaitGroup
	errs := make(chan error, 12)
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s := pool.NewSession()
			defer s.Close()
			page, err := s.AcquirePage(context.Background())
			if err != nil {
				errs <- err
				return
			}
			time.Sleep(10 * time.Millisecond)
			errs <- s.ReleasePage(page)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	assert.LessOrEqual(t, d.Peak(), 5)
	assert.Equal(t, 0, d.Open())
	assert.Equal(t, 1, d.Launches(), "browser is shared across sessions")
}

func TestAcquireWaitsForSlotUntilContextDone(t *testing.T) {
	pool := newPool(&browsertest.Driver{}, 1)
	defer pool.Shutdown()

	holder := pool.NewSession()
	page, err := holder.AcquirePage(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = pool.NewSession().AcquirePage(ctx)
	require.Error(t, err)
	assert.Equal(t, result.KindTransient, result.KindOf(err))

	require.NoError(t, holder.ReleasePage(page))
	again, err := pool.NewSession().AcquirePage(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, again)
}

func TestAcquireRefusedOverMemoryCeiling(t *testing.T) {
	d := &browsertest.Driver{}
	pool := browser.NewPool(d, browser.PoolConfig{
		MaxPages:      5,
		MemoryCeiling: 512 << 20,
		Memory:        func(context.Context) (uint64, error) { return 2 << 30, nil },
	}, zerolog.Nop())
	defer pool.Shutdown()

	_, err := pool.NewSession().AcquirePage(context.Background())
	require.Error(t, err)
	assert.Equal(t, result.KindResourceExhausted, result.KindOf(err))
	assert.Equal(t, 0, d.Launches())
}

func TestFailedPageCreationReleasesSlot(t *testing.T) {
	d := &browsertest.Driver{PageErr: errors.New("target closed")}
	pool := newPool(d, 1)
	defer pool.Shutdown()

	s := pool.NewSession()
	_, err := s.AcquirePage(context.Background())
	require.Error(t, err)
	assert.Equal(t, result.KindNavigation, result.KindOf(err))

	d.PageErr = nil
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	page, err := s.AcquirePage(ctx)
	require.NoError(t, err, "slot must be free after a failed acquisition")
	require.NoError(t, s.ReleasePage(page))
}

func TestSessionHoldsOnePageAtATime(t *testing.T) {
	pool := newPool(&browsertest.Driver{}, 5)
	defer pool.Shutdown()

	s := pool.NewSession()
	page, err := s.AcquirePage(context.Background())
	require.NoError(t, err)

	_, err = s.AcquirePage(context.Background())
	assert.ErrorIs(t, err, browser.ErrPageInUse)

	require.NoError(t, s.Close())
	assert.True(t, page.(*browsertest.Page).Closed())
}

func TestShutdownRejectsNewPages(t *testing.T) {
	pool := newPool(&browsertest.Driver{}, 5)
	require.NoError(t, pool.Shutdown())

	_, err := pool.NewSession().AcquirePage(context.Background())
	assert.ErrorIs(t, err, browser.ErrPoolClosed)
}

func TestContextFailureKeepsBrowserForOtherSessions(t *testing.T) {
	d := &browsertest.Driver{}
	pool := newPool(d, 5)
	defer pool.Shutdown()
	ctx := context.Background()

	a := pool.NewSession()
	pageA, err := a.AcquirePage(ctx)
	require.NoError(t, err)

	d.ContextErr = errors.New("browser context creation failed")
	_, err = pool.NewSession().AcquirePage(ctx)
	require.Error(t, err)
	assert.Equal(t, result.KindNavigation, result.KindOf(err))
	assert.Equal(t, 0, d.BrowserCloses(), "browser still serves session A")
	assert.False(t, pageA.(*browsertest.Page).Closed())

	d.ContextErr = nil
	require.NoError(t, a.ReleasePage(pageA))
	require.NoError(t, a.Close())
	assert.Equal(t, 1, d.BrowserCloses(), "failed browser closed once its last context is gone")

	b := pool.NewSession()
	defer b.Close()
	page, err := b.AcquirePage(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, d.Launches())
	require.NoError(t, b.ReleasePage(page))
}

func TestContextFailureOnIdleBrowserRelaunches(t *testing.T) {
	d := &browsertest.Driver{ContextErr: errors.New("browser context creation failed")}
	pool := newPool(d, 5)
	defer pool.Shutdown()

	s := pool.NewSession()
	defer s.Close()
	_, err := s.AcquirePage(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, d.BrowserCloses())

	d.ContextErr = nil
	page, err := s.AcquirePage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, d.Launches())
	require.NoError(t, s.ReleasePage(page))
}
