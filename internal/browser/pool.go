package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/polzovatel/mail-unsubscriber/internal/result"
)

var (
	ErrPoolClosed  = errors.New("browser pool is shut down")
	ErrPageInUse   = errors.New("session already has an open page")
	ErrForeignPage = errors.New("page does not belong to this session")
)

// PoolConfig bounds what the shared browser may consume.
type PoolConfig struct {
	// MaxPages is the hard ceiling of concurrently open pages across all sessions.
	MaxPages int
	// MemoryCeiling in bytes; zero disables the check.
	MemoryCeiling uint64
	// Memory reports current usage; defaults to ProcessTreeRSS.
	Memory MemoryProbe
}

// Pool owns one lazily launched browser shared by every Session.
type Pool struct {
	driver Driver
	cfg    PoolConfig
	slots  *semaphore.Weighted
	logger zerolog.Logger

	mu      sync.Mutex
	browser Browser
	// contexts counts live and pending browsing contexts on browser.
	contexts int
	// stale is set when browser failed to create a context. It is
	// relaunched once no session holds a context on it.
	stale  bool
	closed bool
}

func NewPool(driver Driver, cfg PoolConfig, logger zerolog.Logger) *Pool {
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 5
	}
	if cfg.Memory == nil {
		cfg.Memory = ProcessTreeRSS
	}
	return &Pool{
		driver: driver,
		cfg:    cfg,
		slots:  semaphore.NewWeighted(int64(cfg.MaxPages)),
		logger: logger,
	}
}

// NewSession returns a session with its own browsing context (cookie jar).
// The context is created lazily on the first AcquirePage.
func (p *Pool) NewSession() *Session {
	return &Session{pool: p}
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// acquireBrowser returns the shared browser, launching it if needed, and
// reserves a context on it. Every call must be paired with releaseBrowser.
func (p *Pool) acquireBrowser(ctx context.Context) (Browser, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrPoolClosed
	}
	if p.browser != nil && p.stale && p.contexts == 0 {
		p.closeBrowserLocked("browser relaunched after context failure")
	}
	if p.browser == nil {
		b, err := p.driver.Launch(ctx)
		if err != nil {
			return nil, result.Wrap(err, result.KindNavigation, "launch browser")
		}
		p.logger.Info().Msg("browser launched")
		p.browser = b
	}
	p.contexts++
	return p.browser, nil
}

// releaseBrowser drops a context reservation on b. failed marks b stale; a
// stale browser is closed when its last context goes away, never under a
// session that still uses it.
func (p *Pool) releaseBrowser(b Browser, failed bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if b == nil || p.browser != b {
		return
	}
	p.contexts--
	if failed {
		p.stale = true
	}
	if p.stale && p.contexts == 0 {
		p.closeBrowserLocked("browser discarded after context failure")
	}
}

func (p *Pool) closeBrowserLocked(msg string) {
	_ = p.browser.Close()
	p.browser = nil
	p.contexts = 0
	p.stale = false
	p.logger.Warn().Msg(msg)
}

func (p *Pool) checkMemory(ctx context.Context) error {
	if p.cfg.MemoryCeiling == 0 {
		return nil
	}
	used, err := p.cfg.Memory(ctx)
	if err != nil {
		p.logger.Warn().Err(err).Msg("memory probe failed")
		return nil
	}
	if used > p.cfg.MemoryCeiling {
		return result.New(result.KindResourceExhausted,
			fmt.Sprintf("memory %d MB over ceiling %d MB", used>>20, p.cfg.MemoryCeiling>>20))
	}
	return nil
}

// Shutdown closes the browser. Sessions must be closed first.
func (p *Pool) Shutdown() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	if p.browser == nil {
		return nil
	}
	err := p.browser.Close()
	p.browser = nil
	p.contexts = 0
	p.logger.Info().Msg("browser shut down")
	return err
}

// Session holds one browsing context and at most one open page.
type Session struct {
	pool *Pool

	mu    sync.Mutex
	owner Browser
	bctx  BrowsingContext
	page  Page
}

// AcquirePage opens a fresh page, waiting for a free slot under the pool ceiling.
// Every successful call must be paired with ReleasePage.
func (s *Session) AcquirePage(ctx context.Context) (Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.page != nil {
		return nil, ErrPageInUse
	}
	if err := s.pool.checkMemory(ctx); err != nil {
		return nil, err
	}
	if err := s.pool.slots.Acquire(ctx, 1); err != nil {
		return nil, result.Wrap(err, result.KindTransient, "waiting for a browser slot")
	}

	page, err := s.openPage(ctx)
	if err != nil {
		s.pool.slots.Release(1)
		return nil, err
	}
	s.page = page
	return page, nil
}

func (s *Session) openPage(ctx context.Context) (Page, error) {
	if s.pool.isClosed() {
		return nil, ErrPoolClosed
	}
	if s.bctx == nil {
		b, err := s.pool.acquireBrowser(ctx)
		if err != nil {
			return nil, err
		}
		bctx, err := b.NewContext(ctx)
		if err != nil {
			s.pool.releaseBrowser(b, true)
			return nil, normalize(err, "new context")
		}
		s.owner, s.bctx = b, bctx
	}
	page, err := s.bctx.NewPage(ctx)
	if err != nil {
		// A context that cannot open pages is unusable; start clean next time.
		_ = s.closeContext()
		return nil, normalize(err, "new page")
	}
	return page, nil
}

func (s *Session) closeContext() error {
	if s.bctx == nil {
		return nil
	}
	err := s.bctx.Close()
	s.pool.releaseBrowser(s.owner, false)
	s.owner, s.bctx = nil, nil
	return err
}

// ReleasePage closes the page and frees its slot. It is safe to defer.
func (s *Session) ReleasePage(page Page) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if page == nil || s.page == nil {
		return nil
	}
	if page != s.page {
		return ErrForeignPage
	}
	err := page.Close()
	s.page = nil
	s.pool.slots.Release(1)
	return err
}

// Close releases any open page and the browsing context.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.page != nil {
		_ = s.page.Close()
		s.page = nil
		s.pool.slots.Release(1)
	}
	return s.closeContext()
}

func normalize(err error, op string) error {
	if result.KindOf(err) != result.KindNone {
		return err
	}
	return result.Wrap(err, result.KindNavigation, op)
}
