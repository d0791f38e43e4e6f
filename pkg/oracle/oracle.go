package oracle

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/meshsync/pkg/syncerr"
	"github.com/cuemby/meshsync/pkg/types"
)

// Application is the artifact binding resolved for a context revision.
type Application struct {
	ID       types.Hash
	Revision uint64
	BlobID   types.Hash
}

// Oracle is the read-only configuration back-end resolving context
// configuration. It is eventually consistent; callers pin to a revision for
// the duration of a session to tolerate stale reads.
type Oracle interface {
	GetApplication(ctx context.Context, id types.ContextID, revision uint64) (*Application, error)
	GetMembers(ctx context.Context, id types.ContextID, revision uint64) ([]types.Member, error)
	GetProxy(ctx context.Context, id types.ContextID) (types.PublicKey, error)
}

// Client caches oracle reads per (context, revision). Because a revision's
// configuration is immutable once committed, cached entries never expire;
// only lookups for new revisions go upstream.
type Client struct {
	mu      sync.RWMutex
	backend Oracle
	timeout time.Duration

	apps    map[revKey]*Application
	members map[revKey][]types.Member
}

type revKey struct {
	ctx types.ContextID
	rev uint64
}

// NewClient wraps a backend with per-revision caching.
func NewClient(backend Oracle, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		backend: backend,
		timeout: timeout,
		apps:    make(map[revKey]*Application),
		members: make(map[revKey][]types.Member),
	}
}

// GetApplication resolves the application binding at a pinned revision.
func (c *Client) GetApplication(ctx context.Context, id types.ContextID, revision uint64) (*Application, error) {
	key := revKey{ctx: id, rev: revision}

	c.mu.RLock()
	app, ok := c.apps[key]
	c.mu.RUnlock()
	if ok {
		return app, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	app, err := c.backend.GetApplication(ctx, id, revision)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.KindOracle, "get application", err)
	}

	c.mu.Lock()
	c.apps[key] = app
	c.mu.Unlock()
	return app, nil
}

// GetMembers resolves the member set at a pinned revision.
func (c *Client) GetMembers(ctx context.Context, id types.ContextID, revision uint64) ([]types.Member, error) {
	key := revKey{ctx: id, rev: revision}

	c.mu.RLock()
	members, ok := c.members[key]
	c.mu.RUnlock()
	if ok {
		return members, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	members, err := c.backend.GetMembers(ctx, id, revision)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.KindOracle, "get members", err)
	}

	c.mu.Lock()
	c.members[key] = members
	c.mu.Unlock()
	return members, nil
}

// GetProxy resolves the context's proxy key. Proxy bindings are not
// revisioned, so reads always go upstream.
func (c *Client) GetProxy(ctx context.Context, id types.ContextID) (types.PublicKey, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	key, err := c.backend.GetProxy(ctx, id)
	if err != nil {
		return types.PublicKey{}, syncerr.Wrap(syncerr.KindOracle, "get proxy", err)
	}
	return key, nil
}

// Static is an in-process oracle serving fixed configuration. Used by
// tests and single-tenant deployments without a contract back-end.
type Static struct {
	mu      sync.RWMutex
	apps    map[types.ContextID]*Application
	members map[types.ContextID][]types.Member
	proxies map[types.ContextID]types.PublicKey
}

// NewStatic creates an empty static oracle.
func NewStatic() *Static {
	return &Static{
		apps:    make(map[types.ContextID]*Application),
		members: make(map[types.ContextID][]types.Member),
		proxies: make(map[types.ContextID]types.PublicKey),
	}
}

// SetApplication binds an application to a context.
func (s *Static) SetApplication(id types.ContextID, app Application) {
	s.mu.Lock()
	s.apps[id] = &app
	s.mu.Unlock()
}

// SetMembers replaces a context's member set.
func (s *Static) SetMembers(id types.ContextID, members []types.Member) {
	s.mu.Lock()
	s.members[id] = members
	s.mu.Unlock()
}

func (s *Static) GetApplication(_ context.Context, id types.ContextID, _ uint64) (*Application, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	app, ok := s.apps[id]
	if !ok {
		return nil, syncerr.Newf(syncerr.KindOracle, "no application for context %s", id)
	}
	out := *app
	return &out, nil
}

func (s *Static) GetMembers(_ context.Context, id types.ContextID, _ uint64) ([]types.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	members, ok := s.members[id]
	if !ok {
		return nil, syncerr.Newf(syncerr.KindOracle, "no members for context %s", id)
	}
	return append([]types.Member(nil), members...), nil
}

func (s *Static) GetProxy(_ context.Context, id types.ContextID) (types.PublicKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.proxies[id], nil
}
