package peer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/stacklok/nodesync/internal/events"
	"github.com/stacklok/nodesync/internal/syncerr"
)

const (
	// DefaultCacheTTL is how long a resolved address is trusted
	DefaultCacheTTL = 30 * time.Second
	// DefaultStalenessWindow bounds how long ago a peer must have been seen to count as active
	DefaultStalenessWindow = 24 * time.Hour
	// DefaultMaxAttempts bounds DNS lookups per resolution
	DefaultMaxAttempts = 3
	// DefaultLookupTimeout bounds a single DNS lookup
	DefaultLookupTimeout = 5 * time.Second

	defaultInitialBackoff = 200 * time.Millisecond
)

// HostResolver looks up the addresses of a hostname. *net.Resolver satisfies it.
type HostResolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// Reachability is the in-memory view of the last resolution of a peer
type Reachability struct {
	Reachable  bool      `json:"reachable"`
	Address    string    `json:"address,omitempty"`
	ResolvedAt time.Time `json:"resolvedAt,omitempty"`
	Error      string    `json:"error,omitempty"`
}

type cacheEntry struct {
	address string
	expires time.Time
}

// Registry is the directory of known peers
type Registry struct {
	store    Store
	resolver HostResolver
	bus      events.Bus
	now      func() time.Time

	cacheTTL       time.Duration
	staleness      time.Duration
	maxAttempts    uint
	initialBackoff time.Duration
	lookupTimeout  time.Duration

	mu    sync.Mutex
	cache map[string]cacheEntry
	reach map[string]Reachability
}

// Option configures a Registry
type Option func(*Registry)

// WithHostResolver replaces the DNS resolver
func WithHostResolver(r HostResolver) Option {
	return func(reg *Registry) {
		reg.resolver = r
	}
}

// WithCacheTTL sets how long resolved addresses are cached
func WithCacheTTL(d time.Duration) Option {
	return func(reg *Registry) {
		if d > 0 {
			reg.cacheTTL = d
		}
	}
}

// WithStalenessWindow sets the lastSeen window of ListActive
func WithStalenessWindow(d time.Duration) Option {
	return func(reg *Registry) {
		if d > 0 {
			reg.staleness = d
		}
	}
}

// WithLookupRetry bounds DNS lookup attempts and sets the first backoff delay
func WithLookupRetry(maxAttempts uint, initial time.Duration) Option {
	return func(reg *Registry) {
		if maxAttempts > 0 {
			reg.maxAttempts = maxAttempts
		}
		if initial > 0 {
			reg.initialBackoff = initial
		}
	}
}

// WithEventBus sets the bus peer_discovered events are published on
func WithEventBus(bus events.Bus) Option {
	return func(reg *Registry) {
		if bus != nil {
			reg.bus = bus
		}
	}
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(reg *Registry) {
		reg.now = now
	}
}

// NewRegistry creates a registry over the given store
func NewRegistry(store Store, opts ...Option) *Registry {
	r := &Registry{
		store:          store,
		resolver:       net.DefaultResolver,
		bus:            events.Discard,
		now:            time.Now,
		cacheTTL:       DefaultCacheTTL,
		staleness:      DefaultStalenessWindow,
		maxAttempts:    DefaultMaxAttempts,
		initialBackoff: defaultInitialBackoff,
		lookupTimeout:  DefaultLookupTimeout,
		cache:          make(map[string]cacheEntry),
		reach:          make(map[string]Reachability),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// List returns every registered peer
func (r *Registry) List(ctx context.Context) ([]Node, error) {
	return r.store.List(ctx)
}

// Get returns one peer or ErrNotFound
func (r *Registry) Get(ctx context.Context, id string) (Node, error) {
	return r.store.Get(ctx, id)
}

// Add registers or updates a peer
func (r *Registry) Add(ctx context.Context, n Node) (Node, error) {
	if err := n.Validate(); err != nil {
		return Node{}, err
	}
	saved, err := r.store.Upsert(ctx, n)
	if err != nil {
		return Node{}, err
	}
	r.Invalidate(n.ID)
	slog.Info("Peer registered", "peer_id", saved.ID, "hostname", saved.Hostname, "port", saved.Port)
	return saved, nil
}

// Remove deletes a peer and its cached resolution
func (r *Registry) Remove(ctx context.Context, id string) error {
	if err := r.store.Delete(ctx, id); err != nil {
		return err
	}

	r.mu.Lock()
	delete(r.cache, id)
	delete(r.reach, id)
	r.mu.Unlock()

	slog.Info("Peer removed", "peer_id", id)
	return nil
}

// Seed registers the peers listed in configuration
func (r *Registry) Seed(ctx context.Context, nodes []Node) error {
	for _, n := range nodes {
		if _, err := r.Add(ctx, n); err != nil {
			return fmt.Errorf("failed to seed peer %s: %w", n.ID, err)
		}
	}
	return nil
}

// Touch records a successful contact with a peer
func (r *Registry) Touch(ctx context.Context, id string) error {
	return r.store.Touch(ctx, id, r.now())
}

// ListActive returns active peers seen within the staleness window
func (r *Registry) ListActive(ctx context.Context) ([]Node, error) {
	nodes, err := r.store.List(ctx)
	if err != nil {
		return nil, err
	}

	cutoff := r.now().Add(-r.staleness)
	active := make([]Node, 0, len(nodes))
	for _, n := range nodes {
		if n.Active && n.LastSeen != nil && !n.LastSeen.Before(cutoff) {
			active = append(active, n)
		}
	}
	return active, nil
}

// Reachability returns the result of the last resolution of a peer
func (r *Registry) Reachability(id string) (Reachability, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.reach[id]
	return st, ok
}

// Invalidate drops the cached address of a peer so the next call re-resolves it
func (r *Registry) Invalidate(id string) {
	r.mu.Lock()
	delete(r.cache, id)
	r.mu.Unlock()
}

// ResolveAddress returns the current host:port of a peer. Lookups are cached for
// the configured TTL and retried with exponential backoff. A failed resolution
// marks the peer unreachable but keeps it registered.
func (r *Registry) ResolveAddress(ctx context.Context, n Node) (string, error) {
	now := r.now()

	r.mu.Lock()
	if entry, ok := r.cache[n.ID]; ok && now.Before(entry.expires) {
		r.mu.Unlock()
		return entry.address, nil
	}
	r.mu.Unlock()

	host, err := r.lookup(ctx, n.Hostname)
	if err != nil {
		r.markUnreachable(n, err)
		return "", syncerr.Connectivity("resolve peer "+n.ID, err)
	}

	address := net.JoinHostPort(host, strconv.Itoa(n.Port))
	r.markReachable(ctx, n, address)
	return address, nil
}

func (r *Registry) lookup(ctx context.Context, hostname string) (string, error) {
	if ip := net.ParseIP(hostname); ip != nil {
		return hostname, nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.initialBackoff
	b.MaxInterval = 10 * r.initialBackoff

	return backoff.Retry(ctx, func() (string, error) {
		lookupCtx, cancel := context.WithTimeout(ctx, r.lookupTimeout)
		defer cancel()

		addrs, err := r.resolver.LookupHost(lookupCtx, hostname)
		if err != nil {
			var dnsErr *net.DNSError
			if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
				return "", backoff.Permanent(err)
			}
			slog.Debug("Peer lookup failed, retrying", "hostname", hostname, "error", err)
			return "", err
		}
		if len(addrs) == 0 {
			return "", backoff.Permanent(fmt.Errorf("no addresses for %s", hostname))
		}
		return addrs[0], nil
	}, backoff.WithBackOff(b), backoff.WithMaxTries(r.maxAttempts))
}

func (r *Registry) markReachable(ctx context.Context, n Node, address string) {
	now := r.now()

	r.mu.Lock()
	prev, known := r.reach[n.ID]
	r.cache[n.ID] = cacheEntry{address: address, expires: now.Add(r.cacheTTL)}
	r.reach[n.ID] = Reachability{Reachable: true, Address: address, ResolvedAt: now}
	r.mu.Unlock()

	if !known || !prev.Reachable || prev.Address != address {
		slog.Info("Peer discovered", "peer_id", n.ID, "hostname", n.Hostname, "address", address)
		r.bus.Publish(ctx, events.PeerDiscovered{
			PeerID:   n.ID,
			Hostname: n.Hostname,
			Address:  address,
			At:       now.UTC(),
		})
	}
}

func (r *Registry) markUnreachable(n Node, err error) {
	now := r.now()

	r.mu.Lock()
	delete(r.cache, n.ID)
	r.reach[n.ID] = Reachability{Reachable: false, ResolvedAt: now, Error: err.Error()}
	r.mu.Unlock()

	slog.Warn("Peer unreachable", "peer_id", n.ID, "hostname", n.Hostname, "error", err)
}
