package workers

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/danmuck/backctl/internal/protocol"
	"github.com/danmuck/backctl/internal/protocol/transport"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

type cacheKey struct {
	remote  bool
	storage StorageType
	host    int
	process int
}

func (k cacheKey) less(o cacheKey) bool {
	if k.remote != o.remote {
		return !k.remote
	}
	if k.storage != o.storage {
		return k.storage < o.storage
	}
	if k.host != o.host {
		return k.host < o.host
	}
	return k.process < o.process
}

type cacheEntry struct {
	key    cacheKey
	client *protocol.Client
	conn   transport.Conn
}

// Cache owns the worker clients of one controller run. Each (role, storage,
// host, process) combination is started at most once and reused.
type Cache struct {
	opts    Options
	starter Starter

	mu      sync.Mutex
	entries map[cacheKey]*cacheEntry
}

func NewCache(opts Options, starter Starter) *Cache {
	if starter == nil {
		starter = ExecStarter{Timeout: opts.Config.ProtocolTimeout}
	}
	return &Cache{
		opts:    opts,
		starter: starter,
		entries: make(map[cacheKey]*cacheEntry),
	}
}

// Local returns the local worker for processID, starting it if needed.
func (c *Cache) Local(ctx context.Context, storageType StorageType, hostIdx, processID int) (*protocol.Client, error) {
	key := cacheKey{storage: storageType, host: hostIdx, process: processID}
	return c.get(ctx, key, func() (Target, error) {
		args, err := LocalArgs(c.opts, storageType, hostIdx, processID)
		if err != nil {
			return Target{}, err
		}
		// Local workers run the controller's own binary when it can be found.
		path := c.opts.Config.Executable
		if exe, err := os.Executable(); err == nil {
			path = exe
		}
		return Target{
			Name: fmt.Sprintf("local-%d protocol", processID),
			Path: path,
			Args: args,
		}, nil
	}, protocol.ServiceLocal)
}

// Remote returns the remote worker for a storage host, starting it if needed.
func (c *Cache) Remote(ctx context.Context, storageType StorageType, hostIdx int) (*protocol.Client, error) {
	key := cacheKey{remote: true, storage: storageType, host: hostIdx}
	return c.get(ctx, key, func() (Target, error) {
		args, err := RemoteArgs(c.opts, storageType, hostIdx)
		if err != nil {
			return Target{}, err
		}
		host, _ := c.opts.host(storageType, hostIdx)
		return Target{
			Name:   fmt.Sprintf("remote-%d protocol on '%s'", hostIdx+1, host.Host),
			Remote: true,
			Host:   host,
			Path:   c.opts.Config.SSHCommand,
			Args:   args,
		}, nil
	}, protocol.ServiceRemote)
}

// Open starts local workers 1..n concurrently and returns them in process order.
func (c *Cache) Open(ctx context.Context, storageType StorageType, hostIdx, n int) ([]*protocol.Client, error) {
	if n < 1 {
		return nil, protocol.Errorf(protocol.CodeAssert, "at least one worker is required")
	}
	clients := make([]*protocol.Client, n)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			client, err := c.Local(gctx, storageType, hostIdx, i+1)
			if err != nil {
				return err
			}
			clients[i] = client
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return clients, nil
}

func (c *Cache) get(ctx context.Context, key cacheKey, target func() (Target, error), service string) (*protocol.Client, error) {
	c.mu.Lock()
	if entry, ok := c.entries[key]; ok {
		c.mu.Unlock()
		return entry.client, nil
	}
	c.mu.Unlock()

	t, err := target()
	if err != nil {
		return nil, err
	}
	conn, err := c.starter.Start(ctx, t)
	if err != nil {
		return nil, err
	}
	client, err := protocol.NewClient(t.Name, service, conn.Reader(), conn.Writer())
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.entries[key]; ok {
		// Lost a race with a concurrent start of the same worker.
		_ = client.Close()
		_ = conn.Close()
		return entry.client, nil
	}
	c.entries[key] = &cacheEntry{key: key, client: client, conn: conn}
	log.Debug().Str("client", t.Name).Str("storage", key.storage.String()).Int("host", key.host).Msg("workers.Cache started")
	return client, nil
}

// Clients lists cached clients: locals before remotes, then by storage,
// host and process.
func (c *Cache) Clients() []*protocol.Client {
	entries := c.sorted()
	out := make([]*protocol.Client, 0, len(entries))
	for _, entry := range entries {
		out = append(out, entry.client)
	}
	return out
}

func (c *Cache) sorted() []*cacheEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	entries := make([]*cacheEntry, 0, len(c.entries))
	for _, entry := range c.entries {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].key.less(entries[j].key)
	})
	return entries
}

// KeepAlive sends noop to every cached remote worker so idle ssh channels
// are not dropped. Local workers are skipped: they may have executor jobs in
// flight and a noop would read the job's response.
func (c *Cache) KeepAlive() error {
	for _, entry := range c.sorted() {
		if !entry.key.remote {
			continue
		}
		if err := entry.client.NoOp(); err != nil {
			return err
		}
	}
	return nil
}

// FreeLocal stops the local worker for processID, if one is cached.
func (c *Cache) FreeLocal(storageType StorageType, hostIdx, processID int) error {
	return c.freeKey(cacheKey{storage: storageType, host: hostIdx, process: processID})
}

// FreeRemote stops the remote worker of a storage host, if one is cached.
func (c *Cache) FreeRemote(storageType StorageType, hostIdx int) error {
	return c.freeKey(cacheKey{remote: true, storage: storageType, host: hostIdx})
}

func (c *Cache) freeKey(key cacheKey) error {
	c.mu.Lock()
	entry, ok := c.entries[key]
	c.mu.Unlock()
	if !ok {
		return nil
	}
	return c.free(entry)
}

// Close stops all cached workers.
func (c *Cache) Close() error {
	var errs []error
	for _, entry := range c.sorted() {
		errs = append(errs, c.free(entry))
	}
	return errors.Join(errs...)
}

func (c *Cache) free(entry *cacheEntry) error {
	c.mu.Lock()
	delete(c.entries, entry.key)
	c.mu.Unlock()

	exitErr := entry.client.Close()
	closeErr := entry.conn.Close()
	log.Debug().Str("client", entry.client.Name()).Msg("workers.Cache freed")
	return errors.Join(exitErr, closeErr)
}
