// Package etcd is the production cluster driver adapter: it gets total
// order for free from etcd's monotonic per-key mod-revision, and derives
// view-changes from lease-backed membership keys. Grounded on the
// teacher's discovery/etcd.go (lease + KeepAlive registration, left as a
// TODO there) and cmd/server/main.go's WatchPeers callback shape,
// completed here rather than left unfinished.
package etcd

import (
	"context"
	"fmt"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/ridgestore/ridgestore/internal/driver"
	"github.com/ridgestore/ridgestore/pkg/wire"
)

// Config configures one node's etcd-backed driver.
type Config struct {
	Endpoints   []string
	Cluster     string // namespaces keys under /ridgestore/<cluster>/...
	SelfAddr    [16]byte
	SelfPort    uint16
	SelfZone    uint32
	SelfVNodes  uint16
	LeaseTTL    int64 // seconds
	DialTimeout time.Duration
}

func (c Config) busKey() string     { return fmt.Sprintf("/ridgestore/%s/bus", c.Cluster) }
func (c Config) membersKey() string { return fmt.Sprintf("/ridgestore/%s/members/", c.Cluster) }

// Driver is the etcd-backed Driver implementation.
type Driver struct {
	cfg Config
	cli *clientv3.Client

	self  wire.NodeID
	entry wire.NodeEntry

	mu       sync.Mutex
	handlers driver.Handlers
	ready    chan struct{}
	pending  []func()
	closed   bool

	lease   clientv3.LeaseID
	cancel  context.CancelFunc
	members map[string]wire.NodePair // keyed by member key suffix
}

// New dials an etcd client for cfg.Endpoints and returns an unjoined Driver.
func New(cfg Config) (*Driver, error) {
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, err
	}
	return &Driver{
		cfg:     cfg,
		cli:     cli,
		entry:   wire.NodeEntry{Addr: cfg.SelfAddr, Port: cfg.SelfPort, Zone: cfg.SelfZone, VNodes: cfg.SelfVNodes},
		members: make(map[string]wire.NodePair),
	}, nil
}

func (d *Driver) Init(h driver.Handlers) (<-chan struct{}, wire.NodeID, error) {
	resp, err := d.cli.Grant(context.Background(), ttlOrDefault(d.cfg.LeaseTTL))
	if err != nil {
		return nil, wire.NodeID{}, err
	}
	d.self = wire.NodeID{Addr: d.cfg.SelfAddr, PID: int64(resp.ID)}

	d.mu.Lock()
	d.handlers = h
	d.ready = make(chan struct{}, 1)
	d.lease = resp.ID
	d.mu.Unlock()

	return d.ready, d.self, nil
}

func ttlOrDefault(ttl int64) int64 {
	if ttl <= 0 {
		return 10
	}
	return ttl
}

// Join registers this node under its members prefix with the lease from
// Init and starts the keep-alive and watch loops. The resulting PUT is
// what every node — including this one — observes as the ViewJoin event,
// since membership watches and the bus watch share the same revision
// order.
func (d *Driver) Join() error {
	ctx, cancel := context.WithCancel(context.Background())
	d.mu.Lock()
	d.cancel = cancel
	d.mu.Unlock()

	keepAlive, err := d.cli.KeepAlive(ctx, d.lease)
	if err != nil {
		cancel()
		return err
	}
	go func() {
		for range keepAlive {
			// lease renewed; nothing to do until it stops, which means
			// the session expired and the membership watch will see the
			// resulting DELETE.
		}
	}()

	pair := wire.NodePair{ID: d.self, Entry: d.entry}
	key := d.cfg.membersKey() + d.self.String()
	val := wire.EncodeNodePair(pair)
	if _, err := d.cli.Put(ctx, key, string(val), clientv3.WithLease(d.lease)); err != nil {
		return err
	}

	go d.watchMembers(ctx)
	go d.watchBus(ctx)
	return nil
}

// Broadcast puts body under the shared bus key; etcd assigns the
// mod-revision, giving every watcher (including this node) an identical
// total order.
func (d *Driver) Broadcast(body []byte) error {
	_, err := d.cli.Put(context.Background(), d.cfg.busKey(), string(body))
	return err
}

func (d *Driver) watchBus(ctx context.Context) {
	wc := d.cli.Watch(ctx, d.cfg.busKey(), clientv3.WithRev(1))
	for resp := range wc {
		for _, ev := range resp.Events {
			if ev.Type != clientv3.EventTypePut {
				continue
			}
			body := ev.Kv.Value
			d.enqueue(func() {
				h, off, err := wire.DecodeHeader(body)
				if err != nil {
					return
				}
				d.mu.Lock()
				handlers := d.handlers
				d.mu.Unlock()
				if handlers.OnNotify != nil {
					handlers.OnNotify(h.From, h.FromEntry, h.Op, h.State, body[off:])
				}
			})
		}
	}
}

func (d *Driver) watchMembers(ctx context.Context) {
	wc := d.cli.Watch(ctx, d.cfg.membersKey(), clientv3.WithPrefix(), clientv3.WithPrevKV())
	for resp := range wc {
		for _, ev := range resp.Events {
			switch ev.Type {
			case clientv3.EventTypePut:
				pair, err := wire.DecodeNodePair(ev.Kv.Value)
				if err != nil {
					continue
				}
				d.mu.Lock()
				d.members[string(ev.Kv.Key)] = pair
				snapshot := d.snapshotLocked()
				d.mu.Unlock()
				d.enqueue(func() {
					d.mu.Lock()
					handlers := d.handlers
					d.mu.Unlock()
					if handlers.OnViewJoin != nil {
						handlers.OnViewJoin(pair.ID, snapshot)
					}
				})
			case clientv3.EventTypeDelete:
				d.mu.Lock()
				pair, known := d.members[string(ev.Kv.Key)]
				delete(d.members, string(ev.Kv.Key))
				snapshot := d.snapshotLocked()
				d.mu.Unlock()
				if !known {
					continue
				}
				d.enqueue(func() {
					d.mu.Lock()
					handlers := d.handlers
					d.mu.Unlock()
					if handlers.OnViewLeave != nil {
						handlers.OnViewLeave(pair.ID, snapshot)
					}
				})
			}
		}
	}
}

func (d *Driver) snapshotLocked() []wire.NodePair {
	out := make([]wire.NodePair, 0, len(d.members))
	for _, p := range d.members {
		out = append(out, p)
	}
	return out
}

func (d *Driver) enqueue(fn func()) {
	d.mu.Lock()
	d.pending = append(d.pending, fn)
	ready := d.ready
	d.mu.Unlock()
	if ready != nil {
		select {
		case ready <- struct{}{}:
		default:
		}
	}
}

// Dispatch runs every callback queued by the watch goroutines since the
// last call.
func (d *Driver) Dispatch() error {
	d.mu.Lock()
	fns := d.pending
	d.pending = nil
	d.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
	return nil
}

// Close cancels the watch/keep-alive context, revokes the lease (which
// promptly deletes this node's membership key, triggering ViewLeave on
// every peer), and closes the etcd client.
func (d *Driver) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	cancel := d.cancel
	ready := d.ready
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	_, _ = d.cli.Revoke(context.Background(), d.lease)
	if ready != nil {
		close(ready)
	}
	return d.cli.Close()
}

var _ driver.Driver = (*Driver)(nil)
