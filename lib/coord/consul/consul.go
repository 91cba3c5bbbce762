package consul

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ValentinKolb/dSeq/lib/coord"
	"github.com/hashicorp/consul/api"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("coord")

const (
	// MinSessionTTL is the smallest session ttl consul accepts.
	MinSessionTTL = 10 * time.Second
	// MaxSessionTTL is the largest session ttl consul accepts.
	MaxSessionTTL = 24 * time.Hour

	defaultWaitTime = 30 * time.Second
)

// Config holds the connection parameters of the consul backend.
type Config struct {
	// Address of the consul agent (host:port or url).
	Address string
	// Datacenter to use, empty for the agent's default.
	Datacenter string
	// Token is the optional acl token.
	Token string
	// Namespace is prepended to every key (e.g. "dseq/").
	Namespace string
	// WaitTime is the maximum duration of one blocking query used by Watch.
	WaitTime time.Duration
}

func (c *Config) sanitize() {
	c.Namespace = strings.TrimPrefix(c.Namespace, "/")
	if c.Namespace != "" && !strings.HasSuffix(c.Namespace, "/") {
		c.Namespace += "/"
	}
	if c.WaitTime <= 0 {
		c.WaitTime = defaultWaitTime
	}
}

// Coordinator implements coord.ICoordinator on top of the consul kv store.
//
// Leases are consul sessions with the delete behaviour: a key written under
// a lease is acquired (locked) by the session and removed by consul once the
// session is destroyed or its ttl runs out. Revisions are ModifyIndex values.
// Session ttls are clamped to [MinSessionTTL, MaxSessionTTL] and consul may
// take up to twice the ttl to invalidate an expired session.
type Coordinator struct {
	config Config
	client *api.Client

	closeCh chan struct{}
}

// enforce compilation error if the interface is not implemented
var _ coord.ICoordinator = (*Coordinator)(nil)

// New creates a consul client and checks that the agent is reachable.
func New(ctx context.Context, config Config) (*Coordinator, error) {
	config.sanitize()

	consulConfig := api.DefaultConfig()
	if config.Address != "" {
		consulConfig.Address = config.Address
	}
	consulConfig.Datacenter = config.Datacenter
	consulConfig.Token = config.Token

	client, err := api.NewClient(consulConfig)
	if err != nil {
		return nil, fmt.Errorf("coord/consul: failed to create client: %w", err)
	}

	if _, err := client.Status().Leader(); err != nil {
		return nil, fmt.Errorf("coord/consul: failed to connect: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	Logger.Infof("connected to consul %s (namespace %q)", consulConfig.Address, config.Namespace)

	return &Coordinator{
		config:  config,
		client:  client,
		closeCh: make(chan struct{}),
	}, nil
}

// --------------------------------------------------------------------------
// Interface Methods (docu see coord.ICoordinator)
// --------------------------------------------------------------------------

func (c *Coordinator) Get(ctx context.Context, key string) (coord.KeyValue, bool, error) {
	pair, _, err := c.client.KV().Get(c.key(key), c.query(ctx))
	if err != nil {
		return coord.KeyValue{}, false, unavailable("get "+key, err)
	}
	if pair == nil {
		return coord.KeyValue{}, false, nil
	}
	return c.toKV(pair), true, nil
}

func (c *Coordinator) List(ctx context.Context, prefix string) ([]coord.KeyValue, error) {
	kvs, _, err := c.list(ctx, prefix, 0)
	return kvs, err
}

func (c *Coordinator) CompareAndSwap(ctx context.Context, key string, rev int64, value []byte, lease coord.LeaseID) (bool, error) {
	check := &api.KVTxnOp{Verb: api.KVCheckNotExists, Key: c.key(key)}
	if rev != 0 {
		check = &api.KVTxnOp{Verb: api.KVCheckIndex, Key: c.key(key), Index: uint64(rev)}
	}
	write := &api.KVTxnOp{Verb: api.KVSet, Key: c.key(key), Value: value}
	if lease != coord.NoLease {
		write = &api.KVTxnOp{Verb: api.KVLock, Key: c.key(key), Value: value, Session: string(lease)}
	}

	ok, resp, _, err := c.client.KV().Txn(api.KVTxnOps{check, write}, c.query(ctx))
	if err != nil {
		if lease != coord.NoLease && !c.sessionExists(ctx, lease) {
			return false, coord.ErrLeaseNotFound
		}
		return false, unavailable("cas "+key, err)
	}
	if ok {
		return true, nil
	}
	for _, txnErr := range resp.Errors {
		// op 0 is the check, everything else means the lock could not be taken
		if txnErr.OpIndex != 0 && lease != coord.NoLease && !c.sessionExists(ctx, lease) {
			return false, coord.ErrLeaseNotFound
		}
	}
	return false, nil
}

func (c *Coordinator) CompareAndDelete(ctx context.Context, key string, rev int64) (bool, error) {
	ok, _, err := c.client.KV().DeleteCAS(&api.KVPair{Key: c.key(key), ModifyIndex: uint64(rev)}, c.write(ctx))
	if err != nil {
		return false, unavailable("compare and delete "+key, err)
	}
	return ok, nil
}

func (c *Coordinator) Put(ctx context.Context, key string, value []byte, lease coord.LeaseID) error {
	pair := &api.KVPair{Key: c.key(key), Value: value}
	if lease == coord.NoLease {
		if _, err := c.client.KV().Put(pair, c.write(ctx)); err != nil {
			return unavailable("put "+key, err)
		}
		return nil
	}

	pair.Session = string(lease)
	acquired, _, err := c.client.KV().Acquire(pair, c.write(ctx))
	if err != nil || !acquired {
		if !c.sessionExists(ctx, lease) {
			return coord.ErrLeaseNotFound
		}
		if err != nil {
			return unavailable("put "+key, err)
		}
		return fmt.Errorf("coord/consul: key %s is held by another lease", key)
	}
	return nil
}

func (c *Coordinator) Delete(ctx context.Context, key string) error {
	if _, err := c.client.KV().Delete(c.key(key), c.write(ctx)); err != nil {
		return unavailable("delete "+key, err)
	}
	return nil
}

func (c *Coordinator) Grant(ctx context.Context, ttl time.Duration) (coord.LeaseID, error) {
	ttl = min(max(ttl, MinSessionTTL), MaxSessionTTL)
	id, _, err := c.client.Session().Create(&api.SessionEntry{
		Name:      "dseq",
		TTL:       ttl.String(),
		Behavior:  api.SessionBehaviorDelete,
		LockDelay: time.Millisecond,
	}, c.write(ctx))
	if err != nil {
		return coord.NoLease, unavailable("create session", err)
	}
	return coord.LeaseID(id), nil
}

func (c *Coordinator) KeepAlive(ctx context.Context, id coord.LeaseID) (time.Duration, error) {
	entry, _, err := c.client.Session().Renew(string(id), c.write(ctx))
	if err != nil {
		return 0, unavailable("renew session", err)
	}
	if entry == nil {
		return 0, coord.ErrLeaseNotFound
	}
	ttl, err := time.ParseDuration(entry.TTL)
	if err != nil {
		return 0, fmt.Errorf("coord/consul: invalid session ttl %q: %w", entry.TTL, err)
	}
	return ttl, nil
}

func (c *Coordinator) Revoke(ctx context.Context, id coord.LeaseID) error {
	if !c.sessionExists(ctx, id) {
		return coord.ErrLeaseNotFound
	}
	if _, err := c.client.Session().Destroy(string(id), c.write(ctx)); err != nil {
		return unavailable("destroy session", err)
	}
	return nil
}

// Watch polls the prefix with blocking queries and emits the difference
// between two consecutive results as events.
func (c *Coordinator) Watch(ctx context.Context, prefix string) (<-chan coord.Event, error) {
	initial, index, err := c.list(ctx, prefix, 0)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	out := make(chan coord.Event)

	go func() {
		select {
		case <-c.closeCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	go func() {
		defer close(out)
		defer cancel()

		known := make(map[string]coord.KeyValue, len(initial))
		for _, kv := range initial {
			known[kv.Key] = kv
		}

		for {
			kvs, next, err := c.list(ctx, prefix, index)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				Logger.Warningf("blocking query on %q failed: %v", prefix, err)
				select {
				case <-time.After(time.Second):
					continue
				case <-ctx.Done():
					return
				}
			}
			// the index may go backwards after a consul restore
			if next < index {
				next = 0
			}
			index = next

			for _, ev := range diff(known, kvs) {
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

func (c *Coordinator) Close() error {
	select {
	case <-c.closeCh:
	default:
		close(c.closeCh)
	}
	return nil
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func (c *Coordinator) key(key string) string {
	return c.config.Namespace + key
}

func (c *Coordinator) query(ctx context.Context) *api.QueryOptions {
	return (&api.QueryOptions{RequireConsistent: true}).WithContext(ctx)
}

func (c *Coordinator) write(ctx context.Context) *api.WriteOptions {
	return (&api.WriteOptions{}).WithContext(ctx)
}

func (c *Coordinator) list(ctx context.Context, prefix string, waitIndex uint64) ([]coord.KeyValue, uint64, error) {
	opts := c.query(ctx)
	if waitIndex > 0 {
		opts.RequireConsistent = false
		opts.WaitIndex = waitIndex
		opts.WaitTime = c.config.WaitTime
	}
	pairs, meta, err := c.client.KV().List(c.key(prefix), opts)
	if err != nil {
		return nil, 0, unavailable("list "+prefix, err)
	}
	kvs := make([]coord.KeyValue, 0, len(pairs))
	for _, pair := range pairs {
		kvs = append(kvs, c.toKV(pair))
	}
	sort.Slice(kvs, func(i, j int) bool { return kvs[i].Key < kvs[j].Key })
	return kvs, meta.LastIndex, nil
}

func (c *Coordinator) toKV(pair *api.KVPair) coord.KeyValue {
	return coord.KeyValue{
		Key:      strings.TrimPrefix(pair.Key, c.config.Namespace),
		Value:    pair.Value,
		Revision: int64(pair.ModifyIndex),
		Lease:    coord.LeaseID(pair.Session),
	}
}

func (c *Coordinator) sessionExists(ctx context.Context, id coord.LeaseID) bool {
	entry, _, err := c.client.Session().Info(string(id), c.query(ctx))
	return err == nil && entry != nil
}

// diff updates known to the state of kvs and returns the changes in key order.
func diff(known map[string]coord.KeyValue, kvs []coord.KeyValue) []coord.Event {
	var events []coord.Event
	seen := make(map[string]struct{}, len(kvs))
	for _, kv := range kvs {
		seen[kv.Key] = struct{}{}
		if old, ok := known[kv.Key]; ok && old.Revision == kv.Revision {
			continue
		}
		known[kv.Key] = kv
		events = append(events, coord.Event{Type: coord.EventPut, KV: kv})
	}

	var deleted []string
	for key := range known {
		if _, ok := seen[key]; !ok {
			deleted = append(deleted, key)
		}
	}
	sort.Strings(deleted)
	for _, key := range deleted {
		events = append(events, coord.Event{Type: coord.EventDelete, KV: coord.KeyValue{Key: key, Revision: known[key].Revision}})
		delete(known, key)
	}
	return events
}

func unavailable(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", coord.ErrUnavailable, op, err)
}
