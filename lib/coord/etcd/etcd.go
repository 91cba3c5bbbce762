package etcd

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/ValentinKolb/dSeq/lib/coord"
	"github.com/lni/dragonboat/v4/logger"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/namespace"
)

var Logger = logger.GetLogger("coord")

// Config holds the connection parameters of the etcd backend.
type Config struct {
	// Endpoints is the list of etcd client urls.
	Endpoints []string
	// Namespace is prepended to every key (e.g. "dseq/").
	Namespace string
	// DialTimeout bounds the initial connection.
	DialTimeout time.Duration
	// RequestTimeout bounds every single request (0 = only the caller's context).
	RequestTimeout time.Duration
}

func (c *Config) sanitize() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.Namespace != "" && !strings.HasSuffix(c.Namespace, "/") {
		c.Namespace += "/"
	}
}

// Coordinator implements coord.ICoordinator on top of etcd v3.
//
// Leases map to etcd leases, CompareAndSwap to a transaction comparing the
// ModRevision (or CreateRevision for "must not exist") of the key, and Watch
// to a prefix watch.
type Coordinator struct {
	config  Config
	client  *clientv3.Client
	kv      clientv3.KV
	lease   clientv3.Lease
	watcher clientv3.Watcher
}

// enforce compilation error if the interface is not implemented
var _ coord.ICoordinator = (*Coordinator)(nil)

// New connects to etcd and verifies the connection with a status request
// against the first endpoint.
func New(ctx context.Context, config Config) (*Coordinator, error) {
	if len(config.Endpoints) == 0 {
		return nil, errors.New("coord/etcd: no endpoints configured")
	}
	config.sanitize()

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   config.Endpoints,
		DialTimeout: config.DialTimeout,
		Context:     ctx,
	})
	if err != nil {
		return nil, fmt.Errorf("coord/etcd: failed to create client: %w", err)
	}

	statusCtx, cancel := context.WithTimeout(ctx, config.DialTimeout)
	defer cancel()
	if _, err := client.Status(statusCtx, config.Endpoints[0]); err != nil {
		return nil, errors.Join(fmt.Errorf("coord/etcd: failed to connect: %w", err), client.Close())
	}

	Logger.Infof("connected to etcd %v (namespace %q)", config.Endpoints, config.Namespace)

	return &Coordinator{
		config:  config,
		client:  client,
		kv:      namespace.NewKV(client.KV, config.Namespace),
		lease:   namespace.NewLease(client.Lease, config.Namespace),
		watcher: namespace.NewWatcher(client.Watcher, config.Namespace),
	}, nil
}

// --------------------------------------------------------------------------
// Interface Methods (docu see coord.ICoordinator)
// --------------------------------------------------------------------------

func (c *Coordinator) Get(ctx context.Context, key string) (coord.KeyValue, bool, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	resp, err := c.kv.Get(ctx, key)
	if err != nil {
		return coord.KeyValue{}, false, unavailable("get "+key, err)
	}
	if len(resp.Kvs) == 0 {
		return coord.KeyValue{}, false, nil
	}
	kv := resp.Kvs[0]
	return coord.KeyValue{
		Key:      string(kv.Key),
		Value:    kv.Value,
		Revision: kv.ModRevision,
		Lease:    encodeLease(clientv3.LeaseID(kv.Lease)),
	}, true, nil
}

func (c *Coordinator) List(ctx context.Context, prefix string) ([]coord.KeyValue, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	resp, err := c.kv.Get(ctx, prefix, clientv3.WithPrefix(), clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return nil, unavailable("list "+prefix, err)
	}
	kvs := make([]coord.KeyValue, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		kvs = append(kvs, coord.KeyValue{
			Key:      string(kv.Key),
			Value:    kv.Value,
			Revision: kv.ModRevision,
			Lease:    encodeLease(clientv3.LeaseID(kv.Lease)),
		})
	}
	return kvs, nil
}

func (c *Coordinator) CompareAndSwap(ctx context.Context, key string, rev int64, value []byte, lease coord.LeaseID) (bool, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	var cmp clientv3.Cmp
	if rev == 0 {
		cmp = clientv3.Compare(clientv3.CreateRevision(key), "=", 0)
	} else {
		cmp = clientv3.Compare(clientv3.ModRevision(key), "=", rev)
	}

	opts, err := putOptions(lease)
	if err != nil {
		return false, err
	}

	resp, err := c.kv.Txn(ctx).
		If(cmp).
		Then(clientv3.OpPut(key, string(value), opts...)).
		Commit()
	if err != nil {
		if errors.Is(err, rpctypes.ErrLeaseNotFound) {
			return false, coord.ErrLeaseNotFound
		}
		return false, unavailable("cas "+key, err)
	}
	return resp.Succeeded, nil
}

func (c *Coordinator) CompareAndDelete(ctx context.Context, key string, rev int64) (bool, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	resp, err := c.kv.Txn(ctx).
		If(clientv3.Compare(clientv3.ModRevision(key), "=", rev)).
		Then(clientv3.OpDelete(key)).
		Commit()
	if err != nil {
		return false, unavailable("compare and delete "+key, err)
	}
	return resp.Succeeded, nil
}

func (c *Coordinator) Put(ctx context.Context, key string, value []byte, lease coord.LeaseID) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	opts, err := putOptions(lease)
	if err != nil {
		return err
	}
	if _, err := c.kv.Put(ctx, key, string(value), opts...); err != nil {
		if errors.Is(err, rpctypes.ErrLeaseNotFound) {
			return coord.ErrLeaseNotFound
		}
		return unavailable("put "+key, err)
	}
	return nil
}

func (c *Coordinator) Delete(ctx context.Context, key string) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	if _, err := c.kv.Delete(ctx, key); err != nil {
		return unavailable("delete "+key, err)
	}
	return nil
}

func (c *Coordinator) Grant(ctx context.Context, ttl time.Duration) (coord.LeaseID, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	seconds := int64(math.Ceil(ttl.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	resp, err := c.lease.Grant(ctx, seconds)
	if err != nil {
		return coord.NoLease, unavailable("grant lease", err)
	}
	return encodeLease(resp.ID), nil
}

func (c *Coordinator) KeepAlive(ctx context.Context, id coord.LeaseID) (time.Duration, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	leaseID, err := decodeLease(id)
	if err != nil {
		return 0, err
	}
	resp, err := c.lease.KeepAliveOnce(ctx, leaseID)
	if err != nil {
		if errors.Is(err, rpctypes.ErrLeaseNotFound) {
			return 0, coord.ErrLeaseNotFound
		}
		return 0, unavailable("keep alive lease", err)
	}
	if resp.TTL <= 0 {
		return 0, coord.ErrLeaseNotFound
	}
	return time.Duration(resp.TTL) * time.Second, nil
}

func (c *Coordinator) Revoke(ctx context.Context, id coord.LeaseID) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	leaseID, err := decodeLease(id)
	if err != nil {
		return err
	}
	if _, err := c.lease.Revoke(ctx, leaseID); err != nil {
		if errors.Is(err, rpctypes.ErrLeaseNotFound) {
			return coord.ErrLeaseNotFound
		}
		return unavailable("revoke lease", err)
	}
	return nil
}

func (c *Coordinator) Watch(ctx context.Context, prefix string) (<-chan coord.Event, error) {
	watchCh := c.watcher.Watch(clientv3.WithRequireLeader(ctx), prefix, clientv3.WithPrefix())
	out := make(chan coord.Event)

	go func() {
		defer close(out)
		for resp := range watchCh {
			if err := resp.Err(); err != nil {
				Logger.Warningf("watch on %q ended: %v", prefix, err)
				return
			}
			for _, ev := range resp.Events {
				event := coord.Event{
					Type: coord.EventPut,
					KV: coord.KeyValue{
						Key:      string(ev.Kv.Key),
						Value:    ev.Kv.Value,
						Revision: ev.Kv.ModRevision,
						Lease:    encodeLease(clientv3.LeaseID(ev.Kv.Lease)),
					},
				}
				if ev.Type == clientv3.EventTypeDelete {
					event.Type = coord.EventDelete
				}
				select {
				case out <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

func (c *Coordinator) Close() error {
	return c.client.Close()
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func (c *Coordinator) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.config.RequestTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.config.RequestTimeout)
}

func putOptions(lease coord.LeaseID) ([]clientv3.OpOption, error) {
	if lease == coord.NoLease {
		return nil, nil
	}
	id, err := decodeLease(lease)
	if err != nil {
		return nil, err
	}
	return []clientv3.OpOption{clientv3.WithLease(id)}, nil
}

func encodeLease(id clientv3.LeaseID) coord.LeaseID {
	if id == clientv3.NoLease {
		return coord.NoLease
	}
	return coord.LeaseID(strconv.FormatInt(int64(id), 16))
}

func decodeLease(id coord.LeaseID) (clientv3.LeaseID, error) {
	v, err := strconv.ParseInt(string(id), 16, 64)
	if err != nil {
		return clientv3.NoLease, fmt.Errorf("coord/etcd: invalid lease id %q: %w", id, err)
	}
	return clientv3.LeaseID(v), nil
}

func unavailable(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", coord.ErrUnavailable, op, err)
}
