package node

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ValentinKolb/dSeq/lib/cdc"
	"github.com/ValentinKolb/dSeq/lib/clock"
	"github.com/ValentinKolb/dSeq/lib/coord"
	"github.com/ValentinKolb/dSeq/lib/coord/consul"
	"github.com/ValentinKolb/dSeq/lib/coord/etcd"
	"github.com/ValentinKolb/dSeq/lib/coord/memory"
	"github.com/ValentinKolb/dSeq/lib/election"
	"github.com/ValentinKolb/dSeq/lib/lease"
	"github.com/ValentinKolb/dSeq/lib/membership"
	"github.com/ValentinKolb/dSeq/lib/metrics"
	"github.com/ValentinKolb/dSeq/lib/replication"
	"github.com/ValentinKolb/dSeq/lib/router"
	"github.com/ValentinKolb/dSeq/lib/sequence"
	"github.com/ValentinKolb/dSeq/lib/store"
	"github.com/ValentinKolb/dSeq/lib/store/boltstore"
	"github.com/ValentinKolb/dSeq/lib/store/memstore"
	"github.com/ValentinKolb/dSeq/rpc"
	"github.com/ValentinKolb/dSeq/rpc/common"
	"github.com/ValentinKolb/dSeq/rpc/server"
	"github.com/flowchartsman/retry"
	"github.com/lni/dragonboat/v4/logger"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
)

var Logger = logger.GetLogger("node")

// ErrStarted is returned by Start on a node that was already started.
var ErrStarted = errors.New("node: already started")

// --------------------------------------------------------------------------
// Options
// --------------------------------------------------------------------------

type options struct {
	coord        coord.ICoordinator
	clock        clock.Clock
	storeFactory store.Factory
}

// Option overrides a collaborator the node would otherwise build from its
// configuration.
type Option func(*options)

// WithCoordinator makes the node use c instead of connecting to the
// configured coordinator. The node does not close c.
func WithCoordinator(c coord.ICoordinator) Option {
	return func(o *options) { o.coord = c }
}

// WithClock sets the clock of the lease manager and the elector.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithStoreFactory sets the factory of the local store of the group.
func WithStoreFactory(f store.Factory) Option {
	return func(o *options) { o.storeFactory = f }
}

// --------------------------------------------------------------------------
// Node
// --------------------------------------------------------------------------

// Node is one dSeq process: the member of exactly one replication group.
// It serves the KV, replication and CDC services over a single RPC server.
type Node struct {
	config common.NodeConfig
	opts   options

	coord     coord.ICoordinator
	ownsCoord bool
	sequencer sequence.ISequencer
	leases    *lease.Manager
	registry  *membership.Registry
	router    *router.Router

	group     uint64
	store     store.IStore
	engine    *replication.Engine
	elector   *election.Elector
	emitter   *cdc.Emitter
	directory *directory
	server    *server.RPCServer
	sink      *cdc.NATSSink
	metrics   *http.Server

	memberMu sync.Mutex
	member   *lease.Handle

	started *atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New validates config and creates a node. Nothing is connected before
// Start.
func New(config common.NodeConfig, opts ...Option) (*Node, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid node configuration: %w", err)
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.clock == nil {
		o.clock = clock.New()
	}
	if o.storeFactory == nil {
		if config.DataDir == "" {
			o.storeFactory = memstore.Factory()
		} else {
			o.storeFactory = boltstore.Factory(config.DataDir)
		}
	}
	return &Node{config: config, opts: o, started: atomic.NewBool(false)}, nil
}

// Group returns the group of the node (valid after Start).
func (n *Node) Group() uint64 {
	return n.group
}

// Addr returns the address the RPC server listens on (valid after Start).
func (n *Node) Addr() string {
	return n.server.Addr()
}

// Engine returns the replication engine of the group (valid after Start).
func (n *Node) Engine() *replication.Engine {
	return n.engine
}

// Elector returns the election state machine of the group (valid after Start).
func (n *Node) Elector() *election.Elector {
	return n.elector
}

// Registry returns the membership registry (valid after Start).
func (n *Node) Registry() *membership.Registry {
	return n.registry
}

// Router returns the router over the registry cache (valid after Start).
func (n *Node) Router() *router.Router {
	return n.router
}

// Start connects the node, joins its group and starts serving. On error
// everything started so far is shut down again.
func (n *Node) Start(ctx context.Context) (err error) {
	if n.started.Swap(true) {
		return ErrStarted
	}
	defer func() {
		if err != nil {
			closeCtx, cancel := context.WithTimeout(context.Background(), n.config.LeaseTTL)
			defer cancel()
			err = multierr.Append(err, n.Shutdown(closeCtx))
		}
	}()

	runCtx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel

	if err := n.connect(ctx); err != nil {
		return err
	}

	n.leases = lease.NewManager(n.coord, n.opts.clock)
	n.registry = membership.NewRegistry(n.coord, n.leases, membership.Config{
		Groups:       n.config.Groups,
		GroupSize:    n.config.GroupSize,
		PollInterval: n.config.LeaseTTL,
	})
	n.router = router.New(n.registry)

	if n.config.Group >= 0 {
		n.group = uint64(n.config.Group)
	} else if n.group, err = n.registry.AssignNode(ctx, n.config.Node); err != nil {
		return fmt.Errorf("assigning group failed: %w", err)
	}

	if n.store, err = n.opts.storeFactory(n.group); err != nil {
		return fmt.Errorf("opening store of group %d failed: %w", n.group, err)
	}
	n.emitter = cdc.NewEmitter(n.group, n.store)

	// the server has to listen before the address is published
	if err := n.serve(); err != nil {
		return err
	}
	self := membership.Member{Node: n.config.Node, Address: n.config.Address, Group: n.group}

	n.elector, err = election.New(n.coord, n.leases, n.opts.clock, election.Config{
		Self:            self,
		TTL:             n.config.LeaseTTL,
		RefreshInterval: n.config.RefreshInterval,
	})
	if err != nil {
		return err
	}

	newTransport, err := rpc.ClientTransportFactory(n.config.TransportType)
	if err != nil {
		return err
	}
	s, err := rpc.NewSerializer(n.config.Serializer)
	if err != nil {
		return err
	}
	n.directory = newDirectory(n.config.Node, n.group, n.registry, common.ClientConfig{
		TimeoutSecond:          int(max(n.config.Server.TimeoutSecond, 1)),
		RetryCount:             1,
		ConnectionsPerEndpoint: 1,
		TCPNoDelay:             true,
	}, newTransport, s)

	domain := sequence.GroupDomain(n.group)
	if n.config.SequenceDomain == common.DomainGlobal {
		domain = sequence.GlobalDomain
	}
	n.engine = replication.New(replication.Config{
		Group:     n.group,
		Node:      n.config.Node,
		Domain:    domain,
		Retention: n.config.LogRetention,
		OnAppend:  n.emitter.Notify,
	}, n.store, n.sequencer, n.elector, n.directory)

	n.elector.OnElected(n.elected)
	n.elector.OnDemoted(n.engine.Demoted)

	n.server.Register(common.ServiceKV, server.NewKVServerAdapter(n))
	n.server.Register(common.ServiceReplication, server.NewReplicationServerAdapter(n.engine))
	n.server.Register(common.ServiceCDC, server.NewCDCServerAdapter(n.group, n.emitter))

	if n.config.NATS != "" {
		if n.sink, err = cdc.NewNATSSink(cdc.NATSConfig{URL: n.config.NATS, Name: "dseq-" + n.config.Node}); err != nil {
			return err
		}
	}
	if n.config.Metrics != "" {
		n.serveMetrics()
	}

	member, err := n.registry.Register(ctx, self, n.config.LeaseTTL)
	if err != nil {
		return fmt.Errorf("registering node failed: %w", err)
	}
	n.setMember(member)

	n.wg.Add(2)
	go func() {
		defer n.wg.Done()
		n.keepMembership(runCtx, self)
	}()
	go func() {
		defer n.wg.Done()
		_ = n.registry.Watch(runCtx)
	}()
	n.engine.Start(runCtx)
	n.elector.Start(runCtx)

	Logger.Infof("node %s serving group %d on %s", n.config.Node, n.group, n.config.Address)
	return nil
}

// Shutdown stops the node. The leader releases its lease before the
// membership lease and the connections are released.
func (n *Node) Shutdown(ctx context.Context) error {
	var err error
	if n.elector != nil {
		err = multierr.Append(err, n.elector.Close(ctx))
	}
	if n.cancel != nil {
		n.cancel()
	}
	n.wg.Wait()

	if h := n.setMember(nil); h != nil {
		if rerr := n.leases.Release(ctx, h); rerr != nil && !errors.Is(rerr, lease.ErrExpired) {
			err = multierr.Append(err, rerr)
		}
	}
	if n.server != nil {
		err = multierr.Append(err, n.server.Close())
	}
	if n.engine != nil {
		err = multierr.Append(err, n.engine.Close())
	}
	if n.emitter != nil {
		n.emitter.Close()
	}
	if n.sink != nil {
		err = multierr.Append(err, n.sink.Close())
	}
	if n.metrics != nil {
		err = multierr.Append(err, n.metrics.Shutdown(ctx))
	}
	if n.directory != nil {
		err = multierr.Append(err, n.directory.Close())
	}
	if n.store != nil {
		err = multierr.Append(err, n.store.Close())
	}
	if n.sequencer != nil {
		err = multierr.Append(err, n.sequencer.Close())
	}
	if n.coord != nil && n.ownsCoord {
		err = multierr.Append(err, n.coord.Close())
	}
	if err == nil {
		Logger.Infof("node %s stopped", n.config.Node)
	}
	return err
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// connect creates the coordinator and the sequencer
func (n *Node) connect(ctx context.Context) error {
	n.coord = n.opts.coord
	if n.coord == nil {
		n.ownsCoord = true
		switch n.config.Coordinator {
		case common.CoordinatorEtcd:
			c, err := etcd.New(ctx, etcd.Config{Endpoints: n.config.Etcd, Namespace: n.config.Namespace})
			if err != nil {
				return err
			}
			n.coord = c
		case common.CoordinatorConsul:
			c, err := consul.New(ctx, consul.Config{Address: n.config.Consul, Namespace: n.config.Namespace})
			if err != nil {
				return err
			}
			n.coord = c
		default:
			Logger.Warningf("using the in-memory coordinator, the node cannot share state with others")
			n.coord = memory.New(memory.WithClock(n.opts.clock))
		}
	}

	switch n.config.Sequencer {
	case common.SequencerRedis:
		s, err := sequence.NewRedisSequencer(ctx, n.config.Redis, n.config.Namespace, sequence.RetryConfig{})
		if err != nil {
			return err
		}
		n.sequencer = s
	default:
		n.sequencer = sequence.NewCASSequencer(n.coord, sequence.RetryConfig{})
	}
	return nil
}

// serve starts the RPC server and publishes the address it listens on if
// none was configured explicitly
func (n *Node) serve() error {
	t, err := rpc.NewServerTransport(n.config.TransportType)
	if err != nil {
		return err
	}
	s, err := rpc.NewSerializer(n.config.Serializer)
	if err != nil {
		return err
	}
	n.server = server.NewRPCServer(n.config.Server, t, s)
	if err := n.server.Serve(); err != nil {
		return err
	}
	if n.config.Address == n.config.Server.Transport.Endpoint {
		n.config.Address = n.server.Addr()
	}
	return nil
}

func (n *Node) serveMetrics() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	n.metrics = &http.Server{Addr: n.config.Metrics, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := n.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			Logger.Errorf("metrics server on %s failed: %v", n.config.Metrics, err)
		}
	}()
	Logger.Infof("metrics on http://%s/metrics", n.config.Metrics)
}

// elected is the elected hook: the log is reconciled before the first write
// is accepted, then failover slots are published for missing members and
// the change feed is republished while the tenure lasts.
func (n *Node) elected(ctx context.Context, term int64) error {
	if err := n.engine.Reconcile(ctx, term); err != nil {
		return err
	}
	if _, err := n.registry.PublishFailover(ctx, n.group, n.config.GroupSize, n.elector.Lease()); err != nil {
		Logger.Warningf("group %d: publishing failover slots failed: %v", n.group, err)
	}
	if n.sink != nil {
		from := n.sink.LastSeq()
		if from == 0 {
			from = n.store.HighWater()
		}
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			if err := n.sink.Run(ctx, from, n.emitter.Subscribe); err != nil {
				Logger.Errorf("group %d: change feed sink stopped: %v", n.group, err)
			}
		}()
	}
	return nil
}

// keepMembership refreshes the membership lease and registers the node
// again whenever the lease was lost
func (n *Node) keepMembership(ctx context.Context, self membership.Member) {
	for {
		h := n.getMember()
		if h == nil {
			return
		}
		if err := n.leases.Keep(ctx, h, n.config.RefreshInterval); err == nil || ctx.Err() != nil {
			return
		}
		Logger.Warningf("membership lease of %s lost, registering again", self.Node)

		for registered := false; !registered; {
			retrier := retry.NewRetrier(10, n.config.RefreshInterval/4, n.config.RefreshInterval)
			err := retrier.RunContext(ctx, func(ctx context.Context) error {
				h, err := n.registry.Register(ctx, self, n.config.LeaseTTL)
				if err != nil {
					Logger.Debugf("registering %s failed: %v", self.Node, err)
					return err
				}
				n.setMember(h)
				registered = true
				return nil
			})
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				Logger.Errorf("registering %s failed, still retrying: %v", self.Node, err)
			}
		}
	}
}

// setMember replaces the membership handle and returns the old one
func (n *Node) setMember(h *lease.Handle) *lease.Handle {
	n.memberMu.Lock()
	defer n.memberMu.Unlock()
	old := n.member
	n.member = h
	return old
}

func (n *Node) getMember() *lease.Handle {
	n.memberMu.Lock()
	defer n.memberMu.Unlock()
	return n.member
}
