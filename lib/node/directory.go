package node

import (
	"sort"
	"sync"

	"github.com/ValentinKolb/dSeq/lib/membership"
	"github.com/ValentinKolb/dSeq/lib/replication"
	"github.com/ValentinKolb/dSeq/rpc/client"
	"github.com/ValentinKolb/dSeq/rpc/common"
	"github.com/ValentinKolb/dSeq/rpc/serializer"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/multierr"
)

// directory resolves the other members of the group of a node through the
// registry cache and connects to them lazily over the replication service.
type directory struct {
	self     string
	group    uint64
	registry *membership.Registry

	config       common.ClientConfig
	newTransport client.TransportFactory
	serializer   serializer.IRPCSerializer

	dialMu sync.Mutex
	peers  *xsync.MapOf[string, *client.Peer] // by address
}

var _ replication.IDirectory = (*directory)(nil)

func newDirectory(
	self string,
	group uint64,
	registry *membership.Registry,
	config common.ClientConfig,
	newTransport client.TransportFactory,
	serializer serializer.IRPCSerializer,
) *directory {
	return &directory{
		self:         self,
		group:        group,
		registry:     registry,
		config:       config,
		newTransport: newTransport,
		serializer:   serializer,
		peers:        xsync.NewMapOf[string, *client.Peer](),
	}
}

func (d *directory) Followers() []replication.Peer {
	nodes := d.registry.Members(d.group).ToSlice()
	sort.Strings(nodes)

	followers := make([]replication.Peer, 0, len(nodes))
	for _, node := range nodes {
		if node == d.self {
			continue
		}
		m, ok := d.registry.Member(node)
		if !ok {
			continue
		}
		p, err := d.peer(m.Address)
		if err != nil {
			Logger.Debugf("group %d: follower %s unreachable: %v", d.group, node, err)
			continue
		}
		followers = append(followers, replication.Peer{Node: node, IPeer: p})
	}
	return followers
}

func (d *directory) Leader() (replication.Peer, bool) {
	l, ok := d.registry.Leader(d.group)
	if !ok || l.Node == d.self {
		return replication.Peer{}, false
	}
	p, err := d.peer(l.Address)
	if err != nil {
		Logger.Debugf("group %d: leader %s unreachable: %v", d.group, l.Node, err)
		return replication.Peer{}, false
	}
	return replication.Peer{Node: l.Node, IPeer: p}, true
}

// Close closes the connections to every peer
func (d *directory) Close() error {
	var err error
	d.peers.Range(func(addr string, p *client.Peer) bool {
		err = multierr.Append(err, p.Close())
		d.peers.Delete(addr)
		return true
	})
	return err
}

// peer returns the cached peer of addr, connecting it on first use
func (d *directory) peer(addr string) (*client.Peer, error) {
	if p, ok := d.peers.Load(addr); ok {
		return p, nil
	}
	d.dialMu.Lock()
	defer d.dialMu.Unlock()
	if p, ok := d.peers.Load(addr); ok {
		return p, nil
	}

	config := d.config
	config.Endpoints = []string{addr}
	p, err := client.NewPeer(d.group, config, d.newTransport(), d.serializer)
	if err != nil {
		return nil, err
	}
	d.peers.Store(addr, p)
	return p, nil
}
