package membership

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/ValentinKolb/dSeq/lib/coord"
	"github.com/ValentinKolb/dSeq/lib/lease"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("membership")

// ErrNoSuchGroup is returned for group ids outside of [0, Groups).
var ErrNoSuchGroup = errors.New("membership: no such group")

// --------------------------------------------------------------------------
// Types
// --------------------------------------------------------------------------

// Member is the record a node publishes about itself. It is stored as json
// both at the membership key of the node and at the leader/standby keys of
// its group.
type Member struct {
	Node    string `json:"node"`
	Address string `json:"address"`
	Group   uint64 `json:"group"`
}

// Encode returns the json representation of m.
func (m Member) Encode() []byte {
	data, _ := json.Marshal(m)
	return data
}

// DecodeMember parses a member record.
func DecodeMember(data []byte) (Member, error) {
	var m Member
	if err := json.Unmarshal(data, &m); err != nil {
		return Member{}, fmt.Errorf("membership: invalid member record: %w", err)
	}
	return m, nil
}

// Leader is a member holding the leader or standby key of a group.
type Leader struct {
	Member
	// Term is the revision of the leader key, it increases with every
	// successful acquisition.
	Term int64
	// Lease is the lease the key is bound to.
	Lease coord.LeaseID
}

// GroupView is a snapshot of one group as seen by the local cache.
type GroupView struct {
	ID      uint64
	Members mapset.Set[string]
	Primary *Leader
	Standby *Leader
}

// Config configures the registry.
type Config struct {
	// Groups is the fixed number of replication groups.
	Groups uint64
	// GroupSize is the desired number of members per group, used for
	// failover slots.
	GroupSize int
	// PollInterval is the interval of full refreshes while watching.
	PollInterval time.Duration
}

// --------------------------------------------------------------------------
// Registry
// --------------------------------------------------------------------------

// Registry maps nodes to groups and caches the leaders of every group.
//
// The coordinator is the only source of truth: the cache is advisory and is
// rebuilt from the coordinator by Refresh and kept current by Watch. Callers
// that gate a leadership decision on it must revalidate against the
// coordinator.
type Registry struct {
	coord  coord.ICoordinator
	leases *lease.Manager
	config Config

	refreshMu sync.Mutex
	members   *xsync.MapOf[string, Member]
	leaders   *xsync.MapOf[uint64, Leader]
	standbys  *xsync.MapOf[uint64, Leader]
}

// NewRegistry creates a registry with an empty cache.
func NewRegistry(c coord.ICoordinator, leases *lease.Manager, config Config) *Registry {
	if config.Groups == 0 {
		config.Groups = 1
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 5 * time.Second
	}
	return &Registry{
		coord:    c,
		leases:   leases,
		config:   config,
		members:  xsync.NewMapOf[string, Member](),
		leaders:  xsync.NewMapOf[uint64, Leader](),
		standbys: xsync.NewMapOf[uint64, Leader](),
	}
}

// GroupCount returns the fixed number of groups.
func (r *Registry) GroupCount() uint64 {
	return r.config.Groups
}

// AssignNode decides the group of a starting node. A published failover slot
// is claimed first (deleting it by compare-and-delete), so that groups short
// of members are refilled before new ids are handed out. Otherwise the node
// draws a fresh id from the id counter and joins group id % Groups.
func (r *Registry) AssignNode(ctx context.Context, node string) (uint64, error) {
	slots, err := r.coord.List(ctx, coord.FailoverPrefix)
	if err != nil {
		return 0, fmt.Errorf("membership: listing failover slots failed: %w", err)
	}
	for _, slot := range slots {
		g, err := coord.ParseFailoverKey(slot.Key)
		if err != nil || g >= r.config.Groups {
			continue
		}
		claimed, err := r.coord.CompareAndDelete(ctx, slot.Key, slot.Revision)
		if err != nil {
			return 0, fmt.Errorf("membership: claiming failover slot failed: %w", err)
		}
		if claimed {
			Logger.Infof("node %s claimed failover slot of group %d", node, g)
			return g, nil
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		kv, found, err := r.coord.Get(ctx, coord.IDKey)
		if err != nil {
			return 0, fmt.Errorf("membership: reading id counter failed: %w", err)
		}
		var id uint64
		if found {
			if id, err = strconv.ParseUint(string(kv.Value), 10, 64); err != nil {
				return 0, fmt.Errorf("membership: corrupt id counter: %w", err)
			}
		}
		ok, err := r.coord.CompareAndSwap(ctx, coord.IDKey, kv.Revision, []byte(strconv.FormatUint(id+1, 10)), coord.NoLease)
		if err != nil {
			return 0, fmt.Errorf("membership: incrementing id counter failed: %w", err)
		}
		if ok {
			g := id % r.config.Groups
			Logger.Infof("node %s drew id %d, joining group %d", node, id, g)
			return g, nil
		}
	}
}

// Register publishes the membership key of m bound to a fresh liveness lease.
// The caller keeps the returned handle alive.
func (r *Registry) Register(ctx context.Context, m Member, ttl time.Duration) (*lease.Handle, error) {
	if m.Group >= r.config.Groups {
		return nil, fmt.Errorf("%w: %d", ErrNoSuchGroup, m.Group)
	}
	h, err := r.leases.Register(ctx, coord.MemberKey(m.Node), m.Node, m.Encode(), ttl)
	if err != nil {
		return nil, err
	}
	r.members.Store(m.Node, m)
	return h, nil
}

// PublishFailover publishes failover slots for group g until the number of
// live members plus open slots reaches want. The slots are bound to the given
// lease (the leader lease), so they vanish with the leader. It returns the
// number of slots published.
func (r *Registry) PublishFailover(ctx context.Context, g uint64, want int, id coord.LeaseID) (int, error) {
	nodes, err := r.coord.List(ctx, coord.NodesPrefix)
	if err != nil {
		return 0, fmt.Errorf("membership: listing members failed: %w", err)
	}
	live := 0
	for _, kv := range nodes {
		if m, err := DecodeMember(kv.Value); err == nil && m.Group == g {
			live++
		}
	}
	slots, err := r.coord.List(ctx, coord.FailoverKey(g, ""))
	if err != nil {
		return 0, fmt.Errorf("membership: listing failover slots failed: %w", err)
	}

	missing := want - live - len(slots)
	for i := 0; i < missing; i++ {
		key := coord.FailoverKey(g, uuid.NewString())
		if err := r.coord.Put(ctx, key, []byte(strconv.FormatUint(g, 10)), id); err != nil {
			return i, fmt.Errorf("membership: publishing failover slot failed: %w", err)
		}
	}
	if missing > 0 {
		Logger.Infof("group %d has %d live members, published %d failover slots", g, live, missing)
		return missing, nil
	}
	return 0, nil
}

// --------------------------------------------------------------------------
// Cache
// --------------------------------------------------------------------------

// Refresh rebuilds the cache from the coordinator.
func (r *Registry) Refresh(ctx context.Context) error {
	nodes, err := r.coord.List(ctx, coord.NodesPrefix)
	if err != nil {
		return fmt.Errorf("membership: listing members failed: %w", err)
	}
	groups, err := r.coord.List(ctx, coord.GroupsPrefix)
	if err != nil {
		return fmt.Errorf("membership: listing groups failed: %w", err)
	}

	r.refreshMu.Lock()
	defer r.refreshMu.Unlock()

	seenNodes := make(map[string]struct{}, len(nodes))
	for _, kv := range nodes {
		if node, ok := r.applyMember(coord.Event{Type: coord.EventPut, KV: kv}); ok {
			seenNodes[node] = struct{}{}
		}
	}
	r.members.Range(func(node string, _ Member) bool {
		if _, ok := seenNodes[node]; !ok {
			r.members.Delete(node)
		}
		return true
	})

	seenLeaders := make(map[uint64]struct{})
	seenStandbys := make(map[uint64]struct{})
	for _, kv := range groups {
		g, role, ok := r.applyGroup(coord.Event{Type: coord.EventPut, KV: kv})
		switch {
		case !ok:
		case role == roleLeader:
			seenLeaders[g] = struct{}{}
		case role == roleStandby:
			seenStandbys[g] = struct{}{}
		}
	}
	prune := func(m *xsync.MapOf[uint64, Leader], seen map[uint64]struct{}) {
		m.Range(func(g uint64, _ Leader) bool {
			if _, ok := seen[g]; !ok {
				m.Delete(g)
			}
			return true
		})
	}
	prune(r.leaders, seenLeaders)
	prune(r.standbys, seenStandbys)
	return nil
}

// Watch keeps the cache current until ctx is done. It refreshes once, then
// applies watch events and does a full refresh every PollInterval. Watches
// that end early are re-established on the next poll.
func (r *Registry) Watch(ctx context.Context) error {
	if err := r.Refresh(ctx); err != nil {
		Logger.Warningf("initial refresh failed: %v", err)
	}

	var nodeEvents, groupEvents <-chan coord.Event
	subscribe := func() {
		if nodeEvents == nil {
			if ch, err := r.coord.Watch(ctx, coord.NodesPrefix); err == nil {
				nodeEvents = ch
			}
		}
		if groupEvents == nil {
			if ch, err := r.coord.Watch(ctx, coord.GroupsPrefix); err == nil {
				groupEvents = ch
			}
		}
	}
	subscribe()

	ticker := time.NewTicker(r.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-nodeEvents:
			if !ok {
				nodeEvents = nil
				continue
			}
			r.applyMember(ev)
		case ev, ok := <-groupEvents:
			if !ok {
				groupEvents = nil
				continue
			}
			r.applyGroup(ev)
		case <-ticker.C:
			if err := r.Refresh(ctx); err != nil && ctx.Err() == nil {
				Logger.Warningf("refresh failed: %v", err)
			}
			subscribe()
		}
	}
}

// Group returns the cached view of group g.
func (r *Registry) Group(g uint64) (GroupView, error) {
	if g >= r.config.Groups {
		return GroupView{}, fmt.Errorf("%w: %d", ErrNoSuchGroup, g)
	}
	view := GroupView{ID: g, Members: r.Members(g)}
	if l, ok := r.leaders.Load(g); ok {
		view.Primary = &l
	}
	if s, ok := r.standbys.Load(g); ok {
		view.Standby = &s
	}
	return view, nil
}

// Leader returns the cached primary of group g.
func (r *Registry) Leader(g uint64) (Leader, bool) {
	return r.leaders.Load(g)
}

// Standby returns the cached standby of group g.
func (r *Registry) Standby(g uint64) (Leader, bool) {
	return r.standbys.Load(g)
}

// Members returns the node ids registered in group g.
func (r *Registry) Members(g uint64) mapset.Set[string] {
	set := mapset.NewSet[string]()
	r.members.Range(func(node string, m Member) bool {
		if m.Group == g {
			set.Add(node)
		}
		return true
	})
	return set
}

// Member returns the cached record of a node.
func (r *Registry) Member(node string) (Member, bool) {
	return r.members.Load(node)
}

// Groups returns all group ids.
func (r *Registry) Groups() []uint64 {
	ids := make([]uint64, r.config.Groups)
	for i := range ids {
		ids[i] = uint64(i)
	}
	return ids
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

const (
	roleLeader  = "leader"
	roleStandby = "standby"
)

func (r *Registry) applyMember(ev coord.Event) (string, bool) {
	node, err := coord.ParseMemberKey(ev.KV.Key)
	if err != nil {
		return "", false
	}
	if ev.Type == coord.EventDelete {
		r.members.Delete(node)
		return node, true
	}
	m, err := DecodeMember(ev.KV.Value)
	if err != nil {
		Logger.Warningf("ignoring member %s: %v", node, err)
		return "", false
	}
	r.members.Store(node, m)
	return node, true
}

func (r *Registry) applyGroup(ev coord.Event) (uint64, string, bool) {
	g, role, err := coord.ParseGroupKey(ev.KV.Key)
	if err != nil {
		return 0, "", false
	}
	var target *xsync.MapOf[uint64, Leader]
	switch role {
	case roleLeader:
		target = r.leaders
	case roleStandby:
		target = r.standbys
	default:
		return 0, "", false
	}

	if ev.Type == coord.EventDelete {
		// a delete that raced with a newer put must not remove the newer leader
		if cur, ok := target.Load(g); ok && cur.Term <= ev.KV.Revision {
			target.Delete(g)
		}
		return g, role, true
	}
	m, err := DecodeMember(ev.KV.Value)
	if err != nil {
		Logger.Warningf("ignoring %s of group %d: %v", role, g, err)
		return 0, "", false
	}
	target.Store(g, Leader{Member: m, Term: ev.KV.Revision, Lease: ev.KV.Lease})
	return g, role, true
}
