package router

import (
	"fmt"

	"github.com/ValentinKolb/dSeq/lib/membership"
	"github.com/zeebo/xxh3"
)

// NoLeaderError is returned when the leader key of the target group is
// vacant. Clients retry with backoff.
type NoLeaderError struct {
	Group uint64
}

func (e *NoLeaderError) Error() string {
	return fmt.Sprintf("router: group %d has no leader", e.Group)
}

// IView is the part of the membership registry the router reads.
type IView interface {
	GroupCount() uint64
	Leader(g uint64) (membership.Leader, bool)
	Standby(g uint64) (membership.Leader, bool)
}

// Router maps keys to groups and to the cached leaders of those groups. It has
// no side effects; the mapping only changes when the group count changes,
// which is an explicit out of band operation.
type Router struct {
	view IView
}

// New creates a router over a (cached) membership view.
func New(view IView) *Router {
	return &Router{view: view}
}

// GroupFor returns the group of key.
func (r *Router) GroupFor(key string) uint64 {
	return GroupFor(key, r.view.GroupCount())
}

// Route returns the group of key and its current primary.
func (r *Router) Route(key string) (uint64, membership.Leader, error) {
	g := r.GroupFor(key)
	leader, ok := r.view.Leader(g)
	if !ok {
		return g, membership.Leader{}, &NoLeaderError{Group: g}
	}
	return g, leader, nil
}

// ReadTargets returns the primary followed by the standby (if any) of the
// group of key. Reads may be served by either.
func (r *Router) ReadTargets(key string) (uint64, []membership.Leader, error) {
	g, leader, err := r.Route(key)
	targets := make([]membership.Leader, 0, 2)
	if err == nil {
		targets = append(targets, leader)
	}
	if standby, ok := r.view.Standby(g); ok && (err != nil || standby.Node != leader.Node) {
		targets = append(targets, standby)
	}
	if len(targets) == 0 {
		return g, nil, &NoLeaderError{Group: g}
	}
	return g, targets, nil
}

// GroupFor maps key to one of groups buckets with jump consistent hashing
// over the xxh3 hash of the key. Growing the bucket count from n to n+1 moves
// only 1/(n+1) of the keys.
func GroupFor(key string, groups uint64) uint64 {
	if groups <= 1 {
		return 0
	}
	return uint64(jump(xxh3.HashString(key), int64(groups)))
}

// jump is the jump consistent hash of Lamping and Veach.
func jump(key uint64, buckets int64) int64 {
	var b, j int64 = -1, 0
	for j < buckets {
		b = j
		key = key*2862933555777941757 + 1
		j = int64(float64(b+1) * (float64(int64(1)<<31) / float64((key>>33)+1)))
	}
	return b
}
