package coord

import (
	"fmt"
	"strconv"
	"strings"
)

// --------------------------------------------------------------------------
// Key space
// --------------------------------------------------------------------------

const (
	// IDKey is the bootstrap counter used to hand out node ids.
	IDKey = "id_key"
	// FailoverPrefix holds failover slots published by leaders of groups
	// that are short of members.
	FailoverPrefix = "failover_id/"
	// GroupsPrefix holds the leader and standby keys of all groups.
	GroupsPrefix = "groups/"
	// NodesPrefix holds the membership registrations of all nodes.
	NodesPrefix = "nodes/"
	// SequencePrefix holds the sequence counters.
	SequencePrefix = "sequence/"
)

// GroupPrefix returns the prefix of all keys of group g.
func GroupPrefix(g uint64) string {
	return GroupsPrefix + strconv.FormatUint(g, 10) + "/"
}

// LeaderKey returns the lease key of the primary leader of group g.
func LeaderKey(g uint64) string {
	return GroupPrefix(g) + "leader"
}

// StandbyKey returns the lease key of the standby leader of group g.
func StandbyKey(g uint64) string {
	return GroupPrefix(g) + "standby"
}

// MemberKey returns the membership key of node.
func MemberKey(node string) string {
	return NodesPrefix + node + "/group"
}

// FailoverKey returns the key of a failover slot of group g.
func FailoverKey(g uint64, slot string) string {
	return FailoverPrefix + strconv.FormatUint(g, 10) + "/" + slot
}

// SequenceKey returns the counter key of a sequencing domain.
func SequenceKey(domain string) string {
	return SequencePrefix + domain
}

// ParseGroupKey splits a key below GroupsPrefix into the group id and the
// role name ("leader" or "standby").
func ParseGroupKey(key string) (g uint64, role string, err error) {
	rest, ok := strings.CutPrefix(key, GroupsPrefix)
	if !ok {
		return 0, "", fmt.Errorf("not a group key: %s", key)
	}
	id, role, ok := strings.Cut(rest, "/")
	if !ok {
		return 0, "", fmt.Errorf("not a group key: %s", key)
	}
	g, err = strconv.ParseUint(id, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("invalid group id in %s: %w", key, err)
	}
	return g, role, nil
}

// ParseMemberKey returns the node of a membership key.
func ParseMemberKey(key string) (string, error) {
	rest, ok := strings.CutPrefix(key, NodesPrefix)
	if !ok {
		return "", fmt.Errorf("not a member key: %s", key)
	}
	node, ok := strings.CutSuffix(rest, "/group")
	if !ok || node == "" {
		return "", fmt.Errorf("not a member key: %s", key)
	}
	return node, nil
}

// ParseFailoverKey returns the group of a failover slot key.
func ParseFailoverKey(key string) (uint64, error) {
	rest, ok := strings.CutPrefix(key, FailoverPrefix)
	if !ok {
		return 0, fmt.Errorf("not a failover key: %s", key)
	}
	id, _, ok := strings.Cut(rest, "/")
	if !ok {
		return 0, fmt.Errorf("not a failover key: %s", key)
	}
	g, err := strconv.ParseUint(id, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid group id in %s: %w", key, err)
	}
	return g, nil
}
