package election

import "errors"

// ErrNotLeader is returned by Verify when this node may not act as leader.
var ErrNotLeader = errors.New("election: not leader")

// State is the state of the election state machine of one group.
type State int32

const (
	StateFollower State = iota
	StateCandidate
	StateLeader
	StateExpired
	StateSteppedDown
)

func (s State) String() string {
	switch s {
	case StateFollower:
		return "follower"
	case StateCandidate:
		return "candidate"
	case StateLeader:
		return "leader"
	case StateExpired:
		return "expired"
	case StateSteppedDown:
		return "stepped-down"
	default:
		return "unknown"
	}
}

// Role is the part a node plays in its group. It drives behaviour: only the
// leader accepts writes, the standby replicates like a follower but holds the
// standby key so that clients can fan reads out to it.
type Role int32

const (
	RoleFollower Role = iota
	RoleStandby
	RoleLeader
)

func (r Role) String() string {
	switch r {
	case RoleFollower:
		return "follower"
	case RoleStandby:
		return "standby"
	case RoleLeader:
		return "leader"
	default:
		return "unknown"
	}
}
