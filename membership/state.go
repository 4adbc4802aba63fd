package membership

// MemberState tracks a member from first sighting until it leaves.
type MemberState int

const (
	StateUnknown MemberState = iota
	StateJoining
	StateValidatedServer
	StateValidatedNonServer
	StateLeft
)

func (s MemberState) String() string {
	switch s {
	case StateJoining:
		return "joining"
	case StateValidatedServer:
		return "server"
	case StateValidatedNonServer:
		return "non-server"
	case StateLeft:
		return "left"
	default:
		return "unknown"
	}
}

// Next reports whether the transition s -> to is legal.
func (s MemberState) Next(to MemberState) bool {
	switch s {
	case StateUnknown:
		return to == StateJoining
	case StateJoining:
		return to == StateValidatedServer || to == StateValidatedNonServer || to == StateLeft
	case StateValidatedServer, StateValidatedNonServer:
		return to == StateLeft
	default:
		return false
	}
}

// Identity is what a member advertises about itself when it joins.
type Identity struct {
	CacheName    string
	GroupID      string
	SubGroupID   string
	Topology     string
	HasStorage   bool
	RendererHost string
	RendererPort int
}
