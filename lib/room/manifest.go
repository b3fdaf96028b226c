package room

// CallType describes how an operation is invoked.
type CallType string

const (
	Sync   CallType = "sync"
	Duplex CallType = "duplex"
	Source CallType = "source"
)

// Operation names.
const (
	MethodAnnounce  = "announce"
	MethodLeave     = "leave"
	MethodIsRoom    = "isRoom"
	MethodConnect   = "connect"
	MethodEndpoints = "endpoints"
	MethodPing      = "ping"
)

// Manifest lists every operation of a room with its call type.
var Manifest = map[string]CallType{
	MethodAnnounce:  Sync,
	MethodLeave:     Sync,
	MethodIsRoom:    Sync,
	MethodConnect:   Duplex,
	MethodEndpoints: Source,
	MethodPing:      Sync,
}

// Policy decides which operations a caller may invoke.
type Policy struct {
	// Allow lists the permitted operations.
	Allow []string
}

// DefaultPolicy permits every operation, which is what anonymous callers get.
func DefaultPolicy() Policy {
	return Policy{
		Allow: []string{MethodConnect, MethodAnnounce, MethodLeave, MethodIsRoom, MethodPing, MethodEndpoints},
	}
}

// Permits reports whether method may be called.
func (p Policy) Permits(method string) bool {
	for _, allowed := range p.Allow {
		if allowed == method {
			return true
		}
	}
	return false
}
