package chat

// State is the lifecycle state of a chat panel.
type State string

const (
	// StateUninitiated is an unopened panel, and the state a failed bootstrap
	// returns to.
	StateUninitiated State = "uninitiated"
	// StateBootstrapping means session creation is in flight.
	StateBootstrapping State = "bootstrapping"
	// StateIdentityCollection waits for an unauthenticated visitor to choose
	// guest details or anonymity. No channel is open.
	StateIdentityCollection State = "identity_collection"
	StateConnecting         State = "connecting"
	StateConnected          State = "connected"
	// StateDisconnected is a dropped channel that is reconnecting, or a
	// session without a channel credential.
	StateDisconnected State = "disconnected"
	// StateClosed is a panel that was closed. The log has been discarded.
	StateClosed State = "closed"
)

// Active reports whether the state holds a live session.
func (s State) Active() bool {
	switch s {
	case StateConnecting, StateConnected, StateDisconnected:
		return true
	}
	return false
}
