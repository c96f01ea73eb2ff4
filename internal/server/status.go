package server

// clientStatus tracks one registered checkpoint participant. All fields are
// guarded by Server.mu.
type clientStatus struct {
	connected       bool
	ready           bool
	localCheckpoint bool
	// Set by the network-lock/network-unlock actions. Recorded per client
	// but not yet consulted by any wait loop.
	networkLocked   bool
	networkUnlocked bool

	// action that registered the client, kept for logging.
	action string
}

func newClientStatus(action string) *clientStatus {
	return &clientStatus{connected: true, action: action}
}
