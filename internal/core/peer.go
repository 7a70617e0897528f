package core

// RemoteStream is an incoming media stream from one remote peer.
type RemoteStream interface {
	ID() string
}

// PeerConnection is one direct connection of the mesh. Callbacks must be
// installed before the connection starts negotiating; they fire on the
// transport's own goroutines.
type PeerConnection interface {
	// ApplySignal feeds a remote negotiation payload (offer/answer/candidate)
	// into the connection.
	ApplySignal(payload []byte) error
	// OnSignal receives locally generated negotiation payloads that must be
	// relayed to the remote side.
	OnSignal(fn func(payload []byte))
	OnStream(fn func(stream RemoteStream))
	OnConnect(fn func())
	OnClose(fn func())
	OnError(fn func(err error))
	// Destroy tears the connection down; it is safe to call more than once.
	Destroy()
}

// PeerFactory constructs mesh connections. Exactly one side of each pair
// passes initiator=true; the mesh derives that from comparing user ids.
type PeerFactory interface {
	NewPeer(initiator bool, local AudioStream, iceServers []string) (PeerConnection, error)
}
