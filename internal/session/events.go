package session

// Event is one of QR, Authenticated, Ready, AuthFailure, Disconnected or
// MessageReceived. The set is closed.
type Event interface {
	// Name is the wire name of the event.
	Name() string
	isEvent()
}

// QR carries a pairing code while the session awaits authentication.
type QR struct {
	Code string `json:"qr"`
}

// Authenticated is emitted once credentials are accepted.
type Authenticated struct{}

// Ready is emitted once the session can serve commands.
type Ready struct{}

// AuthFailure is emitted when credentials are rejected.
type AuthFailure struct {
	Message string `json:"message"`
}

// Disconnected is emitted when the upstream session is lost.
type Disconnected struct {
	Reason string `json:"reason"`
}

// MessageReceived carries an inbound (or own-device) message.
type MessageReceived struct {
	Message Message `json:"message"`
}

func (QR) Name() string              { return "qr" }
func (Authenticated) Name() string   { return "authenticated" }
func (Ready) Name() string           { return "ready" }
func (AuthFailure) Name() string     { return "auth_failure" }
func (Disconnected) Name() string    { return "disconnected" }
func (MessageReceived) Name() string { return "message" }

func (QR) isEvent()              {}
func (Authenticated) isEvent()   {}
func (Ready) isEvent()           {}
func (AuthFailure) isEvent()     {}
func (Disconnected) isEvent()    {}
func (MessageReceived) isEvent() {}
