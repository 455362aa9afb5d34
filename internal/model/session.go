package model

// Session is the authenticated state produced by a completed handshake.
// The ephemeral key material used to derive it is destroyed at
// finalization and never appears here. Created once per login,
// destroyed on logout; replaced wholesale, never mutated in place.
type Session struct {
	// Identity is the authenticated identity string.
	Identity string `json:"identity"`

	// SharedSecret is the derived symmetric key protecting message
	// content on the wire.
	SharedSecret []byte `json:"shared_secret"`

	// AuthToken authenticates provider calls for this session.
	AuthToken string `json:"auth_token"`
}
