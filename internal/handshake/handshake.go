// Package handshake performs the ephemeral-key authentication exchange
// with the identity provider and produces the session used by every
// other component. The exchange is forward secret: the ephemeral
// private key lives only in a scoped credential slot for the duration
// of one attempt and is destroyed unconditionally at finalization.
package handshake

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/hkdf"

	"github.com/nhle/courier/internal/credential"
	"github.com/nhle/courier/internal/model"
)

const (
	ephemeralSlot = "handshake.ephemeral"
	sessionSlot   = "session"

	// kdfInfo is the HKDF domain separator for session derivation.
	kdfInfo = "courier-session-v1"
)

// Permission names one grant requested from the identity provider.
type Permission string

const (
	PermissionRead       Permission = "read"
	PermissionWrite      Permission = "write"
	PermissionDistribute Permission = "distribute"
)

// Request is the outbound half of the handshake: everything the
// identity provider's redirect flow needs to approve this application.
type Request struct {
	AppID        string
	Permissions  []Permission
	Drives       []model.Drive
	PublicKey    []byte
	ReturnTarget string
}

// RedirectURL builds the identity provider authorization URL carrying
// the handshake request as query parameters.
func (r *Request) RedirectURL(base string) (*url.URL, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parsing redirect base %q: %w", base, err)
	}

	perms := make([]string, len(r.Permissions))
	for i, p := range r.Permissions {
		perms[i] = string(p)
	}
	drives := make([]string, len(r.Drives))
	for i, d := range r.Drives {
		drives[i] = d.Key()
	}

	q := u.Query()
	q.Set("appId", r.AppID)
	q.Set("permissions", strings.Join(perms, ","))
	if len(drives) > 0 {
		q.Set("drives", strings.Join(drives, ","))
	}
	q.Set("publicKey", base64.RawURLEncoding.EncodeToString(r.PublicKey))
	q.Set("returnTarget", r.ReturnTarget)
	u.RawQuery = q.Encode()

	return u, nil
}

// Exchanger runs the handshake. At most one handshake is in flight per
// Exchanger; a second Begin replaces the first rather than racing it.
type Exchanger struct {
	creds credential.Store
	log   zerolog.Logger
	mu    sync.Mutex
}

// New creates an Exchanger backed by the given credential store.
func New(creds credential.Store, log zerolog.Logger) *Exchanger {
	return &Exchanger{
		creds: creds,
		log:   log.With().Str("component", "handshake").Logger(),
	}
}

// Begin generates an ephemeral X25519 key pair, persists the private
// half in a slot scoped to this handshake attempt, and returns the
// request for the identity provider's redirect flow. A missing return
// target aborts before any key is generated.
func (e *Exchanger) Begin(
	appID string,
	perms []Permission,
	drives []model.Drive,
	returnTarget string,
) (*Request, error) {
	if returnTarget == "" {
		return nil, &ConfigError{
			Field:  "returnTarget",
			Reason: "return target is required before a handshake can start",
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating ephemeral key: %w", err)
	}

	// Replaces any earlier attempt's key; only one handshake is ever
	// pending.
	if err := e.creds.Set(ephemeralSlot, priv.Bytes()); err != nil {
		return nil, fmt.Errorf("storing ephemeral key: %w", err)
	}

	e.log.Info().Str("app_id", appID).Msg("handshake started")

	return &Request{
		AppID:        appID,
		Permissions:  perms,
		Drives:       drives,
		PublicKey:    priv.PublicKey().Bytes(),
		ReturnTarget: returnTarget,
	}, nil
}

// Finalize completes the handshake using the values returned through
// the provider redirect: it derives the shared secret and auth token
// from (stored private key, remote public key, salt), persists the
// resulting session, and destroys the ephemeral private key whether or
// not derivation succeeded.
func (e *Exchanger) Finalize(
	identity string,
	remotePublic []byte,
	salt []byte,
) (*model.Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	raw, err := e.creds.Get(ephemeralSlot)
	if err != nil {
		return nil, &AuthFailure{
			Identity: identity,
			Reason:   "no handshake in progress",
			Err:      err,
		}
	}
	// The ephemeral key is single-use: gone after this attempt, pass
	// or fail.
	defer func() {
		if derr := e.creds.Delete(ephemeralSlot); derr != nil {
			e.log.Warn().Err(derr).Msg("failed to destroy ephemeral key")
		}
	}()

	priv, err := ecdh.X25519().NewPrivateKey(raw)
	if err != nil {
		return nil, &AuthFailure{
			Identity: identity,
			Reason:   "stored ephemeral key is unusable",
			Err:      err,
		}
	}

	remote, err := ecdh.X25519().NewPublicKey(remotePublic)
	if err != nil {
		return nil, &AuthFailure{
			Identity: identity,
			Reason:   "remote public key is malformed",
			Err:      err,
		}
	}

	secret, err := priv.ECDH(remote)
	if err != nil {
		return nil, &AuthFailure{
			Identity: identity,
			Reason:   "key agreement failed",
			Err:      err,
		}
	}

	derived := make([]byte, 64)
	kdf := hkdf.New(sha256.New, secret, salt, []byte(kdfInfo))
	if _, err := io.ReadFull(kdf, derived); err != nil {
		return nil, &AuthFailure{
			Identity: identity,
			Reason:   "session key derivation failed",
			Err:      err,
		}
	}

	session := &model.Session{
		Identity:     identity,
		SharedSecret: derived[:32],
		AuthToken:    hex.EncodeToString(derived[32:]),
	}

	data, err := json.Marshal(session)
	if err != nil {
		return nil, &AuthFailure{
			Identity: identity,
			Reason:   "encoding session failed",
			Err:      err,
		}
	}
	if err := e.creds.Set(sessionSlot, data); err != nil {
		return nil, &AuthFailure{
			Identity: identity,
			Reason:   "persisting session failed",
			Err:      err,
		}
	}

	e.log.Info().Str("identity", identity).Msg("handshake finalized")

	return session, nil
}

// Session loads the persisted session, or credential.ErrNotFound when
// no login has completed.
func (e *Exchanger) Session() (*model.Session, error) {
	data, err := e.creds.Get(sessionSlot)
	if err != nil {
		return nil, err
	}

	var s model.Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decoding stored session: %w", err)
	}
	return &s, nil
}

// Logout destroys the persisted session and any pending handshake key.
func (e *Exchanger) Logout() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.creds.Delete(ephemeralSlot); err != nil {
		return err
	}
	return e.creds.Delete(sessionSlot)
}
