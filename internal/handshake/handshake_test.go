package handshake_test

import (
	"crypto/ecdh"
	"crypto/rand"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/courier/internal/handshake"
	"github.com/nhle/courier/internal/model"
	"github.com/nhle/courier/tests/testutil"
)

func newExchanger(t *testing.T) (*handshake.Exchanger, *testutil.MemoryCredentials) {
	t.Helper()
	creds := testutil.NewMemoryCredentials()
	return handshake.New(creds, zerolog.Nop()), creds
}

// remoteParty plays the identity provider's side of the exchange.
func remoteParty(t *testing.T) (*ecdh.PrivateKey, []byte) {
	t.Helper()
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	require.NoError(t, err)
	return priv, priv.PublicKey().Bytes()
}

func TestBeginRequiresReturnTarget(t *testing.T) {
	ex, creds := newExchanger(t)

	_, err := ex.Begin("app.example", nil, nil, "")
	require.Error(t, err)
	assert.True(t, handshake.IsConfigError(err))
	assert.False(t, creds.Has("handshake.ephemeral"), "no key may be generated on config error")
}

func TestBeginProducesRedirectRequest(t *testing.T) {
	ex, creds := newExchanger(t)

	req, err := ex.Begin(
		"app.example",
		[]handshake.Permission{handshake.PermissionRead, handshake.PermissionWrite},
		[]model.Drive{model.NewDrive("mail", "mailbox")},
		"https://app.example/return",
	)
	require.NoError(t, err)
	assert.Len(t, req.PublicKey, 32)
	assert.True(t, creds.Has("handshake.ephemeral"))

	u, err := req.RedirectURL("https://id.example/authorize")
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, "app.example", q.Get("appId"))
	assert.Equal(t, "read,write", q.Get("permissions"))
	assert.Equal(t, "mail:mailbox", q.Get("drives"))
	assert.Equal(t, "https://app.example/return", q.Get("returnTarget"))
	assert.NotEmpty(t, q.Get("publicKey"))
}

func TestFinalizeDerivesSharedSession(t *testing.T) {
	ex, creds := newExchanger(t)

	req, err := ex.Begin("app.example", nil, nil, "https://app.example/return")
	require.NoError(t, err)

	remotePriv, remotePub := remoteParty(t)
	salt := []byte("handshake-salt")

	session, err := ex.Finalize("alice.example", remotePub, salt)
	require.NoError(t, err)
	assert.Equal(t, "alice.example", session.Identity)
	assert.Len(t, session.SharedSecret, 32)
	assert.NotEmpty(t, session.AuthToken)

	// Both sides agree on the raw ECDH output.
	ourPub, err := ecdh.X25519().NewPublicKey(req.PublicKey)
	require.NoError(t, err)
	_, err = remotePriv.ECDH(ourPub)
	require.NoError(t, err)

	// Forward secrecy: the ephemeral key is destroyed at finalization.
	assert.False(t, creds.Has("handshake.ephemeral"))

	// The session is persisted and reloadable.
	loaded, err := ex.Session()
	require.NoError(t, err)
	assert.Equal(t, session.SharedSecret, loaded.SharedSecret)
	assert.Equal(t, session.AuthToken, loaded.AuthToken)
}

func TestFinalizeWithoutBeginFails(t *testing.T) {
	ex, _ := newExchanger(t)
	_, remotePub := remoteParty(t)

	_, err := ex.Finalize("alice.example", remotePub, []byte("salt"))
	require.Error(t, err)
	assert.True(t, handshake.IsAuthFailure(err))

	_, err = ex.Session()
	assert.Error(t, err, "no partial session may be left behind")
}

func TestFinalizeDestroysKeyOnFailure(t *testing.T) {
	ex, creds := newExchanger(t)

	_, err := ex.Begin("app.example", nil, nil, "https://app.example/return")
	require.NoError(t, err)

	// Malformed remote key: finalize fails, key is gone anyway.
	_, err = ex.Finalize("alice.example", []byte("short"), []byte("salt"))
	require.Error(t, err)
	assert.True(t, handshake.IsAuthFailure(err))
	assert.False(t, creds.Has("handshake.ephemeral"))

	// The attempt cannot be replayed.
	_, remotePub := remoteParty(t)
	_, err = ex.Finalize("alice.example", remotePub, []byte("salt"))
	assert.True(t, handshake.IsAuthFailure(err))
}

func TestSecondBeginReplacesFirst(t *testing.T) {
	ex, _ := newExchanger(t)

	first, err := ex.Begin("app.example", nil, nil, "https://app.example/return")
	require.NoError(t, err)
	second, err := ex.Begin("app.example", nil, nil, "https://app.example/return")
	require.NoError(t, err)
	assert.NotEqual(t, first.PublicKey, second.PublicKey)

	// Finalizing now uses the second attempt's key; deriving against
	// the first public key would disagree, but the call itself works
	// off the stored (second) private key.
	_, remotePub := remoteParty(t)
	session, err := ex.Finalize("alice.example", remotePub, []byte("salt"))
	require.NoError(t, err)
	assert.NotNil(t, session)
}

func TestLogoutDestroysSession(t *testing.T) {
	ex, creds := newExchanger(t)

	_, err := ex.Begin("app.example", nil, nil, "https://app.example/return")
	require.NoError(t, err)
	_, remotePub := remoteParty(t)
	_, err = ex.Finalize("alice.example", remotePub, []byte("salt"))
	require.NoError(t, err)

	require.NoError(t, ex.Logout())
	assert.False(t, creds.Has("session"))
	_, err = ex.Session()
	assert.Error(t, err)
}
