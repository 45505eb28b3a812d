package relay

import (
	"testing"

	"github.com/go-playground/assert/v2"

	"github.com/parcelgrid/collab/collab"
)

func TestJwtAuthenticator(t *testing.T) {
	authenticator := NewJwtAuthenticator([]byte("secret-1"))
	userId := collab.NewId()

	token, err := authenticator.Issue(userId)
	assert.Equal(t, err, nil)
	assert.Equal(t, authenticator.Authenticate(token, userId), nil)
}

func TestJwtAuthenticatorWrongUser(t *testing.T) {
	authenticator := NewJwtAuthenticator([]byte("secret-1"))

	token, err := authenticator.Issue(collab.NewId())
	assert.Equal(t, err, nil)

	// a valid token for one user never authenticates another
	assert.NotEqual(t, authenticator.Authenticate(token, collab.NewId()), nil)
}

func TestJwtAuthenticatorWrongSecret(t *testing.T) {
	issuer := NewJwtAuthenticator([]byte("secret-1"))
	verifier := NewJwtAuthenticator([]byte("secret-2"))
	userId := collab.NewId()

	token, err := issuer.Issue(userId)
	assert.Equal(t, err, nil)
	assert.NotEqual(t, verifier.Authenticate(token, userId), nil)
}

func TestJwtAuthenticatorGarbage(t *testing.T) {
	authenticator := NewJwtAuthenticator([]byte("secret-1"))
	assert.NotEqual(t, authenticator.Authenticate("not a token", collab.NewId()), nil)
	assert.NotEqual(t, authenticator.Authenticate("", collab.NewId()), nil)
}

func TestStaticAuthenticator(t *testing.T) {
	authenticator := NewStaticAuthenticator("dev", "ci")
	userId := collab.NewId()

	assert.Equal(t, authenticator.Authenticate("dev", userId), nil)
	assert.Equal(t, authenticator.Authenticate("ci", userId), nil)
	assert.Equal(t, authenticator.Authenticate("prod", userId), ErrAuthRejected)
	assert.Equal(t, authenticator.Authenticate("", userId), ErrAuthRejected)
}
