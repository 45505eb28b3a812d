package relay

import (
	"errors"
	"fmt"

	gojwt "github.com/golang-jwt/jwt/v5"

	"github.com/parcelgrid/collab/collab"
)

// bearer token verification for the join handshake. token issuance lives
// in the platform auth service, the relay only verifies.

var ErrAuthRejected = errors.New("auth rejected")

type Authenticator interface {
	// verifies the token and that it was issued for the claimed user
	Authenticate(token string, userId collab.Id) error
}

type JwtAuthenticator struct {
	secret []byte
}

func NewJwtAuthenticator(secret []byte) *JwtAuthenticator {
	return &JwtAuthenticator{
		secret: secret,
	}
}

func (self *JwtAuthenticator) Authenticate(token string, userId collab.Id) error {
	parsed, err := gojwt.Parse(
		token,
		func(token *gojwt.Token) (any, error) {
			if _, ok := token.Method.(*gojwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return self.secret, nil
		},
	)
	if err != nil {
		return err
	}

	claims, ok := parsed.Claims.(gojwt.MapClaims)
	if !ok {
		return ErrAuthRejected
	}
	userIdStr, ok := claims["user_id"].(string)
	if !ok {
		return ErrAuthRejected
	}
	claimUserId, err := collab.ParseId(userIdStr)
	if err != nil {
		return ErrAuthRejected
	}
	if claimUserId != userId {
		return ErrAuthRejected
	}
	return nil
}

// creates a token the `JwtAuthenticator` accepts. used by tests and dev
// tooling, the production issuer is the platform auth service.
func (self *JwtAuthenticator) Issue(userId collab.Id) (string, error) {
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"user_id": userId.String(),
	})
	return token.SignedString(self.secret)
}

// accepts a fixed token set. dev and test only.
type StaticAuthenticator struct {
	tokens map[string]bool
}

func NewStaticAuthenticator(tokens ...string) *StaticAuthenticator {
	tokenSet := map[string]bool{}
	for _, token := range tokens {
		tokenSet[token] = true
	}
	return &StaticAuthenticator{
		tokens: tokenSet,
	}
}

func (self *StaticAuthenticator) Authenticate(token string, userId collab.Id) error {
	if !self.tokens[token] {
		return ErrAuthRejected
	}
	return nil
}
