package auth

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// CookieName is the handshake cookie carrying the access credential.
const CookieName = "accessToken"

var (
	ErrNoToken      = errors.New("not authorized, no access token")
	ErrInvalidToken = errors.New("not authorized, access token failed")
)

// Identity is the verified subject attached to an admitted connection.
type Identity struct {
	ID       string
	Username string
	Email    string
	IsAdmin  bool
}

// Verifier checks access credentials. The signing secret is shared with the
// identity service that issues them.
type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify parses and validates an access token and returns the identity it
// carries. Any failure means the connection must not be admitted.
func (v *Verifier) Verify(token string) (*Identity, error) {
	if token == "" {
		return nil, ErrNoToken
	}

	parsed, err := gojwt.Parse(token, func(t *gojwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*gojwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := parsed.Claims.(gojwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}

	identity := &Identity{}
	if id, ok := claims["id"].(string); ok {
		identity.ID = id
	}
	if username, ok := claims["username"].(string); ok {
		identity.Username = username
	}
	if email, ok := claims["email"].(string); ok {
		identity.Email = email
	}
	if isAdmin, ok := claims["isAdmin"].(bool); ok {
		identity.IsAdmin = isAdmin
	}
	if identity.ID == "" {
		return nil, ErrInvalidToken
	}
	return identity, nil
}

// VerifyRequest extracts the credential cookie from an HTTP request (the
// websocket handshake is one) and verifies it.
func (v *Verifier) VerifyRequest(r *http.Request) (*Identity, error) {
	cookie, err := r.Cookie(CookieName)
	if err != nil {
		return nil, ErrNoToken
	}
	return v.Verify(cookie.Value)
}

// Issue mints a token for an identity. The collaboration service never issues
// tokens in production; this exists for tests and local development.
func (v *Verifier) Issue(identity Identity, ttl time.Duration) (string, error) {
	claims := gojwt.MapClaims{
		"id":       identity.ID,
		"username": identity.Username,
		"email":    identity.Email,
		"isAdmin":  identity.IsAdmin,
		"exp":      time.Now().Add(ttl).Unix(),
	}
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
