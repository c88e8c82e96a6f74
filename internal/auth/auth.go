// Package auth verifies bearer credentials and transaction PINs. Token
// issuance lives with the identity service; this side only parses and
// validates HS256 tokens carrying the account id as subject.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/kudiflow/paycore/internal/apperr"
)

type contextKey string

const actorContextKey contextKey = "actor"

// Actor is the authenticated caller.
type Actor struct {
	AccountID uuid.UUID
	Phone     string
}

type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// ParseActor validates tokenString and extracts the caller identity.
func (v *Verifier) ParseActor(tokenString string) (Actor, error) {
	claims := jwt.MapClaims{}
	tok, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithLeeway(5*time.Second))
	if err != nil || !tok.Valid {
		return Actor{}, apperr.Authentication("invalid or expired token")
	}

	sub, _ := claims["sub"].(string)
	phone, _ := claims["phone"].(string)
	accountID, err := uuid.Parse(sub)
	if err != nil || phone == "" {
		return Actor{}, apperr.Authentication("token missing actor claims")
	}
	return Actor{AccountID: accountID, Phone: phone}, nil
}

func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorContextKey, actor)
}

func ActorFromContext(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(actorContextKey).(Actor)
	return a, ok
}

// Middleware authenticates every request except skipPaths. The claim
// endpoint is notably absent from skips: it accepts either an authenticated
// or an anonymous caller, so it is routed outside this middleware.
func Middleware(verifier *Verifier, skipPaths []string) func(http.Handler) http.Handler {
	skip := make(map[string]struct{}, len(skipPaths))
	for _, p := range skipPaths {
		skip[p] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := skip[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}
			actor, err := ActorFromRequest(verifier, r)
			if err != nil {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				w.Write([]byte(`{"code":"authentication_error","error":"missing or invalid bearer token"}`))
				return
			}
			next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
		})
	}
}

// ActorFromRequest parses the Authorization header of r.
func ActorFromRequest(verifier *Verifier, r *http.Request) (Actor, error) {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return Actor{}, apperr.Authentication("missing bearer token")
	}
	return verifier.ParseActor(token)
}

// HashPIN hashes a transaction PIN for storage.
func HashPIN(pin string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(pin), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// CheckPIN compares a candidate PIN against the stored hash.
func CheckPIN(hash, pin string) error {
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(pin)) != nil {
		return apperr.Authentication("incorrect transaction PIN")
	}
	return nil
}
