package rpc

import (
	"net/http"
	"strings"
	"time"

	"github.com/cuemby/startd/pkg/errdefs"
	"github.com/cuemby/startd/pkg/patchdb"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// unauthenticated lists the methods callable without a session.
var unauthenticated = map[string]bool{
	"echo":              true,
	"git-info":          true,
	"auth.login":        true,
	"setup.status":      true,
	"setup.get-pubkey":  true,
}

// login verifies the password against the stored hash and mints a session.
func (s *Server) login(password, userAgent string) (string, error) {
	snap := s.ctx.DB.Peek()
	hash := snap.Doc.Private.PasswordHash
	if hash == "" {
		return "", errdefs.New(errdefs.KindInvalidRequest, "server has no password set")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return "", errdefs.New(errdefs.KindInvalidRequest, "invalid password")
	}

	token := uuid.New().String()
	err := s.ctx.DB.Mutate(func(db *patchdb.Database) error {
		if db.Private.Sessions == nil {
			db.Private.Sessions = make(map[string]patchdb.Session)
		}
		db.Private.Sessions[token] = patchdb.Session{
			CreatedAt: time.Now().UTC(),
			LastSeen:  time.Now().UTC(),
			UserAgent: userAgent,
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return token, nil
}

// logout drops a session; an unknown token is a no-op.
func (s *Server) logout(token string) error {
	return s.ctx.DB.Mutate(func(db *patchdb.Database) error {
		delete(db.Private.Sessions, token)
		return nil
	})
}

// authorize checks the session token of an HTTP request for a method.
func (s *Server) authorize(r *http.Request, method string) error {
	if unauthenticated[method] {
		return nil
	}
	token := sessionToken(r)
	if token == "" {
		return errdefs.New(errdefs.KindInvalidRequest, "authentication required")
	}
	snap := s.ctx.DB.Peek()
	if _, ok := snap.Doc.Private.Sessions[token]; !ok {
		return errdefs.New(errdefs.KindInvalidRequest, "invalid session")
	}
	return nil
}

// sessionToken extracts the token from the Cookie or Authorization header.
func sessionToken(r *http.Request) string {
	if cookie, err := r.Cookie("session"); err == nil {
		return cookie.Value
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

// HashPassword produces the stored form of an operator password.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", errdefs.Wrap(errdefs.KindUnknown, err)
	}
	return string(hash), nil
}
