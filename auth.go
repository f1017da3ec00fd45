package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const sessionCookieName = "spookchat_session"

// resolveSession turns the session cookie into a verified (user, session)
// pair. Both lookups hit the store on every call on purpose: a deleted
// session must stop authenticating the moment the row is gone. A session
// whose user vanished is treated the same as no session at all.
func (s *serverState) resolveSession(ctx context.Context, r *http.Request) (user, session, error) {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil {
		return user{}, session{}, errUnauthenticated()
	}
	sessionID, err := uuid.Parse(cookie.Value)
	if err != nil {
		return user{}, session{}, errUnauthenticated()
	}

	sess, ok, err := s.getSession(ctx, sessionID)
	if err != nil {
		return user{}, session{}, errInternal(err)
	}
	if !ok {
		return user{}, session{}, errUnauthenticated()
	}

	u, ok, err := s.getUserByID(ctx, sess.UserID)
	if err != nil {
		return user{}, session{}, errInternal(err)
	}
	if !ok {
		return user{}, session{}, errUnauthenticated()
	}

	return u, sess, nil
}

type registerRequest struct {
	Email    string `json:"email"`
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *serverState) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	email := strings.TrimSpace(strings.ToLower(req.Email))
	username := strings.TrimSpace(req.Username)
	if email == "" || username == "" {
		http.Error(w, "email and username are required", http.StatusBadRequest)
		return
	}
	if len(req.Password) < 8 {
		http.Error(w, "password must be at least 8 characters", http.StatusBadRequest)
		return
	}

	if _, exists, err := s.getUserByEmail(r.Context(), email); err != nil {
		writeError(w, r, errInternal(err))
		return
	} else if exists {
		http.Error(w, "an account with that email already exists", http.StatusConflict)
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		writeError(w, r, errInternal(err))
		return
	}

	u := user{
		ID:           uuid.New(),
		Email:        email,
		Username:     username,
		PasswordHash: hash,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.createUser(r.Context(), u); err != nil {
		writeError(w, r, errInternal(err))
		return
	}

	fmt.Fprintf(w, "created user: %s", u.Username)
}

func (s *serverState) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Already holding a live session: short-circuit instead of minting a
	// second one.
	if u, _, err := s.resolveSession(r.Context(), r); err == nil {
		fmt.Fprintf(w, "you are already logged in as %s", u.Username)
		return
	}

	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	email := strings.TrimSpace(strings.ToLower(req.Email))
	u, exists, err := s.getUserByEmail(r.Context(), email)
	if err != nil {
		writeError(w, r, errInternal(err))
		return
	}

	// Same response for unknown email and bad password.
	if !exists || bcrypt.CompareHashAndPassword(u.PasswordHash, []byte(req.Password)) != nil {
		http.Error(w, "wrong email or password", http.StatusBadRequest)
		return
	}

	sess, err := s.createSession(r.Context(), u.ID)
	if err != nil {
		writeError(w, r, errInternal(err))
		return
	}
	s.setSessionCookie(w, sess)

	fmt.Fprintf(w, "logged in as %s", u.Username)
}

func (s *serverState) handleAuthenticated(w http.ResponseWriter, r *http.Request) {
	u, _, err := s.resolveSession(r.Context(), r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	fmt.Fprintf(w, "you are logged in as %s", u.Username)
}

func (s *serverState) handleLogout(w http.ResponseWriter, r *http.Request) {
	_, sess, err := s.resolveSession(r.Context(), r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	// Logout is deletion. The token must never authenticate again.
	if err := s.deleteSession(r.Context(), sess.ID); err != nil {
		writeError(w, r, errInternal(err))
		return
	}
	s.clearSessionCookie(w)

	fmt.Fprint(w, "you've been successfully logged out")
}

func (s *serverState) setSessionCookie(w http.ResponseWriter, sess session) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    sess.ID.String(),
		Path:     "/",
		Expires:  time.Now().Add(s.cfg.SessionLifetime.Duration),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *serverState) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}
