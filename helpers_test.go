package main

import (
	"context"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

func newTestState(t *testing.T) *serverState {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := openDatabase(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	return newServerState(defaultConfig(), db)
}

func createTestUser(t *testing.T, s *serverState, email, username string) user {
	t.Helper()

	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2hunter2"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	u := user{
		ID:           uuid.New(),
		Email:        email,
		Username:     username,
		PasswordHash: hash,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.createUser(context.Background(), u); err != nil {
		t.Fatalf("create user %s: %v", email, err)
	}
	return u
}

// newTestClient returns an HTTP client with its own cookie jar, so each
// simulated user keeps an independent session.
func newTestClient(t *testing.T) *http.Client {
	t.Helper()

	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("cookie jar: %v", err)
	}
	return &http.Client{Jar: jar, Timeout: 10 * time.Second}
}

func newTestServer(t *testing.T, s *serverState) *httptest.Server {
	t.Helper()

	ts := httptest.NewServer(s.routes())
	t.Cleanup(ts.Close)
	return ts
}

// loginAs creates a session directly in the store and hands back the
// cookie a browser would carry.
func loginAs(t *testing.T, s *serverState, u user) *http.Cookie {
	t.Helper()

	sess, err := s.createSession(context.Background(), u.ID)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return &http.Cookie{Name: sessionCookieName, Value: sess.ID.String(), Path: "/"}
}

// waitForSubscribers blocks until the topic has the expected number of
// attached subscribers, or fails the test.
func waitForSubscribers(t *testing.T, tp *topic, want int) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		tp.mu.Lock()
		n := len(tp.subs)
		tp.mu.Unlock()
		if n == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("topic never reached %d subscribers", want)
}
