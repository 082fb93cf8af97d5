package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-portal/internal/config"
	"github.com/stemsi/exstem-portal/internal/upstream"
)

func newTestAuthService(t *testing.T) *AuthService {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/student/login" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var body map[string]string
		_ = decodeJSON(r, &body)
		if body["password"] != "benar" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, `{"data":{"token":"up-token","student":{"id":7,"nisn":"1234567890","name":"Budi"}}}`)
	}))
	t.Cleanup(srv.Close)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	cfg := &config.Config{JWTSecret: "test-secret", JWTExpiry: time.Hour}
	gateway := upstream.NewClient(srv.URL, 5*time.Second, zerolog.Nop())
	return NewAuthService(cfg, rdb, gateway)
}

func decodeJSON(r *http.Request, out interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(out)
}

func TestLoginIssuesValidToken(t *testing.T) {
	ctx := context.Background()
	auth := newTestAuthService(t)

	token, student, err := auth.Login(ctx, "1234567890", "benar")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if student.ID != 7 || student.Name != "Budi" {
		t.Errorf("student = %+v", student)
	}

	claims, err := auth.ValidateToken(token)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if claims.UserID != 7 {
		t.Errorf("UserID = %d, want 7", claims.UserID)
	}
	if claims.TokenType != TokenTypeStudent {
		t.Errorf("TokenType = %s, want student", claims.TokenType)
	}

	// The session JTI and upstream bearer are registered.
	if err := auth.ValidateStudentSession(ctx, 7, claims.ID); err != nil {
		t.Errorf("ValidateStudentSession: %v", err)
	}
	bearer, err := auth.UpstreamToken(ctx, 7)
	if err != nil {
		t.Fatalf("UpstreamToken: %v", err)
	}
	if bearer != "up-token" {
		t.Errorf("UpstreamToken = %q, want up-token", bearer)
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	auth := newTestAuthService(t)

	_, _, err := auth.Login(context.Background(), "1234567890", "salah")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("Login err = %v, want ErrInvalidCredentials", err)
	}
}

func TestLoginSingleDevice(t *testing.T) {
	ctx := context.Background()
	auth := newTestAuthService(t)

	if _, _, err := auth.Login(ctx, "1234567890", "benar"); err != nil {
		t.Fatalf("first Login: %v", err)
	}
	if _, _, err := auth.Login(ctx, "1234567890", "benar"); !errors.Is(err, ErrSessionAlreadyActive) {
		t.Errorf("second Login err = %v, want ErrSessionAlreadyActive", err)
	}
}

func TestInvalidateSessionAllowsRelogin(t *testing.T) {
	ctx := context.Background()
	auth := newTestAuthService(t)

	token, _, err := auth.Login(ctx, "1234567890", "benar")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	claims, err := auth.ValidateToken(token)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}

	if err := auth.InvalidateSession(ctx, 7); err != nil {
		t.Fatalf("InvalidateSession: %v", err)
	}

	// The old JTI no longer matches and the bearer is gone.
	if err := auth.ValidateStudentSession(ctx, 7, claims.ID); !errors.Is(err, ErrSessionInvalidated) {
		t.Errorf("ValidateStudentSession err = %v, want ErrSessionInvalidated", err)
	}
	if _, err := auth.UpstreamToken(ctx, 7); !errors.Is(err, ErrSessionInvalidated) {
		t.Errorf("UpstreamToken err = %v, want ErrSessionInvalidated", err)
	}

	if _, _, err := auth.Login(ctx, "1234567890", "benar"); err != nil {
		t.Errorf("relogin after invalidation: %v", err)
	}
}

func TestValidateTokenRejectsTampering(t *testing.T) {
	ctx := context.Background()
	auth := newTestAuthService(t)

	token, _, err := auth.Login(ctx, "1234567890", "benar")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	if _, err := auth.ValidateToken(token + "x"); err == nil {
		t.Error("tampered token validated")
	}
	if _, err := auth.ValidateToken("not-a-jwt"); err == nil {
		t.Error("garbage token validated")
	}
}
