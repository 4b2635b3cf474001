package auth

import (
	"testing"
	"time"
)

func TestJWTServiceGenerateVerify(t *testing.T) {
	service := NewJWTService("secret", time.Hour)
	token, err := service.Generate("user-1", []string{"admin"})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	user, expiry, err := service.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if user.Subject != "user-1" {
		t.Fatalf("expected subject, got %q", user.Subject)
	}
	if !user.HasRole("admin") {
		t.Fatalf("expected admin role, got %v", user.Roles)
	}
	if expiry.Before(time.Now()) {
		t.Fatalf("expected future expiry, got %v", expiry)
	}
}

func TestJWTServiceVerifyExpired(t *testing.T) {
	service := NewJWTService("secret", -time.Hour)
	token, err := service.Generate("user-1", nil)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	_, _, err = service.Verify(token)
	if err != ErrExpiredToken {
		t.Fatalf("expected ErrExpiredToken, got %v", err)
	}
}

func TestJWTServiceVerifyInvalidSignature(t *testing.T) {
	service := NewJWTService("secret", time.Hour)
	other   := NewJWTService("different-secret", time.Hour)
	token, err := service.Generate("user-1", nil)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	_, _, err = other.Verify(token)
	if err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestJWTServiceDisabledWithoutKey(t *testing.T) {
	var service *JWTService
	if _, _, err := service.Verify("anything"); err != ErrAuthDisabled {
		t.Fatalf("expected ErrAuthDisabled, got %v", err)
	}
}
