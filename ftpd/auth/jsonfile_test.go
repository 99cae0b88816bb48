package auth

import (
	"context"
	"errors"
	"testing"
)

const testCredentialsJSON = `[
  {
    "username": "alice",
    "pbkdf2_salt": "dGhpc2lzYWJhZHNhbHQ=",
    "pbkdf2_key": "jZZ20ehafJPQPhUKsAAMjXS4wx9FSbzUgMn7HJqx4Hg=",
    "pbkdf2_iter": 500000
  },
  {
    "username": "bella",
    "pbkdf2_salt": "dGhpc2lzYWJhZHNhbHR0b28=",
    "pbkdf2_key": "C2kkRTybDzhkBGUkTn5Ys1LKPl8XINI46x74H4c9w8s=",
    "pbkdf2_iter": 500000
  },
  {
    "username": "carol",
    "password": "not so secure"
  }
]`

func TestJSONFileAuthenticate(t *testing.T) {
	a, err := NewJSONFileFromJSON([]byte(testCredentialsJSON))
	if err != nil {
		t.Fatalf("NewJSONFileFromJSON: %v", err)
	}
	ctx := context.Background()

	cases := []struct {
		name     string
		password string
		wantErr  bool
	}{
		{"alice", "this is the correct password for alice", false},
		{"bella", "this is the correct password for bella", false},
		{"carol", "not so secure", false},
	}
	for _, c := range cases {
		u, err := a.Authenticate(ctx, c.name, c.password)
		if c.wantErr && err == nil {
			t.Errorf("%s: expected error, got none", c.name)
		}
		if !c.wantErr && err != nil {
			t.Errorf("%s: unexpected error: %v", c.name, err)
		}
		if !c.wantErr && u.Username != c.name {
			t.Errorf("%s: got username %q", c.name, u.Username)
		}
	}
}

func TestJSONFileAuthenticateBadPassword(t *testing.T) {
	a, err := NewJSONFileFromJSON([]byte(testCredentialsJSON))
	if err != nil {
		t.Fatalf("NewJSONFileFromJSON: %v", err)
	}
	_, err = a.Authenticate(context.Background(), "bella", "this is the wrong password")
	var authErr *AuthenticationError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected *AuthenticationError, got %T (%v)", err, err)
	}
	if authErr.Kind != ErrKindBadPassword {
		t.Errorf("got kind %v, want ErrKindBadPassword", authErr.Kind)
	}
}

func TestJSONFileAuthenticateBadUser(t *testing.T) {
	a, err := NewJSONFileFromJSON([]byte(testCredentialsJSON))
	if err != nil {
		t.Fatalf("NewJSONFileFromJSON: %v", err)
	}
	_, err = a.Authenticate(context.Background(), "chuck", "12345678")
	var authErr *AuthenticationError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected *AuthenticationError, got %T (%v)", err, err)
	}
	if authErr.Kind != ErrKindBadUser {
		t.Errorf("got kind %v, want ErrKindBadUser", authErr.Kind)
	}
}

func TestJSONFileAuthenticatePlaintextWrongPassword(t *testing.T) {
	a, err := NewJSONFileFromJSON([]byte(testCredentialsJSON))
	if err != nil {
		t.Fatalf("NewJSONFileFromJSON: %v", err)
	}
	_, err = a.Authenticate(context.Background(), "carol", "wrong")
	var authErr *AuthenticationError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected *AuthenticationError, got %T (%v)", err, err)
	}
	if authErr.Kind != ErrKindBadPassword {
		t.Errorf("got kind %v, want ErrKindBadPassword", authErr.Kind)
	}
}
