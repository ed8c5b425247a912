package auth

import (
	"errors"
	"testing"
	"time"
)

func TestSignAndParse(t *testing.T) {
	tok, err := SignJWT("u42", "s3cret", time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	uid, err := ParseJWT("Bearer "+tok, "s3cret")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if uid != "u42" {
		t.Fatalf("uid = %q", uid)
	}
}

func TestParse_Rejects(t *testing.T) {
	good, _ := SignJWT("u1", "a", time.Hour)
	expired, _ := SignJWT("u1", "a", -time.Minute)

	cases := map[string]string{
		"wrong secret": good,
		"expired":      expired,
		"garbage":      "not-a-jwt",
		"empty":        "",
	}
	for name, tok := range cases {
		secret := "a"
		if name == "wrong secret" {
			secret = "b"
		}
		if _, err := ParseJWT(tok, secret); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("%s: err = %v", name, err)
		}
	}
}
