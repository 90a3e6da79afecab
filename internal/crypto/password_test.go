package crypto

import "testing"

func TestPasswordHashing(t *testing.T) {
	hash, err := HashPassword("secret")
	if err != nil {
		t.Fatalf("hash error: %v", err)
	}
	if hash == "secret" {
		t.Fatalf("hash must not equal the plaintext")
	}
	if err := CheckPassword(hash, "secret"); err != nil {
		t.Fatalf("expected password to match")
	}
	if err := CheckPassword(hash, "wrong"); err == nil {
		t.Fatalf("expected password mismatch")
	}
}

func TestDeviceTokenEntropy(t *testing.T) {
	first, err := NewDeviceToken()
	if err != nil {
		t.Fatalf("token error: %v", err)
	}
	second, err := NewDeviceToken()
	if err != nil {
		t.Fatalf("token error: %v", err)
	}
	if first == second {
		t.Fatalf("expected distinct tokens")
	}
	if len(first) != 43 {
		t.Fatalf("expected 43-char base64url token, got %d", len(first))
	}
	if HashToken(first) == first {
		t.Fatalf("hash must not equal the token")
	}
	if HashToken(first) != HashToken(first) {
		t.Fatalf("hash must be deterministic")
	}
}
