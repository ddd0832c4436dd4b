package signature

import (
	"testing"
)

const testSecret = "123456:test-bot-token"

func TestSign_Deterministic(t *testing.T) {
	a := Sign("-100", "7", "42", "1700000000000", testSecret)
	b := Sign("-100", "7", "42", "1700000000000", testSecret)
	if a != b {
		t.Fatalf("expected identical signatures, got %q and %q", a, b)
	}
	if len(a) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(a))
	}
}

func TestSign_ChangesWithEveryField(t *testing.T) {
	base := Sign("-100", "7", "42", "1700000000000", testSecret)
	variants := map[string]string{
		"chat_id":    Sign("-101", "7", "42", "1700000000000", testSecret),
		"message_id": Sign("-100", "8", "42", "1700000000000", testSecret),
		"user_id":    Sign("-100", "7", "43", "1700000000000", testSecret),
		"join_time":  Sign("-100", "7", "42", "1700000000001", testSecret),
		"secret":     Sign("-100", "7", "42", "1700000000000", testSecret+"x"),
	}
	for field, sig := range variants {
		if sig == base {
			t.Fatalf("changing %s did not change the signature", field)
		}
	}
}

func TestSign_FieldBoundariesCannotShift(t *testing.T) {
	// "1|23" and "12|3" must not collide.
	a := Sign("1", "23", "42", "1", testSecret)
	b := Sign("12", "3", "42", "1", testSecret)
	if a == b {
		t.Fatal("shifting a boundary between fields produced the same signature")
	}
}

func TestSignFields_MatchesSign(t *testing.T) {
	got := SignFields(-100, 7, 42, 1700000000000, testSecret)
	want := Sign("-100", "7", "42", "1700000000000", testSecret)
	if got != want {
		t.Fatalf("SignFields=%q, Sign=%q", got, want)
	}
}

func TestEqual(t *testing.T) {
	sig := Sign("-100", "7", "42", "1", testSecret)
	if !Equal(sig, sig) {
		t.Fatal("expected equal signatures to compare equal")
	}
	tampered := []byte(sig)
	if tampered[0] == 'a' {
		tampered[0] = 'b'
	} else {
		tampered[0] = 'a'
	}
	if Equal(sig, string(tampered)) {
		t.Fatal("expected tampered signature to differ")
	}
	if Equal(sig, sig[:10]) {
		t.Fatal("expected truncated signature to differ")
	}
}

func TestCorrelationToken(t *testing.T) {
	a := CorrelationToken("query_id=1&user=%7B%7D", "1700000000")
	if a != CorrelationToken("query_id=1&user=%7B%7D", "1700000000") {
		t.Fatal("expected stable correlation token")
	}
	if len(a) != 16 {
		t.Fatalf("expected 16 hex chars, got %d", len(a))
	}
	if a == CorrelationToken("query_id=1&user=%7B%7D", "1700000001") {
		t.Fatal("expected token to change with timestamp")
	}
}
