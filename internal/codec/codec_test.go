package codec

import (
	"strings"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	cases := []string{
		"hello",
		"",
		"exactly sixteen!",
		"unicode: xin chào 👋",
		strings.Repeat("long ", 500),
	}
	for _, plaintext := range cases {
		ct, err := Encrypt(plaintext, "secret-key")
		if err != nil {
			t.Fatalf("encrypt %q: %v", plaintext, err)
		}
		if got := Decrypt(ct, "secret-key"); got != plaintext {
			t.Errorf("round trip of %q gave %q", plaintext, got)
		}
	}
}

func TestEncryptNonDeterministic(t *testing.T) {
	a, err := Encrypt("same message", "k")
	if err != nil {
		t.Fatal(err)
	}
	b, err := Encrypt("same message", "k")
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Error("two encryptions of the same plaintext are identical")
	}
	if Decrypt(a, "k") != "same message" || Decrypt(b, "k") != "same message" {
		t.Error("ciphertexts do not both decrypt to the plaintext")
	}
}

func TestDecryptWrongKeyGivesPlaceholder(t *testing.T) {
	ct, err := Encrypt("secret text", "right-key")
	if err != nil {
		t.Fatal(err)
	}
	if got := Decrypt(ct, "wrong-key"); got != Placeholder {
		// CBC with a wrong key almost always breaks padding; on the rare
		// survivor the plaintext is still garbage, never the original.
		if got == "secret text" {
			t.Error("wrong key recovered the plaintext")
		}
	}
}

func TestDecryptGarbageGivesPlaceholder(t *testing.T) {
	for _, ct := range []string{
		"",
		"tooshort",
		strings.Repeat("z", 96),                    // not hex
		strings.Repeat("ab", 16),                   // iv only, no body
		strings.Repeat("ab", 16) + "abcd",          // body not block aligned
		strings.Repeat("00", 16) + strings.Repeat("00", 16), // bad padding
	} {
		if got := Decrypt(ct, "k"); got != Placeholder {
			t.Errorf("Decrypt(%q) = %q, want placeholder", ct, got)
		}
	}
}

func TestKeyIsStretchedNotTruncated(t *testing.T) {
	ct, err := Encrypt("m", "short")
	if err != nil {
		t.Fatal(err)
	}
	if Decrypt(ct, "short-but-different") == "m" {
		t.Error("similar keys decrypt each other's ciphertexts")
	}
}
