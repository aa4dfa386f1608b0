package identity

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/pokisachi/DeChat/internal/room"
)

type fakeSigner struct {
	addr string
	sig  []byte
}

func (f *fakeSigner) Address() string { return f.addr }
func (f *fakeSigner) Sign(message string) ([]byte, error) {
	out := append([]byte(message), f.sig...)
	return out, nil
}

func TestChallengeEmbedsTimestamp(t *testing.T) {
	now := time.UnixMilli(1700000000000)
	c := Challenge(now)
	if c == Challenge(now.Add(time.Second)) {
		t.Error("challenges for distinct timestamps collide")
	}
}

func TestLoginDeterministicPerSignature(t *testing.T) {
	s := &fakeSigner{addr: "0xabc", sig: []byte("sig")}
	now := time.UnixMilli(42)

	a, err := Login(s, now)
	if err != nil {
		t.Fatal(err)
	}
	b, err := Login(s, now)
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Error("same signature produced different secrets")
	}
	if len(a) != 64 {
		t.Errorf("secret length = %d hex chars, want 64", len(a))
	}
}

func TestFromCredentialsDeterministic(t *testing.T) {
	p := DefaultArgon2Params()
	a := FromCredentials("a@example.com", "hunter22", p)
	b := FromCredentials("a@example.com", "hunter22", p)
	if a != b {
		t.Error("same credentials produced different secrets")
	}
	if a == FromCredentials("b@example.com", "hunter22", p) {
		t.Error("different email produced the same secret")
	}
	if a == FromCredentials("a@example.com", "other", p) {
		t.Error("different password produced the same secret")
	}
}

func TestRoomKeyDiversifiedPerGroup(t *testing.T) {
	secret := Secret("deadbeef")
	direct := room.ID("0xa", "0xb")

	if secret.RoomKey(direct) != string(secret) {
		t.Error("direct room key should be the session secret")
	}

	g1 := secret.RoomKey("group_one")
	g2 := secret.RoomKey("group_two")
	if g1 == g2 {
		t.Error("distinct groups derived the same key")
	}
	if g1 == string(secret) {
		t.Error("group key equals raw session secret")
	}
}

func TestSecretSaveLoadRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secret")
	s := Secret("cafe")

	if err := s.Save(path); err != nil {
		t.Fatal(err)
	}
	got, err := LoadSecret(path)
	if err != nil {
		t.Fatal(err)
	}
	if got != s {
		t.Errorf("loaded %q, want %q", got, s)
	}
	if err := RemoveSecret(path); err != nil {
		t.Fatal(err)
	}
	if err := RemoveSecret(path); err != nil {
		t.Errorf("second remove: %v", err)
	}
}
