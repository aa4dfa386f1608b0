package store

import (
	"path/filepath"
	"testing"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "archive.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestUpsertMessageIdempotent(t *testing.T) {
	db := testDB(t)

	m := &Message{RoomID: "a:b", Timestamp: 1000, Sender: "a", Body: "v1"}
	if err := db.UpsertMessage(m); err != nil {
		t.Fatal(err)
	}
	m.Body = "v2"
	if err := db.UpsertMessage(m); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.ListMessages("a:b", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1 (idempotent)", len(msgs))
	}
	if msgs[0].Body != "v2" {
		t.Errorf("body = %q, want v2", msgs[0].Body)
	}
}

func TestListMessagesAscending(t *testing.T) {
	db := testDB(t)

	for _, ts := range []int64{30, 10, 20} {
		if err := db.UpsertMessage(&Message{RoomID: "r", Timestamp: ts, Sender: "a", Body: "m"}); err != nil {
			t.Fatal(err)
		}
	}

	msgs, err := db.ListMessages("r", 0)
	if err != nil {
		t.Fatal(err)
	}
	want := []int64{10, 20, 30}
	for i, ts := range want {
		if msgs[i].Timestamp != ts {
			t.Errorf("msgs[%d].Timestamp = %d, want %d", i, msgs[i].Timestamp, ts)
		}
	}
}

func TestTombstoneSticksThroughRedelivery(t *testing.T) {
	db := testDB(t)

	m := &Message{RoomID: "r", Timestamp: 500, GraphKey: "k1", Sender: "a", Body: "secret"}
	if err := db.UpsertMessage(m); err != nil {
		t.Fatal(err)
	}
	if err := db.TombstoneMessage("r", 500); err != nil {
		t.Fatal(err)
	}

	// A redelivered duplicate must not resurrect the body.
	if err := db.UpsertMessage(m); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.ListMessages("r", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Errorf("tombstoned message still listed: %+v", msgs)
	}
	tombstoned, err := db.IsTombstoned("r", 500)
	if err != nil {
		t.Fatal(err)
	}
	if !tombstoned {
		t.Error("tombstone flag lost after redelivery")
	}
}

func TestGraphKeyNotClearedByLateEcho(t *testing.T) {
	db := testDB(t)

	// Optimistic insert knows the key; a later relay echo may not carry one.
	if err := db.UpsertMessage(&Message{RoomID: "r", Timestamp: 1, GraphKey: "slot1", Sender: "a", Body: "m"}); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertMessage(&Message{RoomID: "r", Timestamp: 1, Sender: "a", Body: "m"}); err != nil {
		t.Fatal(err)
	}

	msgs, _ := db.ListMessages("r", 0)
	if len(msgs) != 1 || msgs[0].GraphKey != "slot1" {
		t.Errorf("graph key = %q, want slot1", msgs[0].GraphKey)
	}
}

func TestContacts(t *testing.T) {
	db := testDB(t)

	if err := db.AddContact("0xme", "0xfriend"); err != nil {
		t.Fatal(err)
	}
	if err := db.AddContact("0xme", "0xfriend"); err != nil {
		t.Fatal(err)
	}

	contacts, err := db.ListContacts("0xme")
	if err != nil {
		t.Fatal(err)
	}
	if len(contacts) != 1 || contacts[0].Address != "0xfriend" {
		t.Errorf("contacts = %+v", contacts)
	}
}

func TestPinsAppendOnly(t *testing.T) {
	db := testDB(t)

	p := &Pin{RoomID: "group_x", Timestamp: 9, Sender: "a", Body: "important", PinnedBy: "admin"}
	if err := db.AddPin(p); err != nil {
		t.Fatal(err)
	}
	if err := db.AddPin(p); err != nil {
		t.Fatal(err)
	}

	pins, err := db.ListPins("group_x")
	if err != nil {
		t.Fatal(err)
	}
	if len(pins) != 2 {
		t.Errorf("got %d pins, want 2 (append-only)", len(pins))
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()

	first, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if !first.Changed {
		t.Error("first migration reported no change")
	}
	second, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if second.Changed {
		t.Error("second migration reported changes")
	}
}
