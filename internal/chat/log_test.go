package chat

import (
	"testing"
	"time"

	"github.com/pokisachi/DeChat/internal/bus"
	"github.com/pokisachi/DeChat/internal/codec"
)

const testKey = "test-room-key"

func encrypted(t *testing.T, text string) string {
	t.Helper()
	ct, err := codec.Encrypt(text, testKey)
	if err != nil {
		t.Fatal(err)
	}
	return ct
}

func record(t *testing.T, sender, text string, ts int64) map[string]any {
	t.Helper()
	return map[string]any{
		"sender":    sender,
		"text":      encrypted(t, text),
		"timestamp": ts,
	}
}

func TestIngestOrdersByTimestamp(t *testing.T) {
	l := NewLog("r", testKey, nil, nil)

	l.Ingest(record(t, "0xa", "third", 30), "k3")
	l.Ingest(record(t, "0xb", "first", 10), "k1")
	l.Ingest(record(t, "0xa", "second", 20), "k2")

	msgs := l.Messages()
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}
	for i, want := range []string{"first", "second", "third"} {
		if msgs[i].Body != want {
			t.Errorf("msgs[%d].Body = %q, want %q", i, msgs[i].Body, want)
		}
	}
}

func TestIngestDeduplicatesByTimestamp(t *testing.T) {
	l := NewLog("r", testKey, nil, nil)

	rec := record(t, "0xa", "hello", 10)
	if !l.Ingest(rec, "k1") {
		t.Fatal("first delivery did not change the view")
	}
	if l.Ingest(rec, "k1") {
		t.Error("redelivery changed the view")
	}
	// A re-encryption of the same logical message still deduplicates.
	if l.Ingest(record(t, "0xa", "hello", 10), "k1") {
		t.Error("re-encrypted duplicate changed the view")
	}
	if got := len(l.Messages()); got != 1 {
		t.Errorf("got %d messages, want 1", got)
	}
}

func TestIngestDropsMalformedRecords(t *testing.T) {
	l := NewLog("r", testKey, nil, nil)

	if l.Ingest(nil, "k") {
		t.Error("nil value changed the view")
	}
	if l.Ingest(map[string]any{"sender": "0xa", "text": "x"}, "k") {
		t.Error("record without timestamp changed the view")
	}
	if l.Ingest(map[string]any{"text": "x", "timestamp": int64(5)}, "k") {
		t.Error("record without sender changed the view")
	}
	if got := len(l.Messages()); got != 0 {
		t.Errorf("got %d messages, want 0", got)
	}
}

func TestIngestUndecryptableBecomesPlaceholder(t *testing.T) {
	l := NewLog("r", testKey, nil, nil)

	l.Ingest(map[string]any{
		"sender": "0xa", "text": "not-hex-at-all", "timestamp": int64(10),
	}, "k")

	msgs := l.Messages()
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if msgs[0].Body != codec.Placeholder {
		t.Errorf("Body = %q, want placeholder", msgs[0].Body)
	}
}

func TestIngestSystemMessagesStayPlain(t *testing.T) {
	l := NewLog("r", testKey, nil, nil)

	l.Ingest(map[string]any{
		"sender": "system", "text": "Group created", "timestamp": int64(10), "type": "system",
	}, "k")

	msgs := l.Messages()
	if len(msgs) != 1 || !msgs[0].System {
		t.Fatalf("system message not materialized: %+v", msgs)
	}
	if msgs[0].Body != "Group created" {
		t.Errorf("Body = %q, want plain announcement", msgs[0].Body)
	}
}

func TestIngestCoercesFloatTimestamps(t *testing.T) {
	l := NewLog("r", testKey, nil, nil)

	l.Ingest(map[string]any{
		"sender": "0xa", "text": encrypted(t, "hi"), "timestamp": float64(12),
	}, "k")

	if msg, ok := l.Get(12); !ok || msg.Body != "hi" {
		t.Errorf("float timestamp not coerced, got %+v ok=%v", msg, ok)
	}
}

func TestRemoveTombstoneBlocksResurrection(t *testing.T) {
	l := NewLog("r", testKey, nil, nil)

	rec := record(t, "0xa", "gone", 10)
	l.Ingest(rec, "k1")
	if _, ok := l.Remove(10); !ok {
		t.Fatal("remove failed")
	}
	if got := len(l.Messages()); got != 0 {
		t.Fatalf("got %d messages after remove, want 0", got)
	}

	// Redelivery of the deleted message must not resurrect it.
	if l.Ingest(rec, "k1") {
		t.Error("redelivery resurrected a removed message")
	}
	l.InsertLocal(Message{Sender: "0xa", Body: "gone", Timestamp: 10})
	if got := len(l.Messages()); got != 0 {
		t.Errorf("got %d messages, want 0", got)
	}
}

func TestRemoveByGraphKey(t *testing.T) {
	l := NewLog("r", testKey, nil, nil)

	l.Ingest(record(t, "0xa", "one", 10), "k1")
	l.Ingest(record(t, "0xa", "two", 20), "k2")

	msg, ok := l.RemoveByGraphKey("k1")
	if !ok || msg.Timestamp != 10 {
		t.Fatalf("removed %+v ok=%v, want ts=10", msg, ok)
	}
	if _, ok := l.RemoveByGraphKey("unknown"); ok {
		t.Error("unknown graph key removed something")
	}
	if _, ok := l.RemoveByGraphKey(""); ok {
		t.Error("empty graph key removed something")
	}

	msgs := l.Messages()
	if len(msgs) != 1 || msgs[0].Timestamp != 20 {
		t.Errorf("remaining = %+v, want only ts=20", msgs)
	}
}

func TestEchoFillsGraphKey(t *testing.T) {
	l := NewLog("r", testKey, nil, nil)

	l.InsertLocal(Message{Sender: "0xa", Body: "hi", Timestamp: 10})
	l.Ingest(record(t, "0xa", "hi", 10), "echo-key")

	msg, _ := l.Get(10)
	if msg.GraphKey != "echo-key" {
		t.Errorf("GraphKey = %q, want echo-key", msg.GraphKey)
	}
	if msg.Body != "hi" {
		t.Errorf("Body = %q, optimistic plaintext overwritten", msg.Body)
	}
}

func TestIngestPublishesUpdate(t *testing.T) {
	b := bus.New()
	events, cancel := b.Subscribe(bus.TopicChatUpdated, 4)
	defer cancel()

	l := NewLog("room-1", testKey, b, nil)
	l.Ingest(record(t, "0xa", "hi", 10), "k")

	select {
	case ev := <-events:
		up, ok := ev.Payload.(Update)
		if !ok {
			t.Fatalf("payload %T, want Update", ev.Payload)
		}
		if up.RoomID != "room-1" || len(up.Messages) != 1 {
			t.Errorf("update = %+v", up)
		}
	case <-time.After(time.Second):
		t.Fatal("no update published")
	}
}
