// Package chat turns the unordered, duplicate-prone event stream of the
// replicated graph into consistent, decrypted, chronologically ordered
// conversation views, and drives the encrypted send/delete/pin paths.
package chat

import (
	"sort"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/pokisachi/DeChat/internal/bus"
	"github.com/pokisachi/DeChat/internal/codec"
)

// State of a room's materialized view.
type State int

const (
	// Empty: the room exists but nothing has been loaded yet.
	Empty State = iota
	// Loading: historical backfill in progress.
	Loading
	// Live: subscribed to ongoing graph changes.
	Live
)

// Message is one entry of the materialized view. ID is derived from the
// timestamp, which is the natural deduplication key: two writes with the
// same timestamp in the same room are the same logical message.
type Message struct {
	ID         string
	GraphKey   string
	Sender     string
	Body       string
	Timestamp  int64
	Attachment string
	System     bool
}

// Update is the bus payload published after every change to a view.
// Messages is a read-only snapshot in ascending timestamp order.
type Update struct {
	RoomID   string
	Messages []Message
}

// Log is the per-room materialized view. It deduplicates, decrypts, and
// orders raw graph events. Ingestion is synchronous and atomic with respect
// to a single event; the graph may call it any number of times per logical
// message, in any order.
type Log struct {
	roomID    string
	cryptoKey string
	bus       *bus.Bus
	logger    *zap.Logger

	mu         sync.Mutex
	state      State
	msgs       []Message
	byTS       map[int64]int
	tombstones map[int64]bool
}

// NewLog creates an empty view for a room. cryptoKey is the room's derived
// encryption key.
func NewLog(roomID, cryptoKey string, b *bus.Bus, logger *zap.Logger) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{
		roomID:     roomID,
		cryptoKey:  cryptoKey,
		bus:        b,
		logger:     logger,
		byTS:       make(map[int64]int),
		tombstones: make(map[int64]bool),
	}
}

// RoomID returns the room this view belongs to.
func (l *Log) RoomID() string { return l.roomID }

// State returns the view's lifecycle state.
func (l *Log) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Log) setState(s State) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

// Ingest merges one raw graph event into the view. Records without a
// usable timestamp (tombstones, malformed writes) are dropped; duplicate
// timestamps are no-ops; everything else is decrypted, inserted, and the
// view re-sorted. Returns true when the view changed.
func (l *Log) Ingest(value map[string]any, graphKey string) bool {
	if value == nil {
		return false
	}
	ts := intField(value, "timestamp")
	if ts == 0 {
		l.logger.Debug("record without timestamp dropped", zap.String("room", l.roomID))
		return false
	}
	sender := stringField(value, "sender")
	if sender == "" {
		l.logger.Debug("record without sender dropped", zap.String("room", l.roomID))
		return false
	}

	system := sender == "system" || stringField(value, "type") == "system"
	body := stringField(value, "text")
	if !system {
		body = codec.Decrypt(body, l.cryptoKey)
	}

	msg := Message{
		ID:         strconv.FormatInt(ts, 10),
		GraphKey:   graphKey,
		Sender:     sender,
		Body:       body,
		Timestamp:  ts,
		Attachment: stringField(value, "file"),
		System:     system,
	}

	l.mu.Lock()
	if l.tombstones[ts] {
		l.mu.Unlock()
		return false
	}
	if i, dup := l.byTS[ts]; dup {
		// Idempotent merge; a redelivery or the echo of an optimistic
		// append. The graph key may arrive only with the echo.
		if l.msgs[i].GraphKey == "" && graphKey != "" {
			l.msgs[i].GraphKey = graphKey
		}
		l.mu.Unlock()
		return false
	}
	l.insertLocked(msg)
	snapshot := l.snapshotLocked()
	l.mu.Unlock()

	l.publish(snapshot)
	return true
}

// InsertLocal appends an already-decrypted message, used for the optimistic
// send path. The relay echo of the same write deduplicates against it.
func (l *Log) InsertLocal(msg Message) {
	if msg.ID == "" {
		msg.ID = strconv.FormatInt(msg.Timestamp, 10)
	}
	l.mu.Lock()
	if l.tombstones[msg.Timestamp] {
		l.mu.Unlock()
		return
	}
	if _, dup := l.byTS[msg.Timestamp]; dup {
		l.mu.Unlock()
		return
	}
	l.insertLocked(msg)
	snapshot := l.snapshotLocked()
	l.mu.Unlock()

	l.publish(snapshot)
}

// SetGraphKey records the graph slot key of a message once the write
// completes, so a later delete can find the slot.
func (l *Log) SetGraphKey(ts int64, graphKey string) {
	l.mu.Lock()
	if i, ok := l.byTS[ts]; ok && l.msgs[i].GraphKey == "" {
		l.msgs[i].GraphKey = graphKey
	}
	l.mu.Unlock()
}

// Remove tombstones a message locally: the entry leaves the materialized
// view immediately and redelivered duplicates can never resurrect it.
// Returns the removed message.
func (l *Log) Remove(ts int64) (Message, bool) {
	l.mu.Lock()
	l.tombstones[ts] = true
	i, ok := l.byTS[ts]
	if !ok {
		l.mu.Unlock()
		return Message{}, false
	}
	removed := l.msgs[i]
	l.msgs = append(l.msgs[:i], l.msgs[i+1:]...)
	l.reindexLocked()
	snapshot := l.snapshotLocked()
	l.mu.Unlock()

	l.publish(snapshot)
	return removed, true
}

/// RemoveByGraphKey handles a remote tombstone: the graph delivered a nil
// value for a slot key. Returns the removed message.
func (l *Log) RemoveByGraphKey(graphKey string) (Message, bool) {
	if graphKey == "" {
		return Message{}, false
	}
	l.mu.Lock()
	var ts int64
	found := false
	for _, m := range l.msgs {
		if m.GraphKey == graphKey {
			ts = m.Timestamp
			found = true
			break
		}
	}
	l.mu.Unlock()
	if !found {
		return Message{}, false
	}
	return l.Remove(ts)
}

// Get returns the message with the given timestamp.
func (l *Log) Get(ts int64) (Message, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if i, ok := l.byTS[ts]; ok {
		return l.msgs[i], true
	}
	return Message{}, false
}

// Messages returns a read-only snapshot in ascending timestamp order.
func (l *Log) Messages() []Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshotLocked()
}

// insertLocked adds a message and restores ascending timestamp order.
// The sort is stable: equal timestamps keep insertion order.
func (l *Log) insertLocked(msg Message) {
	l.msgs = append(l.msgs, msg)
	sort.SliceStable(l.msgs, func(i, j int) bool {
		return l.msgs[i].Timestamp < l.msgs[j].Timestamp
	})
	l.reindexLocked()
}

func (l *Log) reindexLocked() {
	for i, m := range l.msgs {
		l.byTS[m.Timestamp] = i
	}
	for ts := range l.byTS {
		if i, ok := l.byTS[ts]; !ok || i >= len(l.msgs) || l.msgs[i].Timestamp != ts {
			delete(l.byTS, ts)
		}
	}
}

func (l *Log) snapshotLocked() []Message {
	return append([]Message(nil), l.msgs...)
}

func (l *Log) publish(snapshot []Message) {
	if l.bus != nil {
		l.bus.Publish(bus.TopicChatUpdated, Update{RoomID: l.roomID, Messages: snapshot})
	}
}

func stringField(rec map[string]any, key string) string {
	s, _ := rec[key].(string)
	return s
}

// intField coerces a numeric field; JSON decoding delivers float64.
func intField(rec map[string]any, key string) int64 {
	switch v := rec[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	default:
		return 0
	}
}
