package chat

import (
	"context"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pokisachi/DeChat/internal/bus"
	"github.com/pokisachi/DeChat/internal/codec"
	"github.com/pokisachi/DeChat/internal/graph"
	"github.com/pokisachi/DeChat/internal/group"
	"github.com/pokisachi/DeChat/internal/identity"
	"github.com/pokisachi/DeChat/internal/room"
	"github.com/pokisachi/DeChat/internal/store"
)

var addressPattern = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)

// ErrNotSender is returned when a delete is attempted on someone else's
// message. Deletion authority follows authorship.
var ErrNotSender = fmt.Errorf("only the sender can delete a message")

// ErrUnknownMessage is returned when an operation references a timestamp
// the view has never seen.
var ErrUnknownMessage = fmt.Errorf("unknown message")

// Uploader pins attachment bytes somewhere content-addressed and returns
// the address. Only the address travels through the graph.
type Uploader interface {
	Pin(ctx context.Context, filename string, content io.Reader) (string, error)
}

// openRoom bundles a live view with its graph subscription.
type openRoom struct {
	log *Log
	off func()
}

// Client owns the open conversation views of one identity. It routes sends
// through encryption into the graph, mirrors the decrypted views into the
// local archive, and enforces group permissions on the write paths.
type Client struct {
	store    graph.Store
	archive  *store.DB
	groups   *group.Directory
	uploader Uploader
	bus      *bus.Bus
	logger   *zap.Logger

	self   string
	secret identity.Secret

	mu          sync.Mutex
	rooms       map[string]*openRoom
	contacts    []string
	contactSeen map[string]bool
	contactOff  func()
}

// Options carries the optional collaborators of a Client. Archive and
// Groups may be nil: without an archive nothing is mirrored to disk,
// without a directory group permission checks refuse every group write.
type Options struct {
	Archive  *store.DB
	Groups   *group.Directory
	Uploader Uploader
	Bus      *bus.Bus
	Logger   *zap.Logger
}

// NewClient creates a client for the given identity address and session
// secret over the given graph store.
func NewClient(g graph.Store, self string, secret identity.Secret, opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		store:       g,
		archive:     opts.Archive,
		groups:      opts.Groups,
		uploader:    opts.Uploader,
		bus:         opts.Bus,
		logger:      logger,
		self:        self,
		secret:      secret,
		rooms:       make(map[string]*openRoom),
		contactSeen: make(map[string]bool),
	}
}

// Self returns the client's identity address.
func (c *Client) Self() string { return c.self }

// DirectRoom returns the canonical room id for a conversation between the
// client and a peer.
func (c *Client) DirectRoom(peer string) string {
	return room.ID(c.self, peer)
}

// messagesNode returns the graph node holding a room's message children.
// Direct rooms hang messages off the room id itself; group rooms keep them
// under a messages child so the id can also parent pins and metadata.
func (c *Client) messagesNode(roomID string) graph.Node {
	if room.IsGroup(roomID) {
		return c.store.Get(roomID).Get("messages")
	}
	return c.store.Get(roomID)
}

// OpenRoom materializes a room: backfills from the archive, subscribes to
// the graph, and returns the live view. Opening an already open room
// returns the existing view; a room is never subscribed twice.
func (c *Client) OpenRoom(roomID string) *Log {
	c.mu.Lock()
	if r, open := c.rooms[roomID]; open {
		c.mu.Unlock()
		return r.log
	}
	l := NewLog(roomID, c.secret.RoomKey(roomID), c.bus, c.logger)
	r := &openRoom{log: l}
	c.rooms[roomID] = r
	c.mu.Unlock()

	l.setState(Loading)
	c.backfill(l)

	off := c.messagesNode(roomID).MapOn(func(value map[string]any, key string) {
		c.ingest(l, value, key)
	})
	l.setState(Live)

	c.mu.Lock()
	if cur, open := c.rooms[roomID]; open && cur == r {
		r.off = off
		c.mu.Unlock()
		return l
	}
	c.mu.Unlock()
	// Closed while we were subscribing.
	off()
	return l
}

// backfill loads the archived view so history is visible before the graph
// replays it. Archive rows were stored decrypted; InsertLocal skips the
// decrypt path and later graph redeliveries deduplicate against them.
func (c *Client) backfill(l *Log) {
	if c.archive == nil {
		return
	}
	msgs, err := c.archive.ListMessages(l.RoomID(), 0)
	if err != nil {
		c.logger.Warn("archive backfill failed",
			zap.String("room", l.RoomID()), zap.Error(err))
		return
	}
	for _, m := range msgs {
		l.InsertLocal(Message{
			ID:         strconv.FormatInt(m.Timestamp, 10),
			GraphKey:   m.GraphKey,
			Sender:     m.Sender,
			Body:       m.Body,
			Timestamp:  m.Timestamp,
			Attachment: m.Attachment,
			System:     m.System,
		})
	}
}

// ingest feeds one graph event through the view and mirrors accepted
// messages into the archive.
func (c *Client) ingest(l *Log, value map[string]any, key string) {
	if value == nil {
		msg, removed := l.RemoveByGraphKey(key)
		if removed && c.archive != nil {
			if err := c.archive.TombstoneMessage(l.RoomID(), msg.Timestamp); err != nil {
				c.logger.Warn("archive tombstone failed",
					zap.String("room", l.RoomID()), zap.Error(err))
			}
		}
		return
	}
	ts := intField(value, "timestamp")
	// Deletions outlive the in-memory view: a redelivery of a message the
	// archive already tombstoned must not resurrect it in a fresh view.
	if c.archive != nil && ts != 0 {
		if tombstoned, err := c.archive.IsTombstoned(l.RoomID(), ts); err == nil && tombstoned {
			l.Remove(ts)
			return
		}
	}
	if !l.Ingest(value, key) {
		return
	}
	if c.archive == nil {
		return
	}
	msg, ok := l.Get(ts)
	if !ok {
		return
	}
	if err := c.archive.UpsertMessage(&store.Message{
		RoomID:     l.RoomID(),
		Timestamp:  msg.Timestamp,
		GraphKey:   msg.GraphKey,
		Sender:     msg.Sender,
		Body:       msg.Body,
		Attachment: msg.Attachment,
		System:     msg.System,
	}); err != nil {
		c.logger.Warn("archive mirror failed",
			zap.String("room", l.RoomID()), zap.Int64("ts", msg.Timestamp), zap.Error(err))
	}
}

// CloseRoom releases a room's subscription and discards its view.
func (c *Client) CloseRoom(roomID string) {
	c.mu.Lock()
	r, open := c.rooms[roomID]
	delete(c.rooms, roomID)
	c.mu.Unlock()
	if open && r.off != nil {
		r.off()
	}
}

// Close releases every room and the contact watch.
func (c *Client) Close() {
	c.mu.Lock()
	rooms := c.rooms
	c.rooms = make(map[string]*openRoom)
	contactOff := c.contactOff
	c.contactOff = nil
	c.mu.Unlock()

	for _, r := range rooms {
		if r.off != nil {
			r.off()
		}
	}
	if contactOff != nil {
		contactOff()
	}
}

// Room returns the open view for a room id.
func (c *Client) Room(roomID string) (*Log, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, open := c.rooms[roomID]
	if !open {
		return nil, false
	}
	return r.log, true
}

// Send encrypts and appends a message to a room. The local view is updated
// optimistically; the relay echo of the write deduplicates by timestamp.
// attachment is an already-uploaded content address, or empty.
func (c *Client) Send(ctx context.Context, roomID, text, attachment string) (Message, error) {
	if room.IsGroup(roomID) {
		if err := c.guardGroup(roomID, "post", group.CanPost); err != nil {
			return Message{}, err
		}
	}

	key := c.secret.RoomKey(roomID)
	ciphertext, err := codec.Encrypt(text, key)
	if err != nil {
		return Message{}, fmt.Errorf("encrypt message: %w", err)
	}
	ts := time.Now().UnixMilli()

	msg := Message{
		ID:         strconv.FormatInt(ts, 10),
		Sender:     c.self,
		Body:       text,
		Timestamp:  ts,
		Attachment: attachment,
	}
	l := c.OpenRoom(roomID)
	l.InsertLocal(msg)

	record := map[string]any{
		"sender":    c.self,
		"text":      ciphertext,
		"timestamp": ts,
	}
	if attachment != "" {
		record["file"] = attachment
	}
	graphKey, err := c.messagesNode(roomID).Set(ctx, record)
	if err != nil {
		return Message{}, fmt.Errorf("write message: %w", err)
	}
	l.SetGraphKey(ts, graphKey)
	msg.GraphKey = graphKey

	if c.archive != nil {
		if err := c.archive.UpsertMessage(&store.Message{
			RoomID:     roomID,
			Timestamp:  ts,
			GraphKey:   graphKey,
			Sender:     c.self,
			Body:       text,
			Attachment: attachment,
		}); err != nil {
			c.logger.Warn("archive mirror failed",
				zap.String("room", roomID), zap.Int64("ts", ts), zap.Error(err))
		}
	}
	return msg, nil
}

// SendFile uploads an attachment and sends a message carrying its content
// address. text may be empty for a bare attachment.
func (c *Client) SendFile(ctx context.Context, roomID, text, filename string, content io.Reader) (Message, error) {
	if c.uploader == nil {
		return Message{}, fmt.Errorf("no attachment uploader configured")
	}
	if room.IsGroup(roomID) {
		if err := c.guardGroup(roomID, "post", group.CanPost); err != nil {
			return Message{}, err
		}
	}
	address, err := c.uploader.Pin(ctx, filename, content)
	if err != nil {
		return Message{}, fmt.Errorf("upload attachment: %w", err)
	}
	return c.Send(ctx, roomID, text, address)
}

// Delete tombstones one of the client's own messages: the graph slot is
// nulled and the local view drops the entry immediately. Peers converge
// when the tombstone propagates; there is no guaranteed global ordering.
func (c *Client) Delete(ctx context.Context, roomID string, ts int64) error {
	l, open := c.Room(roomID)
	if !open {
		return ErrUnknownMessage
	}
	msg, ok := l.Get(ts)
	if !ok {
		return ErrUnknownMessage
	}
	if msg.Sender != c.self {
		return ErrNotSender
	}
	if msg.GraphKey != "" {
		if err := c.messagesNode(roomID).Get(msg.GraphKey).Put(ctx, nil); err != nil {
			return fmt.Errorf("tombstone message: %w", err)
		}
	}
	l.Remove(ts)
	if c.archive != nil {
		if err := c.archive.TombstoneMessage(roomID, ts); err != nil {
			c.logger.Warn("archive tombstone failed",
				zap.String("room", roomID), zap.Int64("ts", ts), zap.Error(err))
		}
	}
	return nil
}

// Pin snapshots a group message into the room's pinned collection.
// Admin-only; pins are append-only and survive deletion of the original.
func (c *Client) Pin(ctx context.Context, roomID string, ts int64) error {
	if !room.IsGroup(roomID) {
		return fmt.Errorf("pinning is a group feature")
	}
	if err := c.guardGroup(roomID, "pin", group.CanPin); err != nil {
		return err
	}
	l, open := c.Room(roomID)
	if !open {
		return ErrUnknownMessage
	}
	msg, ok := l.Get(ts)
	if !ok {
		return ErrUnknownMessage
	}

	snapshot := map[string]any{
		"sender":    msg.Sender,
		"text":      msg.Body,
		"timestamp": msg.Timestamp,
		"pinnedBy":  c.self,
		"pinnedAt":  time.Now().UnixMilli(),
	}
	if _, err := c.store.Get(roomID).Get("pinned").Set(ctx, snapshot); err != nil {
		return fmt.Errorf("write pin: %w", err)
	}
	if c.archive != nil {
		if err := c.archive.AddPin(&store.Pin{
			RoomID:    roomID,
			Timestamp: msg.Timestamp,
			Sender:    msg.Sender,
			Body:      msg.Body,
			PinnedBy:  c.self,
		}); err != nil {
			c.logger.Warn("archive pin failed", zap.String("room", roomID), zap.Error(err))
		}
	}
	if c.bus != nil {
		c.bus.Publish(bus.TopicChatPinned, Update{RoomID: roomID, Messages: l.Messages()})
	}
	return nil
}

func (c *Client) guardGroup(roomID, op string, allowed func(*group.Group, string) bool) error {
	if c.groups == nil {
		return &group.PermissionError{Op: op, Identity: c.self, GroupID: roomID}
	}
	g, ok := c.groups.Group(roomID)
	if !ok {
		return group.ErrUnknownGroup
	}
	if !allowed(g, c.self) {
		return &group.PermissionError{Op: op, Identity: c.self, GroupID: roomID}
	}
	return nil
}

// AddContact records a peer address in the client's contact list, both in
// the graph (for other devices) and the archive.
func (c *Client) AddContact(ctx context.Context, address string) error {
	if !addressPattern.MatchString(address) {
		return fmt.Errorf("invalid address %q", address)
	}
	if address == c.self {
		return fmt.Errorf("cannot add yourself as a contact")
	}
	record := map[string]any{
		"address": address,
		"addedAt": time.Now().UnixMilli(),
	}
	if _, err := c.store.Get("contacts").Get(c.self).Set(ctx, record); err != nil {
		return fmt.Errorf("write contact: %w", err)
	}
	if c.archive != nil {
		if err := c.archive.AddContact(c.self, address); err != nil {
			c.logger.Warn("archive contact failed", zap.String("address", address), zap.Error(err))
		}
	}
	return nil
}

// WatchContacts materializes the contact list from the graph. Duplicate
// child records for the same address collapse to one entry.
func (c *Client) WatchContacts() {
	c.mu.Lock()
	if c.contactOff != nil {
		c.mu.Unlock()
		return
	}
	// Reserve before subscribing; MapOn delivers synchronously.
	c.contactOff = func() {}
	c.mu.Unlock()

	off := c.store.Get("contacts").Get(c.self).MapOn(func(value map[string]any, _ string) {
		if value == nil {
			return
		}
		address := stringField(value, "address")
		if !addressPattern.MatchString(address) {
			return
		}
		c.mu.Lock()
		if c.contactSeen[address] {
			c.mu.Unlock()
			return
		}
		c.contactSeen[address] = true
		c.contacts = append(c.contacts, address)
		sort.Strings(c.contacts)
		snapshot := append([]string(nil), c.contacts...)
		c.mu.Unlock()

		if c.bus != nil {
			c.bus.Publish(bus.TopicContactsUpdated, snapshot)
		}
	})

	c.mu.Lock()
	c.contactOff = off
	c.mu.Unlock()
}

// Contacts returns the materialized contact list, sorted.
func (c *Client) Contacts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.contacts...)
}
