package store

// Message is an archived materialized-view entry. Body holds the decrypted
// plaintext; the archive lives inside the session directory with owner-only
// permissions, the same trade-off as the persisted session secret.
type Message struct {
	ID         int64
	RoomID     string
	Timestamp  int64
	GraphKey   string
	Sender     string
	Body       string
	Attachment string
	System     bool
	Tombstoned bool
}

// Contact is an archived contact-list entry.
type Contact struct {
	Owner   string
	Address string
	AddedAt int64
}

// Pin is an archived pinned-message snapshot. Append-only.
type Pin struct {
	ID        int64
	RoomID    string
	Timestamp int64
	Sender    string
	Body      string
	PinnedBy  string
	PinnedAt  int64
}
