package store

import "time"

// UpsertMessage inserts or updates a message (idempotent on room_id + ts).
// A tombstoned row stays tombstoned even if a stale duplicate arrives later.
func (db *DB) UpsertMessage(m *Message) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO messages (room_id, ts, graph_key, sender, body, attachment, system, tombstoned, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?)
		ON CONFLICT(room_id, ts) DO UPDATE SET
			graph_key = CASE WHEN excluded.graph_key != '' THEN excluded.graph_key ELSE messages.graph_key END,
			sender = excluded.sender,
			body = CASE WHEN messages.tombstoned = 1 THEN messages.body ELSE excluded.body END,
			attachment = excluded.attachment`,
		m.RoomID, m.Timestamp, m.GraphKey, m.Sender, m.Body, m.Attachment, m.System, now)
	return err
}

// TombstoneMessage nulls a message body and marks the row deleted. The row
// stays in the index so redelivered duplicates cannot resurrect it.
func (db *DB) TombstoneMessage(roomID string, ts int64) error {
	_, err := db.Exec(`
		UPDATE messages SET body = '', attachment = '', tombstoned = 1
		WHERE room_id = ? AND ts = ?`, roomID, ts)
	return err
}

// IsTombstoned reports whether the message at (roomID, ts) was deleted.
func (db *DB) IsTombstoned(roomID string, ts int64) (bool, error) {
	var tombstoned bool
	err := db.QueryRow(`SELECT tombstoned FROM messages WHERE room_id = ? AND ts = ?`,
		roomID, ts).Scan(&tombstoned)
	if err != nil {
		return false, err
	}
	return tombstoned, nil
}

// ListMessages returns the live (non-tombstoned) messages of a room in
// ascending timestamp order.
func (db *DB) ListMessages(roomID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := db.Query(`
		SELECT id, room_id, ts, graph_key, sender, body, attachment, system, tombstoned
		FROM messages
		WHERE room_id = ? AND tombstoned = 0
		ORDER BY ts ASC
		LIMIT ?`, roomID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.RoomID, &m.Timestamp, &m.GraphKey, &m.Sender,
			&m.Body, &m.Attachment, &m.System, &m.Tombstoned); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
