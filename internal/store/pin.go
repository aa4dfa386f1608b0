package store

import "time"

// AddPin appends a pinned-message snapshot for a room.
func (db *DB) AddPin(p *Pin) error {
	_, err := db.Exec(`
		INSERT INTO pins (room_id, ts, sender, body, pinned_by, pinned_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		p.RoomID, p.Timestamp, p.Sender, p.Body, p.PinnedBy, time.Now().UnixMilli())
	return err
}

// ListPins returns a room's pins in pin order.
func (db *DB) ListPins(roomID string) ([]Pin, error) {
	rows, err := db.Query(`
		SELECT id, room_id, ts, sender, body, pinned_by, pinned_at
		FROM pins WHERE room_id = ? ORDER BY id ASC`, roomID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var pins []Pin
	for rows.Next() {
		var p Pin
		if err := rows.Scan(&p.ID, &p.RoomID, &p.Timestamp, &p.Sender, &p.Body, &p.PinnedBy, &p.PinnedAt); err != nil {
			return nil, err
		}
		pins = append(pins, p)
	}
	return pins, rows.Err()
}
