package store

import "time"

// AddContact records a contact for an owner (idempotent).
func (db *DB) AddContact(owner, address string) error {
	_, err := db.Exec(`
		INSERT INTO contacts (owner, address, added_at)
		VALUES (?, ?, ?)
		ON CONFLICT(owner, address) DO NOTHING`,
		owner, address, time.Now().UnixMilli())
	return err
}

// ListContacts returns an owner's contacts in insertion order.
func (db *DB) ListContacts(owner string) ([]Contact, error) {
	rows, err := db.Query(`
		SELECT owner, address, added_at FROM contacts
		WHERE owner = ? ORDER BY added_at ASC`, owner)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var contacts []Contact
	for rows.Next() {
		var c Contact
		if err := rows.Scan(&c.Owner, &c.Address, &c.AddedAt); err != nil {
			return nil, err
		}
		contacts = append(contacts, c)
	}
	return contacts, rows.Err()
}
