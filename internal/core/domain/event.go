package domain

import "time"

// Event represents one relayed stream message
type Event struct {
	ID         int64     `db:"id"`
	Stream     string    `db:"stream"`
	RunID      string    `db:"run_id"`
	Payload    []byte    `db:"payload"`
	ReceivedAt time.Time `db:"received_at"`
}
