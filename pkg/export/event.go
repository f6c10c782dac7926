package export

import "time"

// Event is the payload exported downstream after a confirmed delivery.
type Event struct {
	Destination string    `json:"destination"`
	Source      string    `json:"source"`
	ItemIDs     []string  `json:"item_ids"`
	DeliveredAt time.Time `json:"delivered_at"`
}

// NewEvent constructs an Event for the given destination + source batch.
func NewEvent(destination, source string, itemIDs []string) Event {
	return Event{
		Destination: destination,
		Source:      source,
		ItemIDs:     append([]string(nil), itemIDs...),
		DeliveredAt: time.Now().UTC(),
	}
}
