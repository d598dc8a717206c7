// Package subscription runs the live (kind, event) feeds: channel
// bootstrap via the subscribe endpoint, record decoding and dispatch, and
// gap detection with rollback resubscription.
package subscription

// MetadataTime orders feed events at millisecond granularity with a
// nanosecond tiebreaker.
type MetadataTime struct {
	Millis int64 `json:"millis"`
	Nanos  int64 `json:"nanos"`
}

// Before reports whether t is strictly earlier than other.
func (t MetadataTime) Before(other MetadataTime) bool {
	if t.Millis != other.Millis {
		return t.Millis < other.Millis
	}
	return t.Nanos < other.Nanos
}

// Equal reports whether both timestamps denote the same instant.
func (t MetadataTime) Equal(other MetadataTime) bool {
	return t.Millis == other.Millis && t.Nanos == other.Nanos
}

// MetadataEvent describes the batch of events just delivered on a channel:
// the window (After, Max] and a checksum of the batch.
type MetadataEvent struct {
	After MetadataTime `json:"after"`
	Max   MetadataTime `json:"max"`
	CRC32 uint32       `json:"crc32"`
}
