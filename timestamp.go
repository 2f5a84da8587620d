package nostr

import "time"

// Timestamp is a unix time in seconds, as found in created_at, since and until.
type Timestamp int64

func Now() Timestamp { return Timestamp(time.Now().Unix()) }

// Ago is the timestamp d before now.
func Ago(d time.Duration) Timestamp { return Timestamp(time.Now().Add(-d).Unix()) }

func (t Timestamp) Time() time.Time { return time.Unix(int64(t), 0) }
