package ledger

import "time"

// rippleEpoch is 2000-01-01T00:00:00Z in unix seconds.
const rippleEpoch = 946684800

// ToRippleTime converts t to seconds since the ripple epoch.
func ToRippleTime(t time.Time) uint32 {
	secs := t.Unix() - rippleEpoch
	if secs < 0 {
		return 0
	}
	return uint32(secs)
}

// FromRippleTime converts ripple epoch seconds back to wall time.
func FromRippleTime(v uint32) time.Time {
	return time.Unix(int64(v)+rippleEpoch, 0).UTC()
}
