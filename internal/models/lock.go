package models

import "time"

// Lock is a named advisory lock record. The existence of a fresh record for a
// resource is the lock; a record past its TTL is abandoned and may be
// reclaimed by any acquirer.
type Lock struct {
	Resource   string        `json:"resource"`
	Holder     string        `json:"holder"`
	AcquiredAt time.Time     `json:"acquired_at"`
	TTL        time.Duration `json:"ttl"`
}

// ExpiresAt returns the instant the lock becomes reclaimable.
func (l *Lock) ExpiresAt() time.Time {
	return l.AcquiredAt.Add(l.TTL)
}

// Fresh reports whether the lock is still live at now.
func (l *Lock) Fresh(now time.Time) bool {
	return now.Before(l.ExpiresAt())
}
