package auth

import "time"

// ServiceToken is a long-lived API credential. The secret is stored as a
// bcrypt hash; the plaintext exists only in the mint response.
type ServiceToken struct {
	ID         int64
	Name       string
	UserID     int64
	TokenHash  string
	Flags      []string
	Groups     []string
	Active     bool
	CreatedAt  time.Time
	LastUsedAt time.Time
}
