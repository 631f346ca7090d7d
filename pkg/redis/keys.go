package redis

import "strings"

// Keys are laid out as sf:<family>:<parts...>; blank parts are skipped.
const keyNamespace = "sf"

const (
	familyIdempotency = "idempotency"
	familyRateLimit   = "ratelimit"
	familySession     = "session"
	familyBan         = "ban"
	familyStrike      = "strike"
)

func (c *Client) IdempotencyKey(scope, id string) string {
	return joinKey(familyIdempotency, scope, id)
}

func (c *Client) RateLimitKey(scope string) string {
	return joinKey(familyRateLimit, scope)
}

// AccessSessionKey holds the refresh record of one access token id.
func (c *Client) AccessSessionKey(accessID string) string {
	return joinKey(familySession, "access", accessID)
}

// UserSessionsKey is the set of a user's live access token ids.
func (c *Client) UserSessionsKey(userID string) string {
	return joinKey(familySession, "user", userID)
}

func (c *Client) BanKey(subject string) string {
	return joinKey(familyBan, subject)
}

func (c *Client) StrikeKey(subject string) string {
	return joinKey(familyStrike, subject)
}

func joinKey(parts ...string) string {
	var b strings.Builder
	b.WriteString(keyNamespace)
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		b.WriteByte(':')
		b.WriteString(part)
	}
	return b.String()
}
