package session

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/CassiopeiaCode/gemini-business2api/internal/translate"
)

// Keys holds the cache keys derived from one message history.
//
// Lookup is hashed over the conversation prefix a previous turn would have
// stored; Store is hashed over the history up to and including the last user
// message, so a future continuation can find this turn. ForceNew tells the
// caller to create a fresh upstream session instead of consulting the cache.
type Keys struct {
	Lookup   string
	Store    string
	ForceNew bool
}

// Derive computes session-reuse keys for a message history.
//
// Counting only user-role messages:
//   - fewer than 2: no reusable prior session can exist, force a new one but
//     still record Store so a later turn can resolve it;
//   - exactly 2: still force a new session (a single prior exchange is not
//     trusted for reuse) while warming the cache;
//   - 3 or more: Lookup covers up to the second-to-last user message, Store
//     covers up to the last, and reuse is allowed.
//
// An empty history maps both keys to a sentinel and forces a new session.
// The function is pure: identical inputs always produce identical keys.
func Derive(messages []translate.Message, clientID string) Keys {
	if len(messages) == 0 {
		empty := "empty"
		if clientID != "" {
			empty = clientID + ":empty"
		}
		return Keys{Lookup: empty, Store: empty, ForceNew: true}
	}

	userCount := 0
	for _, m := range messages {
		if m.Role == "user" {
			userCount++
		}
	}

	store := hashPrefix(truncateToNthUser(messages, userCount), clientID)

	if userCount < 3 {
		return Keys{Lookup: store, Store: store, ForceNew: true}
	}

	lookup := hashPrefix(truncateToNthUser(messages, userCount-1), clientID)
	return Keys{Lookup: lookup, Store: store, ForceNew: false}
}

// truncateToNthUser returns the history up to and including the nth
// (1-based) user message. If there are fewer user messages the whole history
// is returned, which is the conservative choice.
func truncateToNthUser(messages []translate.Message, n int) []translate.Message {
	if n <= 0 {
		return nil
	}
	seen := 0
	for i, m := range messages {
		if m.Role == "user" {
			seen++
			if seen == n {
				return messages[:i+1]
			}
		}
	}
	return messages
}

func hashPrefix(messages []translate.Message, clientID string) string {
	parts := make([]string, 0, len(messages))
	for _, m := range messages {
		text := strings.ToLower(strings.TrimSpace(translate.ExtractText(m.Content)))
		parts = append(parts, m.Role+":"+text)
	}

	joined := strings.Join(parts, "|")
	if clientID != "" {
		joined = clientID + "|" + joined
	}

	sum := sha256.Sum256([]byte(joined))
	return hex.EncodeToString(sum[:])
}
