package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CassiopeiaCode/gemini-business2api/internal/translate"
)

func history(texts ...string) []translate.Message {
	msgs := make([]translate.Message, 0, len(texts))
	for i, t := range texts {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		msgs = append(msgs, translate.TextMessage(role, t))
	}
	return msgs
}

func TestDeriveEmptyHistory(t *testing.T) {
	k := Derive(nil, "")
	assert.True(t, k.ForceNew)
	assert.Equal(t, "empty", k.Lookup)
	assert.Equal(t, "empty", k.Store)

	k = Derive(nil, "client-a")
	assert.Equal(t, "client-a:empty", k.Lookup)
}

func TestDeriveForcesNewBelowThreeUserTurns(t *testing.T) {
	one := Derive(history("hello"), "")
	assert.True(t, one.ForceNew)
	assert.Equal(t, one.Lookup, one.Store)

	two := Derive(history("hello", "hi", "how are you"), "")
	assert.True(t, two.ForceNew)
	assert.Equal(t, two.Lookup, two.Store)

	three := Derive(history("a", "b", "c", "d", "e"), "")
	assert.False(t, three.ForceNew)
	assert.NotEqual(t, three.Lookup, three.Store)
}

// A turn's Store key must equal the next turn's Lookup key, otherwise
// continuations can never find the session the previous turn recorded.
func TestDeriveContinuity(t *testing.T) {
	turn2 := history("first", "answer one", "second")
	turn3 := append(history("first", "answer one", "second"), translate.TextMessage("assistant", "answer two"), translate.TextMessage("user", "third"))

	require.Len(t, turn3, 5)
	k2 := Derive(turn2, "")
	k3 := Derive(turn3, "")
	assert.Equal(t, k2.Store, k3.Lookup)
	assert.False(t, k3.ForceNew)
}

func TestDeriveIsPure(t *testing.T) {
	msgs := history("a", "b", "c", "d", "e")
	assert.Equal(t, Derive(msgs, "x"), Derive(msgs, "x"))
}

func TestDeriveClientIsolation(t *testing.T) {
	msgs := history("a", "b", "c", "d", "e")
	assert.NotEqual(t, Derive(msgs, "client-a").Lookup, Derive(msgs, "client-b").Lookup)
	assert.NotEqual(t, Derive(msgs, "").Lookup, Derive(msgs, "client-a").Lookup)
}

// Hashing normalizes whitespace and case, so cosmetic differences in the
// replayed history still resolve to the same session.
func TestDeriveNormalizesText(t *testing.T) {
	a := Derive(history("  Hello ", "b", "c", "d", "e"), "")
	b := Derive(history("hello", "b", "c", "d", "e"), "")
	assert.Equal(t, a.Lookup, b.Lookup)
	assert.Equal(t, a.Store, b.Store)
}

func TestTruncateToNthUser(t *testing.T) {
	msgs := history("u1", "a1", "u2", "a2", "u3")

	got := truncateToNthUser(msgs, 2)
	require.Len(t, got, 3)
	assert.Equal(t, "u2", translate.ExtractText(got[2].Content))

	assert.Len(t, truncateToNthUser(msgs, 99), 5)
	assert.Nil(t, truncateToNthUser(msgs, 0))
}
