package domain

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseStreamID(t *testing.T) {
	id, err := ParseStreamID("3a9c:7b21")
	require.NoError(t, err)
	require.Equal(t, UserID("3a9c"), id.UserID)
	require.Equal(t, "7b21", id.SessionID)
	require.Equal(t, "3a9c:7b21", id.String())
}

func TestParseStreamIDMalformed(t *testing.T) {
	for _, raw := range []string{"", "stream0", "a:b:c", ":session", "user:"} {
		_, err := ParseStreamID(raw)
		require.ErrorIs(t, err, ErrMalformedStreamID, "raw=%q", raw)
	}
}

func TestMakeConversationIDOrderIndependent(t *testing.T) {
	a, b := UserID("user-a"), UserID("user-b")
	require.Equal(t, MakeConversationID(a, b), MakeConversationID(b, a))
	require.NotEqual(t, MakeConversationID(a, b), MakeConversationID(a, "user-c"))
}

func TestMakeConversationIDShape(t *testing.T) {
	id := string(MakeConversationID("alice", "bob"))
	require.Len(t, id, 36)
	require.Equal(t, byte('-'), id[8])
	require.Equal(t, byte('3'), id[14]) // version nibble
}
