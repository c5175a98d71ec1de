package domain

import (
	"crypto/md5"
	"fmt"
)

type ConversationID string

// MakeConversationID derives the deterministic 1:1 conversation identifier
// from a pair of user ids. The result is order-independent: both peers
// compute the same id locally without a round trip to the server.
//
// The wire format is fixed: md5 over the concatenation of the smaller id
// followed by the bigger one, rendered as a version-3-shaped UUID.
func MakeConversationID(a, b UserID) ConversationID {
	lo, hi := a, b
	if hi < lo {
		lo, hi = hi, lo
	}
	sum := md5.Sum([]byte(string(lo) + string(hi)))
	sum[6] = (sum[6] & 0x0f) | 0x30
	sum[8] = (sum[8] & 0x3f) | 0x80
	return ConversationID(fmt.Sprintf("%x-%x-%x-%x-%x", sum[0:4], sum[4:6], sum[6:8], sum[8:10], sum[10:16]))
}
