package store

import (
	"fmt"
	"strconv"
	"strings"
)

// ChatKey is the canonical identifier of one WhatsApp conversation:
// "userId:waAccountId:whatsappChatId". It is the unit of routing and
// locking across the pipeline.
type ChatKey string

// BuildChatKey assembles a ChatKey from its parts.
func BuildChatKey(userID int32, waAccountID, whatsappChatID string) ChatKey {
	return ChatKey(fmt.Sprintf("%d:%s:%s", userID, waAccountID, whatsappChatID))
}

// Parts splits the key into userId, waAccountId and whatsappChatId. Only
// the first two separators are authoritative, so a chat id containing ":"
// survives the round trip.
func (k ChatKey) Parts() (userID int32, waAccountID, whatsappChatID string, err error) {
	parts := strings.SplitN(string(k), ":", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return 0, "", "", fmt.Errorf("malformed chat key %q", string(k))
	}
	uid, err := strconv.ParseInt(parts[0], 10, 32)
	if err != nil {
		return 0, "", "", fmt.Errorf("malformed chat key %q: %v", string(k), err)
	}
	return int32(uid), parts[1], parts[2], nil
}

// UserID returns the tenant part of the key, or 0 when malformed.
func (k ChatKey) UserID() int32 {
	id, _, _, err := k.Parts()
	if err != nil {
		return 0
	}
	return id
}

func (k ChatKey) String() string {
	return string(k)
}
