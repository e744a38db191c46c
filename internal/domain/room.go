package domain

import "strings"

type (
	RoomName string
	WorldID  string
)

const (
	userRoomPrefix  = "user:"
	worldRoomPrefix = "world:"
)

// UserRoom is the 1:1 fan-out room of every connection bound to id.
func UserRoom(id UserID) RoomName { return RoomName(userRoomPrefix + string(id)) }

// WorldRoom is the presence room of a virtual space.
func WorldRoom(id WorldID) RoomName { return RoomName(worldRoomPrefix + string(id)) }

// IsReservedRoomID reports whether a client-supplied conversation id would
// name a user or world room.
func IsReservedRoomID(conversationID string) bool {
	n := RoomName(conversationID)
	return n.IsUserRoom() || n.IsWorldRoom()
}

// ConversationRoom is used verbatim for call signaling. Callers reject
// reserved ids first.
func ConversationRoom(conversationID string) RoomName { return RoomName(conversationID) }

func (n RoomName) IsUserRoom() bool  { return strings.HasPrefix(string(n), userRoomPrefix) }
func (n RoomName) IsWorldRoom() bool { return strings.HasPrefix(string(n), worldRoomPrefix) }
