package domain

import "encoding/json"

// Avatar is opaque client state (position, pose, skin...). Null means unset.
type Avatar = json.RawMessage

// PresenceDTO is the read-only view of a presence entry sent to clients.
// Connection ids never leave the server.
type PresenceDTO struct {
	UserID  UserID  `json:"userId"`
	Profile Profile `json:"profile"`
	Avatar  Avatar  `json:"avatar,omitempty"`
	Devices int     `json:"devices"`
}
