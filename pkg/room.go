package pkg

import "encoding/json"

// Room is one signaling session. It is guarded by the manager lock and never
// exists with zero members.
type Room struct {
	id        string
	creatorID string
	offer     json.RawMessage
	answer    json.RawMessage
	members   []string
}

func (r *Room) hasMember(clientID string) bool {
	for _, id := range r.members {
		if id == clientID {
			return true
		}
	}
	return false
}

func (r *Room) removeMember(clientID string) bool {
	for i, id := range r.members {
		if id == clientID {
			r.members = append(r.members[:i], r.members[i+1:]...)
			return true
		}
	}
	return false
}
