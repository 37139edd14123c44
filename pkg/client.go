package pkg

// Client is the registry entry for a registered id. It is guarded by the
// manager lock.
type Client struct {
	id      string
	session *Session
	rooms   map[string]struct{}
}

func (c *Client) roomIDs() []string {
	ids := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		ids = append(ids, id)
	}
	return ids
}
