package pkg

import (
	"fmt"
	"io"
	"os"
	"sync"
	"testing"

	log "github.com/sirupsen/logrus"
)

func TestMain(m *testing.M) {
	log.SetOutput(io.Discard)
	os.Exit(m.Run())
}

func newTestSession(t *testing.T, m *Manager, clientID string) *Session {
	t.Helper()

	s := m.NewSession(nil)
	if clientID != "" {
		if err := m.Register(s, clientID); err != nil {
			t.Fatalf("Register(%q): %v", clientID, err)
		}
	}
	return s
}

func handle(t *testing.T, s *Session, frame string) {
	t.Helper()

	if err := s.handleMessage([]byte(frame)); err != nil {
		t.Fatalf("handleMessage(%s): %v", frame, err)
	}
}

func nextEnvelope(t *testing.T, s *Session) Envelope {
	t.Helper()

	select {
	case data := <-s.send:
		envelope, err := DecodeEnvelope(data)
		if err != nil {
			t.Fatalf("DecodeEnvelope(%s): %v", data, err)
		}
		return envelope
	default:
		t.Fatalf("no envelope queued for %s", s.uuid)
		return nil
	}
}

func expectNoEnvelope(t *testing.T, s *Session) {
	t.Helper()

	select {
	case data := <-s.send:
		t.Fatalf("unexpected envelope for %s: %s", s.uuid, data)
	default:
	}
}

func expectError(t *testing.T, s *Session, message string) {
	t.Helper()

	e, ok := nextEnvelope(t, s).(*Error)
	if !ok {
		t.Fatalf("expected error envelope")
	}
	if e.Message != message {
		t.Fatalf("error message=%q, want %q", e.Message, message)
	}
}

func members(m *Manager, roomID string) ([]string, bool) {
	m.lock.Lock()
	defer m.lock.Unlock()

	room, ok := m.rooms[roomID]
	if !ok {
		return nil, false
	}
	return append([]string(nil), room.members...), true
}

// checkRegistries asserts that rooms and client memberships mirror each
// other and that no room is empty.
func checkRegistries(t *testing.T, m *Manager) {
	t.Helper()

	m.lock.Lock()
	defer m.lock.Unlock()

	for roomID, room := range m.rooms {
		if len(room.members) == 0 {
			t.Fatalf("room %q exists with no members", roomID)
		}
		for _, member := range room.members {
			c, ok := m.clients[member]
			if !ok {
				t.Fatalf("room %q lists unknown client %q", roomID, member)
			}
			if _, ok := c.rooms[roomID]; !ok {
				t.Fatalf("client %q missing membership of %q", member, roomID)
			}
		}
	}

	for clientID, c := range m.clients {
		if c.session.clientID != clientID {
			t.Fatalf("client %q bound to session with id %q", clientID, c.session.clientID)
		}
		for roomID := range c.rooms {
			room, ok := m.rooms[roomID]
			if !ok {
				t.Fatalf("client %q member of deleted room %q", clientID, roomID)
			}
			if !room.hasMember(clientID) {
				t.Fatalf("room %q does not list member %q", roomID, clientID)
			}
		}
	}
}

func TestRelayScenario(t *testing.T) {
	m := NewManager(DefaultConfig())
	a := newTestSession(t, m, "a")
	b := newTestSession(t, m, "b")

	handle(t, a, `{"type":"create-room","roomId":"r1","clientId":"a","offer":{"sdp":"O"}}`)
	created, ok := nextEnvelope(t, a).(*RoomCreated)
	if !ok || created.RoomID != "r1" {
		t.Fatalf("expected room-created for r1, got %#v", created)
	}

	handle(t, b, `{"type":"get-room-offer","roomId":"r1","clientId":"b"}`)
	offer, ok := nextEnvelope(t, b).(*RoomOffer)
	if !ok || offer.RoomID != "r1" {
		t.Fatalf("expected room-offer for r1")
	}
	if string(offer.Offer) != `{"sdp":"O"}` {
		t.Fatalf("offer=%s, want %s", offer.Offer, `{"sdp":"O"}`)
	}

	handle(t, b, `{"type":"join-room","roomId":"r1","clientId":"b","answer":{"sdp":"A"}}`)
	answer, ok := nextEnvelope(t, a).(*RoomAnswer)
	if !ok || answer.RoomID != "r1" || string(answer.Answer) != `{"sdp":"A"}` {
		t.Fatalf("expected room-answer for r1 with answer A, got %#v", answer)
	}
	joined, ok := nextEnvelope(t, b).(*RoomJoined)
	if !ok || joined.RoomID != "r1" {
		t.Fatalf("expected room-joined for r1")
	}
	checkRegistries(t, m)

	handle(t, a, `{"type":"leave-room","roomId":"r1","clientId":"a"}`)
	left, ok := nextEnvelope(t, b).(*PeerLeft)
	if !ok || left.RoomID != "r1" || left.ClientID != "a" {
		t.Fatalf("expected peer-left from a, got %#v", left)
	}
	expectNoEnvelope(t, a)

	remaining, ok := members(m, "r1")
	if !ok || len(remaining) != 1 || remaining[0] != "b" {
		t.Fatalf("members=%v exists=%v, want [b]", remaining, ok)
	}
	checkRegistries(t, m)

	m.Disconnect(b)
	if _, ok := members(m, "r1"); ok {
		t.Fatalf("room r1 still exists after last member disconnected")
	}
	checkRegistries(t, m)

	handle(t, a, `{"type":"get-room-offer","roomId":"ghost","clientId":"a"}`)
	expectError(t, a, "Room not found")
	expectNoEnvelope(t, b)
}

func TestJoinMissingRoom(t *testing.T) {
	m := NewManager(DefaultConfig())
	a := newTestSession(t, m, "a")

	handle(t, a, `{"type":"join-room","roomId":"ghost","clientId":"a","answer":{}}`)
	expectError(t, a, "Room not found")

	if got := m.Stats(); got.Rooms != 0 {
		t.Fatalf("rooms=%d, want 0", got.Rooms)
	}
}

func TestDisconnectNotifiesRemainingMembers(t *testing.T) {
	m := NewManager(DefaultConfig())
	a := newTestSession(t, m, "a")
	b := newTestSession(t, m, "b")

	handle(t, a, `{"type":"create-room","roomId":"r1","offer":"O"}`)
	nextEnvelope(t, a)
	handle(t, b, `{"type":"join-room","roomId":"r1","answer":"A"}`)
	nextEnvelope(t, a)
	nextEnvelope(t, b)

	m.Disconnect(a)

	left, ok := nextEnvelope(t, b).(*PeerLeft)
	if !ok || left.ClientID != "a" || left.RoomID != "r1" {
		t.Fatalf("expected peer-left from a")
	}

	if got := m.Stats(); got.Clients != 1 || got.Rooms != 1 {
		t.Fatalf("stats=%+v, want 1 client and 1 room", got)
	}
	checkRegistries(t, m)
}

func TestDisconnectIsIdempotent(t *testing.T) {
	m := NewManager(DefaultConfig())

	unregistered := newTestSession(t, m, "")
	m.Disconnect(unregistered)

	idle := newTestSession(t, m, "idle")
	m.Disconnect(idle)
	m.Disconnect(idle)

	if got := m.Stats(); got.Clients != 0 || got.Rooms != 0 {
		t.Fatalf("stats=%+v, want empty registries", got)
	}
}

func TestIceCandidateRouting(t *testing.T) {
	config := DefaultConfig()
	config.MaxRoomMembers = 0
	m := NewManager(config)

	a := newTestSession(t, m, "a")
	b := newTestSession(t, m, "b")
	c := newTestSession(t, m, "c")
	outsider := newTestSession(t, m, "d")

	handle(t, a, `{"type":"create-room","roomId":"r1","offer":"O"}`)
	nextEnvelope(t, a)
	for _, s := range []*Session{b, c} {
		handle(t, s, `{"type":"join-room","roomId":"r1","answer":"A"}`)
		nextEnvelope(t, a)
		nextEnvelope(t, s)
	}

	handle(t, a, `{"type":"ice-candidate","roomId":"r1","clientId":"a","candidate":{"candidate":"x"},"isCreator":true}`)

	for _, s := range []*Session{b, c} {
		candidate, ok := nextEnvelope(t, s).(*IceCandidate)
		if !ok {
			t.Fatalf("expected ice-candidate")
		}
		if candidate.RoomID != "r1" || !candidate.IsCreator {
			t.Fatalf("candidate=%+v", candidate)
		}
		if string(candidate.Candidate) != `{"candidate":"x"}` {
			t.Fatalf("candidate payload=%s", candidate.Candidate)
		}
		if candidate.ClientID != "" {
			t.Fatalf("forwarded candidate leaked clientId %q", candidate.ClientID)
		}
	}
	expectNoEnvelope(t, a)
	expectNoEnvelope(t, outsider)

	handle(t, outsider, `{"type":"ice-candidate","roomId":"r1","candidate":"y","isCreator":false}`)
	for _, s := range []*Session{a, b, c, outsider} {
		expectNoEnvelope(t, s)
	}

	handle(t, a, `{"type":"ice-candidate","roomId":"ghost","candidate":"z","isCreator":true}`)
	expectNoEnvelope(t, a)
}

func TestJoinFullRoom(t *testing.T) {
	m := NewManager(DefaultConfig())
	a := newTestSession(t, m, "a")
	b := newTestSession(t, m, "b")
	c := newTestSession(t, m, "c")

	handle(t, a, `{"type":"create-room","roomId":"r1","offer":"O"}`)
	nextEnvelope(t, a)
	handle(t, b, `{"type":"join-room","roomId":"r1","answer":"A"}`)
	nextEnvelope(t, a)
	nextEnvelope(t, b)

	handle(t, c, `{"type":"join-room","roomId":"r1","answer":"C"}`)
	expectError(t, c, "Room is full")
	expectNoEnvelope(t, a)

	got, _ := members(m, "r1")
	if len(got) != 2 {
		t.Fatalf("members=%v, want creator and one joiner", got)
	}
	checkRegistries(t, m)
}

func TestRepeatedJoinKeepsSingleMembership(t *testing.T) {
	m := NewManager(DefaultConfig())
	a := newTestSession(t, m, "a")
	b := newTestSession(t, m, "b")

	handle(t, a, `{"type":"create-room","roomId":"r1","offer":"O"}`)
	nextEnvelope(t, a)

	for _, answer := range []string{`"A1"`, `"A2"`} {
		handle(t, b, `{"type":"join-room","roomId":"r1","answer":`+answer+`}`)
		got, ok := nextEnvelope(t, a).(*RoomAnswer)
		if !ok || string(got.Answer) != answer {
			t.Fatalf("expected room-answer %s", answer)
		}
		nextEnvelope(t, b)
	}

	got, _ := members(m, "r1")
	if len(got) != 2 {
		t.Fatalf("members=%v, want [a b]", got)
	}
}

func TestUnlimitedRoomAcceptsFurtherJoins(t *testing.T) {
	config := DefaultConfig()
	config.MaxRoomMembers = 0
	m := NewManager(config)

	a := newTestSession(t, m, "a")
	b := newTestSession(t, m, "b")
	c := newTestSession(t, m, "c")

	handle(t, a, `{"type":"create-room","roomId":"r1","offer":"O"}`)
	nextEnvelope(t, a)
	handle(t, b, `{"type":"join-room","roomId":"r1","answer":"B"}`)
	nextEnvelope(t, a)
	nextEnvelope(t, b)
	handle(t, c, `{"type":"join-room","roomId":"r1","answer":"C"}`)

	answer, ok := nextEnvelope(t, a).(*RoomAnswer)
	if !ok || string(answer.Answer) != `"C"` {
		t.Fatalf("expected overwritten answer C")
	}
	if _, ok := nextEnvelope(t, c).(*RoomJoined); !ok {
		t.Fatalf("expected room-joined for c")
	}

	got, _ := members(m, "r1")
	if len(got) != 3 {
		t.Fatalf("members=%v, want three", got)
	}
}

func TestUnregisteredCallerRejected(t *testing.T) {
	m := NewManager(DefaultConfig())
	s := newTestSession(t, m, "")

	frames := []string{
		`{"type":"create-room","roomId":"r1","clientId":"a","offer":"O"}`,
		`{"type":"get-room-offer","roomId":"r1","clientId":"a"}`,
		`{"type":"join-room","roomId":"r1","clientId":"a","answer":"A"}`,
		`{"type":"ice-candidate","roomId":"r1","clientId":"a","candidate":"c","isCreator":false}`,
		`{"type":"leave-room","roomId":"r1","clientId":"a"}`,
	}
	for _, frame := range frames {
		handle(t, s, frame)
		expectError(t, s, "Client not registered")
	}

	if got := m.Stats(); got.Rooms != 0 || got.Clients != 0 {
		t.Fatalf("stats=%+v, want empty", got)
	}
}

func TestRegisterRequiresClientID(t *testing.T) {
	m := NewManager(DefaultConfig())
	s := newTestSession(t, m, "")

	handle(t, s, `{"type":"register"}`)
	expectError(t, s, "Missing clientId")
}

func TestCreateRoomRequiresRoomID(t *testing.T) {
	m := NewManager(DefaultConfig())
	s := newTestSession(t, m, "a")

	handle(t, s, `{"type":"create-room","offer":"O"}`)
	expectError(t, s, "Missing roomId")
}

func TestClientIDMismatchRejected(t *testing.T) {
	m := NewManager(DefaultConfig())
	a := newTestSession(t, m, "a")
	b := newTestSession(t, m, "b")

	handle(t, a, `{"type":"create-room","roomId":"r1","clientId":"a","offer":"O"}`)
	nextEnvelope(t, a)
	handle(t, b, `{"type":"join-room","roomId":"r1","clientId":"b","answer":"A"}`)
	nextEnvelope(t, a)
	nextEnvelope(t, b)

	// b claims to be a and tries to remove a from the room.
	handle(t, b, `{"type":"leave-room","roomId":"r1","clientId":"a"}`)
	expectError(t, b, "Client ID does not match registration")

	got, _ := members(m, "r1")
	if len(got) != 2 {
		t.Fatalf("members=%v, want [a b]", got)
	}
}

func TestRegisterTakesOverClientID(t *testing.T) {
	m := NewManager(DefaultConfig())
	first := newTestSession(t, m, "a")
	b := newTestSession(t, m, "b")

	handle(t, first, `{"type":"create-room","roomId":"r1","offer":"O"}`)
	nextEnvelope(t, first)
	handle(t, b, `{"type":"join-room","roomId":"r1","answer":"A"}`)
	nextEnvelope(t, first)
	nextEnvelope(t, b)

	second := newTestSession(t, m, "a")

	left, ok := nextEnvelope(t, b).(*PeerLeft)
	if !ok || left.ClientID != "a" {
		t.Fatalf("expected peer-left for replaced client a")
	}

	handle(t, first, `{"type":"get-room-offer","roomId":"r1"}`)
	expectError(t, first, "Client not registered")

	m.Disconnect(first)
	if got := m.Stats(); got.Clients != 2 {
		t.Fatalf("clients=%d, want 2 after stale session closed", got.Clients)
	}

	handle(t, second, `{"type":"get-room-offer","roomId":"r1"}`)
	if _, ok := nextEnvelope(t, second).(*RoomOffer); !ok {
		t.Fatalf("expected room-offer for new session")
	}
	checkRegistries(t, m)
}

func TestReregisterResetsMembership(t *testing.T) {
	m := NewManager(DefaultConfig())
	a := newTestSession(t, m, "a")

	handle(t, a, `{"type":"create-room","roomId":"r1","offer":"O"}`)
	nextEnvelope(t, a)

	handle(t, a, `{"type":"register","clientId":"a2"}`)

	if got := m.Stats(); got.Clients != 1 || got.Rooms != 0 {
		t.Fatalf("stats=%+v, want one client and no rooms", got)
	}
	checkRegistries(t, m)
}

func TestCreateRoomOverwritesExistingRoom(t *testing.T) {
	m := NewManager(DefaultConfig())
	a := newTestSession(t, m, "a")
	b := newTestSession(t, m, "b")

	handle(t, a, `{"type":"create-room","roomId":"r1","offer":"O1"}`)
	nextEnvelope(t, a)
	handle(t, b, `{"type":"create-room","roomId":"r1","offer":"O2"}`)
	nextEnvelope(t, b)

	evicted, ok := nextEnvelope(t, a).(*PeerLeft)
	if !ok || evicted.RoomID != "r1" || evicted.ClientID != "a" {
		t.Fatalf("expected eviction peer-left naming a, got %#v", evicted)
	}

	got, _ := members(m, "r1")
	if len(got) != 1 || got[0] != "b" {
		t.Fatalf("members=%v, want [b]", got)
	}

	handle(t, a, `{"type":"get-room-offer","roomId":"r1"}`)
	offer, ok := nextEnvelope(t, a).(*RoomOffer)
	if !ok || string(offer.Offer) != `"O2"` {
		t.Fatalf("expected overwritten offer O2")
	}

	if got := m.Stats(); got.Rooms != 1 {
		t.Fatalf("rooms=%d, want 1", got.Rooms)
	}
	checkRegistries(t, m)
}

func TestLeaveUnknownRoom(t *testing.T) {
	m := NewManager(DefaultConfig())
	a := newTestSession(t, m, "a")

	handle(t, a, `{"type":"leave-room","roomId":"ghost"}`)
	expectNoEnvelope(t, a)
	checkRegistries(t, m)
}

func TestMalformedFramesAreDropped(t *testing.T) {
	m := NewManager(DefaultConfig())
	a := newTestSession(t, m, "a")

	for _, frame := range []string{`not json`, `{}`, `[]`, `{"type":"create-room","roomId":7}`} {
		if err := a.handleMessage([]byte(frame)); err == nil {
			t.Fatalf("handleMessage(%s): expected error", frame)
		}
	}

	for _, frame := range []string{`{"type":"bogus"}`, `{"type":"room-created","roomId":"r1"}`} {
		handle(t, a, frame)
	}

	expectNoEnvelope(t, a)
	if got := m.Stats(); got.Rooms != 0 || got.Clients != 1 {
		t.Fatalf("stats=%+v", got)
	}
}

func TestInvalidUTF8IsNotForwarded(t *testing.T) {
	m := NewManager(DefaultConfig())
	a := newTestSession(t, m, "a")
	b := newTestSession(t, m, "b")

	handle(t, a, `{"type":"create-room","roomId":"r1","offer":"O"}`)
	nextEnvelope(t, a)
	handle(t, b, `{"type":"join-room","roomId":"r1","answer":"A"}`)
	nextEnvelope(t, a)
	nextEnvelope(t, b)

	frame := []byte("{\"type\":\"ice-candidate\",\"roomId\":\"r1\",\"candidate\":\"x\xff\xfe\",\"isCreator\":false}")
	if err := b.handleMessage(frame); err == nil {
		t.Fatalf("expected error for invalid UTF-8 frame")
	}
	expectNoEnvelope(t, a)
	expectNoEnvelope(t, b)

	// The sender stays usable afterwards.
	handle(t, b, `{"type":"ice-candidate","roomId":"r1","candidate":"ok","isCreator":false}`)
	candidate, ok := nextEnvelope(t, a).(*IceCandidate)
	if !ok || string(candidate.Candidate) != `"ok"` {
		t.Fatalf("expected valid candidate to be relayed")
	}
}

func TestEnqueueDropsInsteadOfBlocking(t *testing.T) {
	config := DefaultConfig()
	config.SendQueueSize = 1
	m := NewManager(config)
	s := newTestSession(t, m, "a")

	s.enqueue([]byte("first"))
	s.enqueue([]byte("second"))

	if len(s.send) != 1 {
		t.Fatalf("queued=%d, want 1", len(s.send))
	}

	<-s.send
	s.Close()
	s.Close()
	s.enqueue([]byte("third"))

	if len(s.send) != 0 {
		t.Fatalf("closed session accepted an envelope")
	}
}

func TestConcurrentMembershipChanges(t *testing.T) {
	config := DefaultConfig()
	config.MaxRoomMembers = 0
	m := NewManager(config)

	const clients = 16
	const rooms = 4

	var wg sync.WaitGroup
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			s := m.NewSession(nil)
			_ = m.Register(s, fmt.Sprintf("c%d", i))

			for j := 0; j < 50; j++ {
				roomID := fmt.Sprintf("r%d", (i+j)%rooms)
				var frame string
				switch j % 4 {
				case 0:
					frame = fmt.Sprintf(`{"type":"create-room","roomId":%q,"offer":"O"}`, roomID)
				case 1:
					frame = fmt.Sprintf(`{"type":"join-room","roomId":%q,"answer":"A"}`, roomID)
				case 2:
					frame = fmt.Sprintf(`{"type":"ice-candidate","roomId":%q,"candidate":"c","isCreator":false}`, roomID)
				case 3:
					frame = fmt.Sprintf(`{"type":"leave-room","roomId":%q}`, roomID)
				}
				_ = s.handleMessage([]byte(frame))

				// Keep the queue drained so nothing is dropped.
				for len(s.send) > 0 {
					<-s.send
				}
			}

			if i%2 == 0 {
				m.Disconnect(s)
			}
		}(i)
	}
	wg.Wait()

	checkRegistries(t, m)

	m.lock.Lock()
	sessions := make([]*Session, 0, len(m.clients))
	for _, c := range m.clients {
		sessions = append(sessions, c.session)
	}
	m.lock.Unlock()

	for _, s := range sessions {
		m.Disconnect(s)
	}

	if got := m.Stats(); got.Clients != 0 || got.Rooms != 0 {
		t.Fatalf("stats=%+v, want empty registries after all disconnects", got)
	}
}
