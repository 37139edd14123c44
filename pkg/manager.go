package pkg

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

// Manager owns the client and room registries. Every read-modify-write of
// either table happens under lock, so membership and room deletion are
// atomic with respect to concurrent joins, leaves and disconnects.
type Manager struct {
	lock     sync.Mutex
	config   Config
	clients  map[string]*Client
	rooms    map[string]*Room
	upgrader websocket.Upgrader
}

type Stats struct {
	Clients int `json:"clients"`
	Rooms   int `json:"rooms"`
}

func NewManager(config Config) *Manager {
	return &Manager{
		lock:    sync.Mutex{},
		config:  config.withDefaults(),
		clients: make(map[string]*Client),
		rooms:   make(map[string]*Room),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

func (m *Manager) NewSession(conn *websocket.Conn) *Session {
	s := &Session{
		manager:  m,
		uuid:     uuid.New(),
		conn:     conn,
		send:     make(chan []byte, m.config.SendQueueSize),
		done:     make(chan struct{}),
		readDone: make(chan struct{}),
	}

	RelaySessionsGauge.Inc()

	return s
}

func (m *Manager) Stats() Stats {
	m.lock.Lock()
	defer m.lock.Unlock()

	return Stats{Clients: len(m.clients), Rooms: len(m.rooms)}
}

// Register binds clientID to the session. An existing entry under the same
// id, or a previous id held by this session, is torn down first as if its
// connection had closed.
func (m *Manager) Register(s *Session, clientID string) error {
	if clientID == "" {
		return ErrMissingClientID
	}

	m.lock.Lock()
	defer m.lock.Unlock()

	if existing, ok := m.clients[clientID]; ok {
		if existing.session != s {
			log.WithFields(log.Fields{
				"client":   clientID,
				"session":  s.uuid,
				"replaced": existing.session.uuid,
			}).Warn("Client id registered by another session")
		}
		m.removeClientLocked(existing)
	}

	if s.clientID != "" {
		if previous, ok := m.clients[s.clientID]; ok && previous.session == s {
			m.removeClientLocked(previous)
		}
	}

	m.clients[clientID] = &Client{
		id:      clientID,
		session: s,
		rooms:   make(map[string]struct{}),
	}
	s.clientID = clientID

	RelayClientsGauge.Inc()

	return nil
}

func (m *Manager) CreateRoom(s *Session, envelope *CreateRoom) error {
	if envelope.RoomID == "" {
		return ErrMissingRoomID
	}

	m.lock.Lock()
	defer m.lock.Unlock()

	c, err := m.callerLocked(s, envelope.ClientID)
	if err != nil {
		return err
	}

	if previous, ok := m.rooms[envelope.RoomID]; ok {
		log.WithFields(log.Fields{
			"room":    envelope.RoomID,
			"creator": previous.creatorID,
		}).Warn("Overwriting existing room")

		for _, member := range previous.members {
			mc, ok := m.clients[member]
			if !ok {
				continue
			}
			delete(mc.rooms, envelope.RoomID)

			// A peer-left naming the recipient itself marks the eviction.
			if member != c.id {
				m.sendLocked(member, &PeerLeft{RoomID: envelope.RoomID, ClientID: member})
			}
		}
		RelayRoomsGauge.Dec()
	}

	m.rooms[envelope.RoomID] = &Room{
		id:        envelope.RoomID,
		creatorID: c.id,
		offer:     envelope.Offer,
		members:   []string{c.id},
	}
	c.rooms[envelope.RoomID] = struct{}{}

	RelayRoomsGauge.Inc()

	log.WithFields(log.Fields{
		"room":   envelope.RoomID,
		"client": c.id,
	}).Info("Room created")

	m.sendLocked(c.id, &RoomCreated{RoomID: envelope.RoomID})

	return nil
}

func (m *Manager) GetRoomOffer(s *Session, envelope *GetRoomOffer) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	c, err := m.callerLocked(s, envelope.ClientID)
	if err != nil {
		return err
	}

	room, ok := m.rooms[envelope.RoomID]
	if !ok {
		return ErrRoomNotFound
	}

	m.sendLocked(c.id, &RoomOffer{RoomID: room.id, Offer: room.offer})

	return nil
}

func (m *Manager) JoinRoom(s *Session, envelope *JoinRoom) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	c, err := m.callerLocked(s, envelope.ClientID)
	if err != nil {
		return err
	}

	room, ok := m.rooms[envelope.RoomID]
	if !ok {
		return ErrRoomNotFound
	}

	if !room.hasMember(c.id) {
		if m.config.MaxRoomMembers > 0 &&
			len(room.members) >= m.config.MaxRoomMembers {
			return ErrRoomFull
		}
		room.members = append(room.members, c.id)
	}

	room.answer = envelope.Answer
	c.rooms[room.id] = struct{}{}

	log.WithFields(log.Fields{
		"room":   room.id,
		"client": c.id,
	}).Info("Client joined room")

	m.sendLocked(room.creatorID, &RoomAnswer{RoomID: room.id, Answer: room.answer})
	m.sendLocked(c.id, &RoomJoined{RoomID: room.id})

	return nil
}

// RelayIceCandidate forwards the candidate to every other member of the room.
// Candidates from non-members and for unknown rooms are dropped.
func (m *Manager) RelayIceCandidate(s *Session, envelope *IceCandidate) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	c, err := m.callerLocked(s, envelope.ClientID)
	if err != nil {
		return err
	}

	logFields := log.Fields{
		"room":   envelope.RoomID,
		"client": c.id,
	}

	room, ok := m.rooms[envelope.RoomID]
	if !ok {
		log.WithFields(logFields).Debug("Dropping candidate for unknown room")
		return nil
	}

	if !room.hasMember(c.id) {
		log.WithFields(logFields).Warn("Dropping candidate from non-member")
		return nil
	}

	m.broadcastLocked(room, &IceCandidate{
		RoomID:    room.id,
		Candidate: envelope.Candidate,
		IsCreator: envelope.IsCreator,
	}, c.id)

	return nil
}

func (m *Manager) LeaveRoom(s *Session, envelope *LeaveRoom) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	c, err := m.callerLocked(s, envelope.ClientID)
	if err != nil {
		return err
	}

	m.leaveRoomLocked(c, envelope.RoomID)

	return nil
}

// Disconnect leaves every room the session's client belongs to and drops the
// client entry. Sessions that never registered, or whose id was taken over,
// are a no-op.
func (m *Manager) Disconnect(s *Session) {
	m.lock.Lock()
	defer m.lock.Unlock()

	if s.clientID == "" {
		return
	}

	c, ok := m.clients[s.clientID]
	if !ok || c.session != s {
		s.clientID = ""
		return
	}

	m.removeClientLocked(c)
}

func (m *Manager) callerLocked(s *Session, claimed string) (*Client, error) {
	if s.clientID == "" {
		return nil, ErrNotRegistered
	}

	if claimed != "" && claimed != s.clientID {
		return nil, ErrClientMismatch
	}

	c, ok := m.clients[s.clientID]
	if !ok || c.session != s {
		return nil, ErrNotRegistered
	}

	return c, nil
}

func (m *Manager) leaveRoomLocked(c *Client, roomID string) {
	delete(c.rooms, roomID)

	room, ok := m.rooms[roomID]
	if !ok {
		return
	}

	if !room.removeMember(c.id) {
		return
	}

	logFields := log.Fields{
		"room":   roomID,
		"client": c.id,
	}

	log.WithFields(logFields).Info("Client left room")

	if len(room.members) == 0 {
		delete(m.rooms, roomID)
		RelayRoomsGauge.Dec()
		log.WithFields(logFields).Info("Room deleted (empty)")
		return
	}

	m.broadcastLocked(room, &PeerLeft{RoomID: roomID, ClientID: c.id}, c.id)
}

func (m *Manager) removeClientLocked(c *Client) {
	for _, roomID := range c.roomIDs() {
		m.leaveRoomLocked(c, roomID)
	}

	if current, ok := m.clients[c.id]; ok && current == c {
		delete(m.clients, c.id)
		RelayClientsGauge.Dec()
	}

	if c.session.clientID == c.id {
		c.session.clientID = ""
	}
}

func (m *Manager) sendLocked(clientID string, envelope Envelope) {
	c, ok := m.clients[clientID]
	if !ok {
		log.WithFields(log.Fields{
			"client": clientID,
			"type":   envelope.EnvelopeType(),
		}).Warn("Client not found or not connected")
		return
	}

	data, err := EncodeEnvelope(envelope)
	if err != nil {
		log.Error("Failed to encode envelope: ", err)
		return
	}

	c.session.enqueue(data)
}

func (m *Manager) broadcastLocked(room *Room, envelope Envelope, exclude string) {
	data, err := EncodeEnvelope(envelope)
	if err != nil {
		log.Error("Failed to encode envelope: ", err)
		return
	}

	for _, member := range room.members {
		if member == exclude {
			continue
		}

		c, ok := m.clients[member]
		if !ok {
			log.WithFields(log.Fields{
				"client": member,
				"room":   room.id,
			}).Warn("Room member not connected")
			continue
		}

		c.session.enqueue(data)
	}
}

// Router serves the signaling socket on / and /api/v1/socket.
func (m *Manager) Router() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/api/v1/health", m.HealthHandler)
	router.HandleFunc("/api/v1/socket", m.SocketHandler)
	router.HandleFunc("/", m.SocketHandler)
	return router
}

func (m *Manager) HealthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	if err := json.NewEncoder(w).Encode(m.Stats()); err != nil {
		log.Error("Failed to write health response: ", err)
	}
}

func (m *Manager) SocketHandler(w http.ResponseWriter, r *http.Request) {
	// Set the response headers
	w.Header().Set("Cache-Control", "no-cache")

	// Upgrade the connection to a websocket connection
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error("Failed to upgrade connection: ", err)
		return
	}

	defer conn.Close()

	session := m.NewSession(conn)
	defer session.Close()

	logFields := log.Fields{
		"session": session.uuid,
		"remote":  conn.RemoteAddr().String(),
	}

	// Log that we have a new session
	log.WithFields(logFields).Info("New session")

	// Start reading messages from the connection
	go session.read()

	// Write messages to the connection until either pump stops
	session.write()

	// Wait for the reader so cleanup sees every frame it handled
	<-session.readDone

	log.WithFields(logFields).Info("Closed session")
}
