package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mtaylor91/signal-relay/pkg"
	log "github.com/sirupsen/logrus"
)

var ErrClosed = errors.New("connection closed")

// RelayError is an error envelope returned by the relay for a request.
type RelayError struct {
	Message string
}

func (e *RelayError) Error() string {
	return "relay error: " + e.Message
}

type purpose int

const (
	purposeAnswer purpose = iota
	purposeCandidate
	purposePeerLeft
)

// subscription scopes a listener to one room and one kind of envelope, so an
// answer listener never replaces a candidate listener for the same room.
type subscription struct {
	roomID  string
	purpose purpose
}

type pendingRequest struct {
	roomID string
	want   pkg.EnvelopeType
	result chan requestResult
}

type requestResult struct {
	envelope pkg.Envelope
	err      error
}

// Client is a signaling peer connected to the relay.
//
// Listeners run on a dedicated goroutine in arrival order, never on the
// reader, so they may issue requests themselves.
//
// Relay error envelopes carry no room id. Each one is delivered to the
// request pending when it arrives, including errors caused by an earlier
// SendIceCandidate or LeaveRoom.
type Client struct {
	id        string
	conn      *websocket.Conn
	writeLock sync.Mutex

	// requestLock serializes request/response exchanges. Error envelopes
	// carry no room id, so only one request may be outstanding.
	requestLock sync.Mutex

	lock     sync.Mutex
	handlers map[subscription]func(pkg.Envelope)
	pending  *pendingRequest
	events   chan func()

	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to the relay at url and registers as clientID. An empty
// clientID is replaced by a random UUID.
func Dial(ctx context.Context, url string, clientID string) (*Client, error) {
	if clientID == "" {
		clientID = uuid.NewString()
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial relay: %w", err)
	}

	c := &Client{
		id:       clientID,
		conn:     conn,
		handlers: make(map[subscription]func(pkg.Envelope)),
		events:   make(chan func(), 256),
		done:     make(chan struct{}),
	}

	if err := c.write(&pkg.Register{ClientID: clientID}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to register: %w", err)
	}

	go c.read()
	go c.runEvents()

	return c, nil
}

func (c *Client) ID() string {
	return c.id
}

// Done is closed once the connection to the relay is gone.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// CreateRoom creates a room holding offer and waits for the relay to
// confirm it. An empty roomID is replaced by a random UUID.
func (c *Client) CreateRoom(
	ctx context.Context,
	roomID string,
	offer json.RawMessage,
) (string, error) {
	if roomID == "" {
		roomID = uuid.NewString()
	}

	_, err := c.request(ctx, roomID, pkg.EnvelopeTypeRoomCreated, &pkg.CreateRoom{
		RoomID:   roomID,
		ClientID: c.id,
		Offer:    offer,
	})
	if err != nil {
		return "", err
	}

	return roomID, nil
}

func (c *Client) GetRoomOffer(ctx context.Context, roomID string) (json.RawMessage, error) {
	envelope, err := c.request(ctx, roomID, pkg.EnvelopeTypeRoomOffer, &pkg.GetRoomOffer{
		RoomID:   roomID,
		ClientID: c.id,
	})
	if err != nil {
		return nil, err
	}

	return envelope.(*pkg.RoomOffer).Offer, nil
}

func (c *Client) JoinRoom(ctx context.Context, roomID string, answer json.RawMessage) error {
	_, err := c.request(ctx, roomID, pkg.EnvelopeTypeRoomJoined, &pkg.JoinRoom{
		RoomID:   roomID,
		ClientID: c.id,
		Answer:   answer,
	})
	return err
}

func (c *Client) SendIceCandidate(roomID string, candidate json.RawMessage, isCreator bool) error {
	return c.write(&pkg.IceCandidate{
		RoomID:    roomID,
		ClientID:  c.id,
		Candidate: candidate,
		IsCreator: isCreator,
	})
}

// LeaveRoom drops every listener for the room and tells the relay.
func (c *Client) LeaveRoom(roomID string) error {
	c.lock.Lock()
	for sub := range c.handlers {
		if sub.roomID == roomID {
			delete(c.handlers, sub)
		}
	}
	c.lock.Unlock()

	return c.write(&pkg.LeaveRoom{RoomID: roomID, ClientID: c.id})
}

func (c *Client) OnRoomAnswer(roomID string, callback func(answer json.RawMessage)) {
	c.subscribe(subscription{roomID, purposeAnswer}, func(e pkg.Envelope) {
		callback(e.(*pkg.RoomAnswer).Answer)
	})
}

func (c *Client) OnIceCandidate(
	roomID string,
	callback func(candidate json.RawMessage, isCreator bool),
) {
	c.subscribe(subscription{roomID, purposeCandidate}, func(e pkg.Envelope) {
		candidate := e.(*pkg.IceCandidate)
		callback(candidate.Candidate, candidate.IsCreator)
	})
}

func (c *Client) OnPeerLeft(roomID string, callback func(clientID string)) {
	c.subscribe(subscription{roomID, purposePeerLeft}, func(e pkg.Envelope) {
		callback(e.(*pkg.PeerLeft).ClientID)
	})
}

func (c *Client) Close() error {
	c.writeLock.Lock()
	err := c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeLock.Unlock()

	c.shutdown()

	if closeErr := c.conn.Close(); err == nil {
		err = closeErr
	}

	return err
}

func (c *Client) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

func (c *Client) subscribe(sub subscription, handler func(pkg.Envelope)) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.handlers[sub] = handler
}

func (c *Client) request(
	ctx context.Context,
	roomID string,
	want pkg.EnvelopeType,
	envelope pkg.Envelope,
) (pkg.Envelope, error) {
	c.requestLock.Lock()
	defer c.requestLock.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	pending := &pendingRequest{
		roomID: roomID,
		want:   want,
		result: make(chan requestResult, 1),
	}

	c.lock.Lock()
	c.pending = pending
	c.lock.Unlock()

	defer func() {
		c.lock.Lock()
		if c.pending == pending {
			c.pending = nil
		}
		c.lock.Unlock()
	}()

	if err := c.write(envelope); err != nil {
		return nil, err
	}

	select {
	case result := <-pending.result:
		return result.envelope, result.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClosed
	}
}

func (c *Client) write(envelope pkg.Envelope) error {
	data, err := pkg.EncodeEnvelope(envelope)
	if err != nil {
		return err
	}

	c.writeLock.Lock()
	defer c.writeLock.Unlock()

	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to write %s: %w", envelope.EnvelopeType(), err)
	}

	return nil
}

func (c *Client) read() {
	defer c.shutdown()

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway) {
				log.WithField("client", c.id).Warn("Failed to read message: ", err)
			}
			return
		}

		envelope, err := pkg.DecodeEnvelope(message)
		if err != nil {
			log.WithField("client", c.id).Warn("Dropping malformed envelope: ", err)
			continue
		}

		c.dispatch(envelope)
	}
}

func (c *Client) dispatch(envelope pkg.Envelope) {
	var (
		roomID string
		sub    *subscription
	)

	switch e := envelope.(type) {
	case *pkg.Error:
		c.resolve(func(p *pendingRequest) bool { return true },
			requestResult{err: &RelayError{Message: e.Message}})
		return
	case *pkg.RoomCreated:
		roomID = e.RoomID
	case *pkg.RoomOffer:
		roomID = e.RoomID
	case *pkg.RoomJoined:
		roomID = e.RoomID
	case *pkg.RoomAnswer:
		sub = &subscription{e.RoomID, purposeAnswer}
	case *pkg.IceCandidate:
		sub = &subscription{e.RoomID, purposeCandidate}
	case *pkg.PeerLeft:
		sub = &subscription{e.RoomID, purposePeerLeft}
	default:
		log.WithFields(log.Fields{
			"client": c.id,
			"type":   envelope.EnvelopeType(),
		}).Warn("Unhandled envelope type")
		return
	}

	if sub == nil {
		c.resolve(func(p *pendingRequest) bool {
			return p.roomID == roomID && p.want == envelope.EnvelopeType()
		}, requestResult{envelope: envelope})
		return
	}

	c.lock.Lock()
	handler := c.handlers[*sub]
	c.lock.Unlock()

	if handler == nil {
		log.WithFields(log.Fields{
			"client": c.id,
			"room":   sub.roomID,
			"type":   envelope.EnvelopeType(),
		}).Debug("No listener for envelope")
		return
	}

	select {
	case c.events <- func() { handler(envelope) }:
	case <-c.done:
	}
}

func (c *Client) runEvents() {
	for {
		select {
		case event := <-c.events:
			event()
		case <-c.done:
			return
		}
	}
}

func (c *Client) resolve(match func(*pendingRequest) bool, result requestResult) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.pending == nil || !match(c.pending) {
		log.WithField("client", c.id).Debug("No pending request for response")
		return
	}

	c.pending.result <- result
	c.pending = nil
}
