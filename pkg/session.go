package pkg

import (
	"errors"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

// Session is one live websocket connection. Frames from the connection are
// handled in arrival order by read; outbound envelopes are queued on send
// and written by write.
type Session struct {
	manager   *Manager
	uuid      uuid.UUID
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	readDone  chan struct{}
	closeOnce sync.Once

	// clientID is the id bound by register. Guarded by the manager lock.
	clientID string
}

// Close stops the writer and makes further sends no-ops. Safe to call more
// than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		RelaySessionsGauge.Dec()
	})
}

// enqueue never blocks: a full or closed session drops the envelope.
func (s *Session) enqueue(data []byte) {
	select {
	case <-s.done:
		RelayDroppedCounter.Inc()
		log.WithField("session", s.uuid).Warn("Dropping envelope for closed session")
		return
	default:
	}

	select {
	case s.send <- data:
	default:
		RelayDroppedCounter.Inc()
		log.WithField("session", s.uuid).Warn("Dropping envelope, send queue full")
	}
}

func (s *Session) sendError(err error) {
	message, ok := errorMessage(err)
	if !ok {
		log.WithField("session", s.uuid).Error("Failed to handle envelope: ", err)
		return
	}

	data, err := EncodeEnvelope(&Error{Message: message})
	if err != nil {
		log.Error("Failed to encode error envelope: ", err)
		return
	}

	s.enqueue(data)
}

var errInvalidUTF8 = errors.New("envelope is not valid UTF-8")

// handleMessage drops frames that are not valid UTF-8, so opaque payloads are
// never forwarded as invalid text.
func (s *Session) handleMessage(messageData []byte) error {
	if !utf8.Valid(messageData) {
		return errInvalidUTF8
	}

	envelope, err := DecodeEnvelope(messageData)
	if err != nil {
		return err
	}

	if _, ok := envelope.(*Unrecognized); ok {
		RelayEnvelopesCounter.WithLabelValues("unrecognized").Inc()
	} else {
		RelayEnvelopesCounter.WithLabelValues(string(envelope.EnvelopeType())).Inc()
	}

	log.WithFields(log.Fields{
		"session": s.uuid,
		"type":    envelope.EnvelopeType(),
	}).Debug("Received envelope")

	switch e := envelope.(type) {
	case *Register:
		err = s.manager.Register(s, e.ClientID)
	case *CreateRoom:
		err = s.manager.CreateRoom(s, e)
	case *GetRoomOffer:
		err = s.manager.GetRoomOffer(s, e)
	case *JoinRoom:
		err = s.manager.JoinRoom(s, e)
	case *IceCandidate:
		err = s.manager.RelayIceCandidate(s, e)
	case *LeaveRoom:
		err = s.manager.LeaveRoom(s, e)
	default:
		log.WithFields(log.Fields{
			"session": s.uuid,
			"type":    envelope.EnvelopeType(),
		}).Warn("Unhandled envelope type")
	}

	if err != nil {
		s.sendError(err)
	}

	return nil
}

func (s *Session) read() {
	defer close(s.readDone)
	defer s.Close()
	defer s.manager.Disconnect(s)
	defer func() {
		if r := recover(); r != nil {
			log.WithField("session", s.uuid).Error("Session handler panicked: ", r)
		}
	}()

	config := s.manager.config

	s.conn.SetReadLimit(config.MaxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(config.PongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(config.PongWait))
		return nil
	})

	for {
		messageType, message, err := s.conn.ReadMessage()
		if err != nil && websocket.IsUnexpectedCloseError(err,
			websocket.CloseNormalClosure,
			websocket.CloseGoingAway,
			websocket.CloseNoStatusReceived) {
			log.WithField("session", s.uuid).Warn("Failed to read message: ", err)
		}

		if err != nil {
			break
		}

		if messageType != websocket.TextMessage {
			log.WithField("session", s.uuid).Warn("Ignoring non-text frame")
			continue
		}

		err = s.handleMessage(message)
		if err != nil {
			log.WithField("session", s.uuid).Warn("Dropping malformed envelope: ", err)
		}
	}
}

func (s *Session) write() {
	config := s.manager.config
	ticker := time.NewTicker(config.PingPeriod())

	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case message := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(config.WriteWait))
			err := s.conn.WriteMessage(websocket.TextMessage, message)
			if err != nil {
				log.WithField("session", s.uuid).Error("Failed to write message: ", err)
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(config.WriteWait))
			err := s.conn.WriteMessage(websocket.PingMessage, nil)
			if err != nil {
				log.WithField("session", s.uuid).Error("Failed to write ping: ", err)
				return
			}

		case <-s.done:
			s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(config.WriteWait))
			return
		}
	}
}
