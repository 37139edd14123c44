package pkg

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Envelope is one JSON message exchanged over the signaling socket. The set
// of implementations is closed; anything else decodes to Unrecognized.
type Envelope interface {
	EnvelopeType() EnvelopeType
}

type Register struct {
	ClientID string `json:"clientId"`
}

type CreateRoom struct {
	RoomID   string          `json:"roomId"`
	ClientID string          `json:"clientId,omitempty"`
	Offer    json.RawMessage `json:"offer"`
}

type GetRoomOffer struct {
	RoomID   string `json:"roomId"`
	ClientID string `json:"clientId,omitempty"`
}

type JoinRoom struct {
	RoomID   string          `json:"roomId"`
	ClientID string          `json:"clientId,omitempty"`
	Answer   json.RawMessage `json:"answer"`
}

// IceCandidate travels in both directions. The relay strips ClientID before
// forwarding.
type IceCandidate struct {
	RoomID    string          `json:"roomId"`
	ClientID  string          `json:"clientId,omitempty"`
	Candidate json.RawMessage `json:"candidate"`
	IsCreator bool            `json:"isCreator"`
}

type LeaveRoom struct {
	RoomID   string `json:"roomId"`
	ClientID string `json:"clientId,omitempty"`
}

type RoomCreated struct {
	RoomID string `json:"roomId"`
}

type RoomOffer struct {
	RoomID string          `json:"roomId"`
	Offer  json.RawMessage `json:"offer"`
}

type RoomAnswer struct {
	RoomID string          `json:"roomId"`
	Answer json.RawMessage `json:"answer"`
}

type RoomJoined struct {
	RoomID string `json:"roomId"`
}

type PeerLeft struct {
	RoomID   string `json:"roomId"`
	ClientID string `json:"clientId"`
}

type Error struct {
	Message string `json:"message"`
}

// Unrecognized carries the type of an envelope nobody knows how to handle.
type Unrecognized struct {
	Type EnvelopeType `json:"-"`
}

func (*Register) EnvelopeType() EnvelopeType     { return EnvelopeTypeRegister }
func (*CreateRoom) EnvelopeType() EnvelopeType   { return EnvelopeTypeCreateRoom }
func (*GetRoomOffer) EnvelopeType() EnvelopeType { return EnvelopeTypeGetRoomOffer }
func (*JoinRoom) EnvelopeType() EnvelopeType     { return EnvelopeTypeJoinRoom }
func (*IceCandidate) EnvelopeType() EnvelopeType { return EnvelopeTypeIceCandidate }
func (*LeaveRoom) EnvelopeType() EnvelopeType    { return EnvelopeTypeLeaveRoom }
func (*RoomCreated) EnvelopeType() EnvelopeType  { return EnvelopeTypeRoomCreated }
func (*RoomOffer) EnvelopeType() EnvelopeType    { return EnvelopeTypeRoomOffer }
func (*RoomAnswer) EnvelopeType() EnvelopeType   { return EnvelopeTypeRoomAnswer }
func (*RoomJoined) EnvelopeType() EnvelopeType   { return EnvelopeTypeRoomJoined }
func (*PeerLeft) EnvelopeType() EnvelopeType     { return EnvelopeTypePeerLeft }
func (*Error) EnvelopeType() EnvelopeType        { return EnvelopeTypeError }
func (u *Unrecognized) EnvelopeType() EnvelopeType {
	return u.Type
}

var envelopeVariants = map[EnvelopeType]func() Envelope{
	EnvelopeTypeRegister:     func() Envelope { return &Register{} },
	EnvelopeTypeCreateRoom:   func() Envelope { return &CreateRoom{} },
	EnvelopeTypeGetRoomOffer: func() Envelope { return &GetRoomOffer{} },
	EnvelopeTypeJoinRoom:     func() Envelope { return &JoinRoom{} },
	EnvelopeTypeIceCandidate: func() Envelope { return &IceCandidate{} },
	EnvelopeTypeLeaveRoom:    func() Envelope { return &LeaveRoom{} },
	EnvelopeTypeRoomCreated:  func() Envelope { return &RoomCreated{} },
	EnvelopeTypeRoomOffer:    func() Envelope { return &RoomOffer{} },
	EnvelopeTypeRoomAnswer:   func() Envelope { return &RoomAnswer{} },
	EnvelopeTypeRoomJoined:   func() Envelope { return &RoomJoined{} },
	EnvelopeTypePeerLeft:     func() Envelope { return &PeerLeft{} },
	EnvelopeTypeError:        func() Envelope { return &Error{} },
}

type envelopeHeader struct {
	Type EnvelopeType `json:"type"`
}

// DecodeEnvelope reads the type discriminator first and then decodes the
// matching variant.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var header envelopeHeader
	if err := json.Unmarshal(data, &header); err != nil {
		return nil, fmt.Errorf("failed to decode envelope: %w", err)
	}

	if header.Type == "" {
		return nil, fmt.Errorf("envelope has no type")
	}

	newVariant, ok := envelopeVariants[header.Type]
	if !ok {
		return &Unrecognized{Type: header.Type}, nil
	}

	envelope := newVariant()
	if err := json.Unmarshal(data, envelope); err != nil {
		return nil, fmt.Errorf("failed to decode %s envelope: %w", header.Type, err)
	}

	return envelope, nil
}

// EncodeEnvelope writes the variant's fields with its type prepended.
func EncodeEnvelope(envelope Envelope) ([]byte, error) {
	if _, ok := envelope.(*Unrecognized); ok {
		return nil, fmt.Errorf("cannot encode unrecognized envelope %q",
			envelope.EnvelopeType())
	}

	body, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s envelope: %w",
			envelope.EnvelopeType(), err)
	}

	typeField, err := json.Marshal(envelope.EnvelopeType())
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.WriteString(`{"type":`)
	buf.Write(typeField)
	if len(body) > 2 {
		buf.WriteByte(',')
		buf.Write(body[1:])
	} else {
		buf.WriteByte('}')
	}

	return buf.Bytes(), nil
}
