package pkg

type EnvelopeType string

// Client to relay.
const (
	EnvelopeTypeRegister     EnvelopeType = "register"
	EnvelopeTypeCreateRoom   EnvelopeType = "create-room"
	EnvelopeTypeGetRoomOffer EnvelopeType = "get-room-offer"
	EnvelopeTypeJoinRoom     EnvelopeType = "join-room"
	EnvelopeTypeIceCandidate EnvelopeType = "ice-candidate"
	EnvelopeTypeLeaveRoom    EnvelopeType = "leave-room"
)

// Relay to client. ice-candidate is shared with the inbound direction.
const (
	EnvelopeTypeRoomCreated EnvelopeType = "room-created"
	EnvelopeTypeRoomOffer   EnvelopeType = "room-offer"
	EnvelopeTypeRoomAnswer  EnvelopeType = "room-answer"
	EnvelopeTypeRoomJoined  EnvelopeType = "room-joined"
	EnvelopeTypePeerLeft    EnvelopeType = "peer-left"
	EnvelopeTypeError       EnvelopeType = "error"
)
