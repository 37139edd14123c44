package pkg

import "errors"

var (
	ErrRoomNotFound    = errors.New("room not found")
	ErrRoomFull        = errors.New("room is full")
	ErrNotRegistered   = errors.New("client not registered")
	ErrClientMismatch  = errors.New("client id does not match registration")
	ErrMissingClientID = errors.New("missing client id")
	ErrMissingRoomID   = errors.New("missing room id")
)

// errorMessages holds the text sent to peers in error envelopes.
var errorMessages = map[error]string{
	ErrRoomNotFound:    "Room not found",
	ErrRoomFull:        "Room is full",
	ErrNotRegistered:   "Client not registered",
	ErrClientMismatch:  "Client ID does not match registration",
	ErrMissingClientID: "Missing clientId",
	ErrMissingRoomID:   "Missing roomId",
}

func errorMessage(err error) (string, bool) {
	for sentinel, message := range errorMessages {
		if errors.Is(err, sentinel) {
			return message, true
		}
	}
	return "", false
}
