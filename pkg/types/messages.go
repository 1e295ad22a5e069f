package types

import (
	"encoding/json"
	"time"
)

// Client -> Server
//   joinGame      "roomId"
//   leaveGame     (no payload)
//   makeMove      {roomId, move: {from, to, promotion}}
//   resetGame     "roomId"
//   joinChat      "identity"
//   sendMessage   {sender, receiver, text}
//   invitePlayer  {fromUser, toUser}
//   callOffer | callAnswer | callCandidate | callClose   {to, payload}
//
// Server -> Client
//   assignColor    "w" | "b" | "observer"
//   roomFull       "roomId"
//   gameState      {position, turn, outcome?}
//   moveRejected   {code, message}
//   checkAlert     "text"
//   gameOver       {message, winner}
//   updateUsers    ["identity", ...]
//   receiveMessage {sender, receiver, text, sentAt}
//   invitePlayer   {fromUser, toUser}
//   callOffer | callAnswer | callCandidate | callClose   {from, to, payload}
//   callFailed     {to, reason}
//   error          {code, message}

const (
	EventJoinGame       = "joinGame"
	EventLeaveGame      = "leaveGame"
	EventAssignColor    = "assignColor"
	EventRoomFull       = "roomFull"
	EventMakeMove       = "makeMove"
	EventResetGame      = "resetGame"
	EventMoveRejected   = "moveRejected"
	EventGameState      = "gameState"
	EventCheckAlert     = "checkAlert"
	EventGameOver       = "gameOver"
	EventJoinChat       = "joinChat"
	EventUpdateUsers    = "updateUsers"
	EventSendMessage    = "sendMessage"
	EventReceiveMessage = "receiveMessage"
	EventInvitePlayer   = "invitePlayer"
	EventCallOffer      = "callOffer"
	EventCallAnswer     = "callAnswer"
	EventCallCandidate  = "callCandidate"
	EventCallClose      = "callClose"
	EventCallFailed     = "callFailed"
	EventError          = "error"
)

// Role strings as they travel in assignColor and gameState.
const (
	RoleWhite    = "w"
	RoleBlack    = "b"
	RoleObserver = "observer"
)

// Error codes carried by moveRejected and error.
const (
	CodeBadRequest   = "badRequest"
	CodeUnknownEvent = "unknownEvent"
	CodeNotInRoom    = "notInRoom"
	CodeNotAnnounced = "notAnnounced"
	CodeWrongTurn    = "wrongTurn"
	CodeIllegalMove  = "illegalMove"
	CodeGameOver     = "gameOver"
	CodeNotSeated    = "notSeated"
	CodeUserOffline  = "userOffline"
)

// Envelope is the single frame shape on the wire.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals payload once so every recipient gets identical bytes.
func NewEnvelope(event string, payload any) (Envelope, error) {
	if payload == nil {
		return Envelope{Event: event}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Event: event, Data: data}, nil
}

// MustEnvelope is NewEnvelope for payloads that cannot fail to marshal
// (strings, slices of strings and the structs in this package).
func MustEnvelope(event string, payload any) Envelope {
	env, err := NewEnvelope(event, payload)
	if err != nil {
		panic(err)
	}
	return env
}

// Decode unmarshals the envelope payload into v.
func (e Envelope) Decode(v any) error {
	return json.Unmarshal(e.Data, v)
}

type Move struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Promotion string `json:"promotion,omitempty"`
}

type MakeMove struct {
	RoomID string `json:"roomId"`
	Move   Move   `json:"move"`
}

type Rejection struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ChatMessage struct {
	Sender   string    `json:"sender"`
	Receiver string    `json:"receiver"`
	Text     string    `json:"text"`
	SentAt   time.Time `json:"sentAt,omitzero"`
}

type Invite struct {
	FromUser string `json:"fromUser"`
	ToUser   string `json:"toUser"`
}

// Signal carries an opaque negotiation blob between two identities. From is
// filled in by the relay; whatever the client sends there is ignored.
type Signal struct {
	From    string          `json:"from,omitempty"`
	To      string          `json:"to"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type CallFailed struct {
	To     string `json:"to"`
	Reason string `json:"reason"`
}
