package protocol

import (
	"fmt"
)

type MessageType int

const (
	MessageTypeAuth         MessageType = 1
	MessageTypeDelta        MessageType = 2
	MessageTypeAware        MessageType = 3
	MessageTypeChange       MessageType = 4
	MessageTypeConfirmDelta MessageType = 5
	MessageTypePeers        MessageType = 6
	MessageTypeError        MessageType = 7
	// side channel, out of band from the delta stream
	MessageTypeInitialViewport MessageType = 100
)

func (self MessageType) String() string {
	switch self {
	case MessageTypeAuth:
		return "auth"
	case MessageTypeDelta:
		return "delta"
	case MessageTypeAware:
		return "aware"
	case MessageTypeChange:
		return "change"
	case MessageTypeConfirmDelta:
		return "confirmDelta"
	case MessageTypePeers:
		return "peers"
	case MessageTypeError:
		return "error"
	case MessageTypeInitialViewport:
		return "initialViewport"
	default:
		return fmt.Sprintf("unknown(%d)", int(self))
	}
}

type Message interface {
	MessageType() MessageType
}

// first frame after the socket opens
type AuthMessage struct {
	Token string
}

// client -> server
type DeltaMessage struct {
	Delta Delta
}

// client -> server awareness touch
type AwareMessage struct {
	Aware Aware
}

// server -> client broadcast. The originator receives its own ops here too.
type ChangeMessage struct {
	Change Change
}

type ConfirmDeltaMessage struct {
	DeltaTs string
}

// server -> client, the full awareness set of the map
type PeersMessage struct {
	Peers []Aware
}

type ErrorMessage struct {
	Code        ErrorCode
	Description string
}

type InitialViewportMessage struct {
	Viewport Viewport
}

// a frame with a type this client does not know. Ignored by the client.
type UnknownMessage struct {
	Variant MessageType
}

func (self *AuthMessage) MessageType() MessageType            { return MessageTypeAuth }
func (self *DeltaMessage) MessageType() MessageType           { return MessageTypeDelta }
func (self *AwareMessage) MessageType() MessageType           { return MessageTypeAware }
func (self *ChangeMessage) MessageType() MessageType          { return MessageTypeChange }
func (self *ConfirmDeltaMessage) MessageType() MessageType    { return MessageTypeConfirmDelta }
func (self *PeersMessage) MessageType() MessageType           { return MessageTypePeers }
func (self *ErrorMessage) MessageType() MessageType           { return MessageTypeError }
func (self *InitialViewportMessage) MessageType() MessageType { return MessageTypeInitialViewport }
func (self *UnknownMessage) MessageType() MessageType         { return self.Variant }
