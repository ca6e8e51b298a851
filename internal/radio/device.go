// Package radio defines the contract between the transport engine and
// the USB mesh companion device. The vendor driver lives behind the
// Device interface; the engine only sees typed commands, replies, and
// asynchronous events.
package radio

import (
	"context"
	"errors"
)

// ErrDeviceClosed indicates the device handle is no longer usable.
var ErrDeviceClosed = errors.New("radio device closed")

// ReplyType discriminates device reply frames.
type ReplyType uint8

const (
	// ReplyOK is a successful command reply.
	ReplyOK ReplyType = iota + 1

	// ReplyError is a failed command reply; Payload may carry detail.
	ReplyError
)

// Reply is the device's answer to one command.
type Reply struct {
	Type    ReplyType
	Payload map[string]any
}

// Failed reports whether the reply denotes failure. A nil reply counts
// as failure: the device went quiet.
func (r *Reply) Failed() bool {
	return r == nil || r.Type == ReplyError
}

// SendMsgReply is the typed reply to SendMsg.
type SendMsgReply struct {
	// ExpectedAck is the device-assigned acknowledgement code the remote
	// peer will echo back.
	ExpectedAck []byte
}

// ContactInfo is the device's view of one stored contact.
type ContactInfo struct {
	PublicKey string
	AdvName   string
	Type      string
	AdvLat    float64
	AdvLon    float64
}

// -------------------------------------------------------------------------
// Events
// -------------------------------------------------------------------------

// EventKind identifies an asynchronous device event.
type EventKind uint8

const (
	// EventContactMsgRecv is an inbound direct message from a peer.
	EventContactMsgRecv EventKind = iota + 1

	// EventAdvertisement is a peer presence broadcast.
	EventAdvertisement

	// EventNewContact is emitted when the device auto-adds a contact.
	EventNewContact

	// EventAck is an acknowledgement for a previously sent message.
	EventAck
)

// String returns the event kind name.
func (k EventKind) String() string {
	switch k {
	case EventContactMsgRecv:
		return "CONTACT_MSG_RECV"
	case EventAdvertisement:
		return "ADVERTISEMENT"
	case EventNewContact:
		return "NEW_CONTACT"
	case EventAck:
		return "ACK"
	default:
		return "UNKNOWN"
	}
}

// Event is one asynchronous device notification. Exactly the fields for
// its kind are populated.
type Event struct {
	Kind EventKind

	// PubKeyPrefix and Text are set for CONTACT_MSG_RECV.
	PubKeyPrefix string
	Text         string

	// PublicKey, Name, Lat, Lon and Raw are set for ADVERTISEMENT.
	PublicKey string
	Name      string
	NodeType  string
	Lat, Lon  float64
	Raw       string

	// AckCode is set for ACK.
	AckCode []byte
}

// EventHandler consumes device events. Handlers must not block; hand off
// to a goroutine or channel for slow work.
type EventHandler func(Event)

// -------------------------------------------------------------------------
// Device
// -------------------------------------------------------------------------

// Device is the mesh companion handle. All methods are safe for use from
// one goroutine at a time; the transport supervisor owns the handle
// exclusively.
type Device interface {
	// SetTime sets the device clock to unix seconds.
	SetTime(ctx context.Context, unixSecs int64) (*Reply, error)

	// SetRadio configures frequency (MHz), bandwidth (kHz), spreading
	// factor, and coding rate.
	SetRadio(ctx context.Context, freqMHz, bwKHz float64, sf, cr int) (*Reply, error)

	// SetTxPower sets transmit power in dBm.
	SetTxPower(ctx context.Context, dBm int) (*Reply, error)

	// SetName sets the advertised node name.
	SetName(ctx context.Context, name string) (*Reply, error)

	// SetMultiAcks toggles redundant ACK transmission.
	SetMultiAcks(ctx context.Context, on bool) (*Reply, error)

	// SetManualAddContacts toggles device-side contact auto-add.
	SetManualAddContacts(ctx context.Context, manual bool) (*Reply, error)

	// GetContacts enumerates stored contacts by public key prefix.
	GetContacts(ctx context.Context) ([]string, error)

	// GetContactByKeyPrefix fetches one contact's details.
	GetContactByKeyPrefix(ctx context.Context, prefix string) (*ContactInfo, error)

	// AddContact stores a contact from its raw advert blob.
	AddContact(ctx context.Context, rawAdvert string) (*Reply, error)

	// RemoveContact deletes a contact by full public key.
	RemoveContact(ctx context.Context, publicKey string) (*Reply, error)

	// SendAdvert broadcasts this node's presence.
	SendAdvert(ctx context.Context, flood bool) (*Reply, error)

	// SendMsg transmits one direct-message frame and returns the
	// acknowledgement code the peer will echo.
	SendMsg(ctx context.Context, nodeID, text string) (*SendMsgReply, error)

	// ExportPrivateKey returns the device identity key material.
	ExportPrivateKey(ctx context.Context) (*Reply, error)

	// SendDeviceQuery asks the device for its self-description.
	SendDeviceQuery(ctx context.Context) (*Reply, error)

	// EnsureContacts asks the device to reload its contact memory.
	EnsureContacts(ctx context.Context) error

	// Subscribe registers a handler for an event kind and returns an
	// unsubscribe func.
	Subscribe(kind EventKind, h EventHandler) (unsubscribe func())

	// StartAutoFetch begins the device's background message polling.
	StartAutoFetch(ctx context.Context) error

	// StopAutoFetch halts background polling.
	StopAutoFetch(ctx context.Context) error

	// Disconnect releases the serial handle. Safe to call twice.
	Disconnect() error
}

// RetrySender is the optional device capability for firmware-side retry.
// The protocol handler type-asserts for it and falls back to its own
// retry loop when absent.
type RetrySender interface {
	// SendMsgWithRetry transmits with device-managed retry and flood
	// escalation, returning the final acknowledgement code.
	SendMsgWithRetry(ctx context.Context, nodeID, text string, maxAttempts, maxFloodAttempts, floodAfter int, timeoutSecs float64) (*SendMsgReply, error)
}

// NodeIDLen is the operational node identifier length: the first 16 hex
// characters of the peer's public key.
const NodeIDLen = 16

// NodeIDFromKey derives the node id from a public key or key prefix.
func NodeIDFromKey(key string) string {
	if len(key) < NodeIDLen {
		return key
	}
	return key[:NodeIDLen]
}
