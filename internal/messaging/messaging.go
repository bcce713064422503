// Package messaging is the contract between the session layer and a live
// messaging client. Implementations push lifecycle and message events
// through the Emitter they are constructed with, in the order they happen.
package messaging

import (
	"context"
	"time"
)

type EventKind string

const (
	EventPairingCode  EventKind = "pairing_code"
	EventReady        EventKind = "ready"
	EventDisconnected EventKind = "disconnected"
	EventAuthFailure  EventKind = "auth_failure"
	EventMessage      EventKind = "message"
)

type Event struct {
	Kind EventKind
	// Code is the raw pairing code of an EventPairingCode.
	Code string
	// Identity is the linked account address of an EventReady.
	Identity string
	// Device identifies the linked device so it can be resumed later.
	Device string
	// Reason explains EventDisconnected and EventAuthFailure.
	Reason  string
	Message *InboundMessage
}

// InboundMessage is a received message. Addresses are network addresses.
type InboundMessage struct {
	ID        string
	Chat      string
	From      string
	To        string
	Body      string
	HasMedia  bool
	MediaMime string
	FileName  string
	// Download fetches the attachment when HasMedia is set.
	Download  func(ctx context.Context) ([]byte, error)
	Timestamp time.Time
}

// Content is an outbound message: either text or a media reference.
// MediaRef is a data URL or an http(s) URL.
type Content struct {
	Text      string
	MediaRef  string
	MediaMime string
	FileName  string
}

func (c Content) IsMedia() bool {
	return c.MediaRef != ""
}

type Emitter func(Event)

type Options struct {
	SessionID int64
	// DeviceJID resumes a previously linked device when set.
	DeviceJID string
}

// Client is one live connection to the messaging network.
type Client interface {
	// Initialize starts connecting. Progress is reported through events.
	Initialize(ctx context.Context) error

	// Send dispatches content to address and returns the network id.
	Send(ctx context.Context, address string, content Content) (string, error)

	// Destroy disconnects and frees the client. It is safe to call twice.
	Destroy()
}

type Factory interface {
	NewClient(ctx context.Context, opts Options, emit Emitter) (Client, error)
}
