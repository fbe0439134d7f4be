// Package codec implements the wire decoders for every vendor protocol
// trackcore's gateway accepts, plus the matching command/ack encoders.
// A codec never owns the connection buffer — it is handed whatever bytes
// have accumulated so far and reports how many of them it consumed;
// the gateway is responsible for buffer growth, resync and disconnect
// decisions when a codec signals it needs more data than it will ever
// receive.
package codec

import (
	"errors"
	"fmt"
	"sync"

	"trackcore/internal/domain"
)

// ErrUnrecognized is the error codecs share for bytes that could never
// form a valid frame. "Need more bytes" is not an error: decoders signal
// it by returning a nil frame and consumed == 0 with a nil error.
var ErrUnrecognized = errors.New("codec: unrecognized frame")

// Frame is what a Decoder extracts from one logical device transmission.
// Not every field is populated for every event — a heartbeat frame has no
// Position, a login frame has only IMEI and Ack.
type Frame struct {
	Event          string // "login", "heartbeat", "" (position/status report)
	IMEI           string
	Position       *domain.Position
	ExtraPositions []*domain.Position
	Sensors        map[string]any // set on frames that carry telemetry but no fix (e.g. H02 NBR/LINK)
	Ack            []byte         // bytes to write back to the device, nil if none
}

// Decoder is implemented once per wire protocol. Decode is called
// repeatedly against the connection's accumulated read buffer: it must
// return promptly with consumed == 0 when the buffer doesn't yet hold a
// complete frame, and must never block or retain buf beyond the call.
type Decoder interface {
	// Decode attempts to parse one frame from the head of buf. It returns
	// the parsed frame (nil if the frame carried nothing of interest, e.g.
	// an ack-only heartbeat with no data to expose upstream) and the
	// number of bytes consumed. consumed == 0 means "wait for more data".
	// A non-nil error means buf's head can never be valid and the caller
	// should drop leading bytes to resynchronize.
	Decode(buf []byte, knownIMEI string) (*Frame, int, error)

	// EncodeCommand renders a downstream command for this protocol.
	// Returns an error if the protocol doesn't support commanding at all,
	// or the command type is unknown to it.
	EncodeCommand(commandType string, params map[string]string) ([]byte, error)

	// SupportsCommands reports whether EncodeCommand can ever succeed for
	// this protocol (OsmAnd, for instance, never can).
	SupportsCommands() bool

	// RejectAck renders the bytes to write back, if any, when the gateway
	// declines a login because the identifier is unknown, the device is
	// inactive, or it dialed the wrong protocol's port. A nil return means
	// the wire format has no formal decline frame — the gateway just
	// closes the connection without writing anything.
	RejectAck() []byte
}

// Registry resolves a configured protocol name to its Decoder. It is
// built once at startup from the fixed set of protocols this package
// implements — there is no dynamic plugin loading.
type Registry struct {
	mu       sync.RWMutex
	decoders map[domain.Protocol]Decoder
}

// NewRegistry returns a Registry pre-populated with every protocol this
// package implements.
func NewRegistry() *Registry {
	r := &Registry{decoders: make(map[domain.Protocol]Decoder)}
	r.Register(domain.ProtocolTeltonika, NewTeltonikaDecoder())
	r.Register(domain.ProtocolGT06, NewGT06Decoder())
	r.Register(domain.ProtocolH02, NewH02Decoder())
	r.Register(domain.ProtocolOsmAnd, NewOsmAndDecoder())
	r.Register(domain.ProtocolTK103, NewTK103Decoder())
	r.Register(domain.ProtocolQueclink, NewQueclinkDecoder())
	r.Register(domain.ProtocolFlespi, NewFlespiDecoder())
	r.Register(domain.ProtocolTotem, NewTotemDecoder())
	return r
}

// Register adds or replaces the decoder for a protocol name.
func (r *Registry) Register(protocol domain.Protocol, d Decoder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decoders[protocol] = d
}

// Get resolves protocol to its Decoder.
func (r *Registry) Get(protocol domain.Protocol) (Decoder, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.decoders[protocol]
	if !ok {
		return nil, fmt.Errorf("codec: no decoder registered for protocol %q", protocol)
	}
	return d, nil
}
