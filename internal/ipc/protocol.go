// Package ipc is the control channel between the strokebind daemon and its
// clients: the strokectl CLI, the capture layer and settings front ends.
//
// Messages are framed with a fixed 16-byte header followed by a JSON payload.
// Each request carries an ID that the response echoes.
package ipc

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"strokebind/internal/action"
	"strokebind/internal/stroke"
)

// Protocol version for compatibility checking
const (
	ProtocolVersion = 1
	ProtocolMagic   = 0x53424950 // "SBIP"
)

// MaxPayload bounds the payload a peer may announce.
const MaxPayload = 16 * 1024 * 1024

// MessageType identifies the type of IPC message
type MessageType uint16

const (
	// Control messages (0x00xx)
	MsgPing  MessageType = 0x0001
	MsgPong  MessageType = 0x0002
	MsgError MessageType = 0x0005

	// Status (0x01xx)
	MsgStatusRequest  MessageType = 0x0100
	MsgStatusResponse MessageType = 0x0101

	// Resolution (0x02xx)
	MsgResolve     MessageType = 0x0200
	MsgResolveResp MessageType = 0x0201

	// Bindings (0x03xx)
	MsgList          MessageType = 0x0300
	MsgListResp      MessageType = 0x0301
	MsgAdd           MessageType = 0x0302
	MsgAddResp       MessageType = 0x0303
	MsgDelete        MessageType = 0x0304
	MsgDeleteResp    MessageType = 0x0305
	MsgReset         MessageType = 0x0306
	MsgResetResp     MessageType = 0x0307
	MsgRename        MessageType = 0x0308
	MsgRenameResp    MessageType = 0x0309
	MsgOverride      MessageType = 0x030a
	MsgOverrideResp  MessageType = 0x030b
	MsgAddStroke     MessageType = 0x030c
	MsgAddStrokeResp MessageType = 0x030d

	// Scopes (0x04xx)
	MsgScopes          MessageType = 0x0400
	MsgScopesResp      MessageType = 0x0401
	MsgAddScope        MessageType = 0x0402
	MsgAddScopeResp    MessageType = 0x0403
	MsgRemoveScope     MessageType = 0x0404
	MsgRemoveScopeResp MessageType = 0x0405
	MsgEditScope       MessageType = 0x0406
	MsgEditScopeResp   MessageType = 0x0407

	// Persistence and diagnostics (0x05xx)
	MsgSaveNow     MessageType = 0x0500
	MsgSaveNowResp MessageType = 0x0501
	MsgHistory     MessageType = 0x0502
	MsgHistoryResp MessageType = 0x0503
	MsgMetrics     MessageType = 0x0504
	MsgMetricsResp MessageType = 0x0505
)

var messageNames = map[MessageType]string{
	MsgPing: "ping", MsgPong: "pong", MsgError: "error",
	MsgStatusRequest: "status", MsgStatusResponse: "status-resp",
	MsgResolve: "resolve", MsgResolveResp: "resolve-resp",
	MsgList: "list", MsgListResp: "list-resp",
	MsgAdd: "add", MsgAddResp: "add-resp",
	MsgDelete: "delete", MsgDeleteResp: "delete-resp",
	MsgReset: "reset", MsgResetResp: "reset-resp",
	MsgRename: "rename", MsgRenameResp: "rename-resp",
	MsgOverride: "override", MsgOverrideResp: "override-resp",
	MsgAddStroke: "add-stroke", MsgAddStrokeResp: "add-stroke-resp",
	MsgScopes: "scopes", MsgScopesResp: "scopes-resp",
	MsgAddScope: "add-scope", MsgAddScopeResp: "add-scope-resp",
	MsgRemoveScope: "remove-scope", MsgRemoveScopeResp: "remove-scope-resp",
	MsgEditScope: "edit-scope", MsgEditScopeResp: "edit-scope-resp",
	MsgSaveNow: "save-now", MsgSaveNowResp: "save-now-resp",
	MsgHistory: "history", MsgHistoryResp: "history-resp",
	MsgMetrics: "metrics", MsgMetricsResp: "metrics-resp",
}

func (t MessageType) String() string {
	if s, ok := messageNames[t]; ok {
		return s
	}
	return fmt.Sprintf("0x%04x", uint16(t))
}

// Header is the fixed-size message header (16 bytes)
type Header struct {
	Magic     uint32      // Protocol magic number
	Version   uint8       // Protocol version
	Flags     uint8       // Message flags
	Type      MessageType // Message type
	RequestID uint32      // Request ID for correlation
	Length    uint32      // Payload length (not including header)
}

// HeaderSize is the size of the header in bytes
const HeaderSize = 16

// FlagJSON marks a JSON payload. It is the only encoding.
const FlagJSON uint8 = 0x04

// Message wraps a header and payload
type Message struct {
	Header  Header
	Payload []byte
}

// NewMessage creates a new message with the given type and payload
func NewMessage(msgType MessageType, requestID uint32, payload []byte) *Message {
	return &Message{
		Header: Header{
			Magic:     ProtocolMagic,
			Version:   ProtocolVersion,
			Flags:     FlagJSON,
			Type:      msgType,
			RequestID: requestID,
			Length:    uint32(len(payload)),
		},
		Payload: payload,
	}
}

// Write writes the header to w.
func (h *Header) Write(w io.Writer) error {
	var buf [HeaderSize]byte
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	buf[4] = h.Version
	buf[5] = h.Flags
	binary.BigEndian.PutUint16(buf[6:8], uint16(h.Type))
	binary.BigEndian.PutUint32(buf[8:12], h.RequestID)
	binary.BigEndian.PutUint32(buf[12:16], h.Length)
	_, err := w.Write(buf[:])
	return err
}

// Errors returned while reading frames.
var (
	ErrBadMagic        = errors.New("ipc: invalid magic number")
	ErrVersion         = errors.New("ipc: unsupported protocol version")
	ErrPayloadTooLarge = errors.New("ipc: payload too large")
)

// ReadHeader reads a header from a reader
func ReadHeader(r io.Reader) (*Header, error) {
	var buf [HeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return nil, err
	}

	h := &Header{
		Magic:     binary.BigEndian.Uint32(buf[0:4]),
		Version:   buf[4],
		Flags:     buf[5],
		Type:      MessageType(binary.BigEndian.Uint16(buf[6:8])),
		RequestID: binary.BigEndian.Uint32(buf[8:12]),
		Length:    binary.BigEndian.Uint32(buf[12:16]),
	}

	if h.Magic != ProtocolMagic {
		return nil, fmt.Errorf("%w: %x", ErrBadMagic, h.Magic)
	}
	if h.Version > ProtocolVersion {
		return nil, fmt.Errorf("%w: %d", ErrVersion, h.Version)
	}
	return h, nil
}

// Write writes the message to w in a single call.
func (m *Message) Write(w io.Writer) error {
	buf := make([]byte, 0, HeaderSize+len(m.Payload))
	var hb headerBuffer
	if err := m.Header.Write(&hb); err != nil {
		return err
	}
	buf = append(buf, hb...)
	buf = append(buf, m.Payload...)
	_, err := w.Write(buf)
	return err
}

type headerBuffer []byte

func (b *headerBuffer) Write(p []byte) (int, error) {
	*b = append(*b, p...)
	return len(p), nil
}

// ReadMessage reads a complete message from a reader
func ReadMessage(r io.Reader) (*Message, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return nil, err
	}

	m := &Message{Header: *h}
	if h.Length > 0 {
		if h.Length > MaxPayload {
			return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, h.Length)
		}
		m.Payload = make([]byte, h.Length)
		if _, err := io.ReadFull(r, m.Payload); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// ErrorResponse is sent when an operation fails
type ErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Error codes
const (
	ErrUnknown          = 1
	ErrInvalidRequest   = 2
	ErrNotFound         = 3
	ErrPermissionDenied = 4
	ErrInternalError    = 5
	ErrUnavailable      = 6
)

// StatusResponse describes the daemon.
type StatusResponse struct {
	Version        string        `json:"version"`
	StartedAt      time.Time     `json:"started_at"`
	Uptime         time.Duration `json:"uptime"`
	ActionsPath    string        `json:"actions_path"`
	Healthy        bool          `json:"healthy"`
	Dirty          bool          `json:"dirty"`
	Saves          uint64        `json:"saves"`
	Scopes         int           `json:"scopes"`
	Bindings       int           `json:"bindings"`
	Apps           []string      `json:"apps,omitempty"`
	HistoryEnabled bool          `json:"history_enabled"`
	Clients        int           `json:"clients"`
}

// ResolveRequest asks the daemon to resolve a captured stroke in the scope of
// a window class and run the winning action.
type ResolveRequest struct {
	Stroke *stroke.Stroke `json:"stroke"`
	Class  string         `json:"class,omitempty"`
	// Button is the swallowed button release to replay first, 0 for none.
	Button uint `json:"button,omitempty"`
}

// RankedCandidate is one entry of a resolution ranking.
type RankedCandidate struct {
	Score float64 `json:"score"`
	Match bool    `json:"match"`
	Token string  `json:"token"`
	Name  string  `json:"name"`
}

// ResolveResponse reports the outcome of a resolution.
type ResolveResponse struct {
	Matched bool              `json:"matched"`
	Token   string            `json:"token"`
	Name    string            `json:"name,omitempty"`
	Action  string            `json:"action,omitempty"`
	Score   float64           `json:"score"`
	Scope   string            `json:"scope"`
	Ranking []RankedCandidate `json:"ranking,omitempty"`
}

// ListRequest asks for the bindings visible in a scope ("" is the root).
type ListRequest struct {
	Scope string `json:"scope,omitempty"`
}

// BindingInfo is one visible binding.
type BindingInfo struct {
	Token   string         `json:"token"`
	Name    string         `json:"name"`
	Action  *action.Action `json:"action,omitempty"`
	Label   string         `json:"label,omitempty"`
	Strokes int            `json:"strokes"`
	Status  string         `json:"status"`
}

// ListResponse lists a scope's bindings sorted by name.
type ListResponse struct {
	Scope    string        `json:"scope"`
	App      string        `json:"app,omitempty"`
	Bindings []BindingInfo `json:"bindings"`
	// Deleted lists inherited tokens hidden in this scope.
	Deleted []string `json:"deleted,omitempty"`
}

// AddRequest creates a binding in a scope.
type AddRequest struct {
	Scope   string           `json:"scope,omitempty"`
	Name    string           `json:"name"`
	Action  *action.Action   `json:"action"`
	Strokes []*stroke.Stroke `json:"strokes,omitempty"`
}

// AddResponse returns the new binding's token.
type AddResponse struct {
	Token string `json:"token"`
}

// TokenRequest names a binding in a scope. Used by delete and reset.
type TokenRequest struct {
	Scope string `json:"scope,omitempty"`
	Token string `json:"token"`
}

// ChangedResponse reports whether a request changed anything.
type ChangedResponse struct {
	Changed bool `json:"changed"`
}

// RenameRequest overrides a binding's name in a scope.
type RenameRequest struct {
	Scope string `json:"scope,omitempty"`
	Token string `json:"token"`
	Name  string `json:"name"`
}

// OverrideRequest overrides fields of a binding in a scope. Fields left
// empty keep their inherited value; at least one must be set.
type OverrideRequest struct {
	Scope   string           `json:"scope,omitempty"`
	Token   string           `json:"token"`
	Name    string           `json:"name,omitempty"`
	Action  *action.Action   `json:"action,omitempty"`
	Strokes []*stroke.Stroke `json:"strokes,omitempty"`
}

// AddStrokeRequest adds a shape to a binding as seen from a scope.
type AddStrokeRequest struct {
	Scope  string         `json:"scope,omitempty"`
	Token  string         `json:"token"`
	Stroke *stroke.Stroke `json:"stroke"`
}

// ScopeInfo describes one node of the scope tree.
type ScopeInfo struct {
	Name   string `json:"name"`
	App    string `json:"app,omitempty"`
	Parent string `json:"parent,omitempty"`
	Depth  int    `json:"depth"`
	Local  int    `json:"local"`
}

// ScopesResponse lists the scope tree depth-first.
type ScopesResponse struct {
	Scopes []ScopeInfo `json:"scopes"`
}

// AddScopeRequest creates a child scope.
type AddScopeRequest struct {
	Parent string `json:"parent,omitempty"`
	Name   string `json:"name"`
	App    string `json:"app,omitempty"`
}

// RemoveScopeRequest removes a scope and its subtree.
type RemoveScopeRequest struct {
	Name string `json:"name"`
}

// EditScopeRequest renames a scope or changes its window class pattern. A
// nil App leaves the pattern alone; an empty one turns the scope into a
// group.
type EditScopeRequest struct {
	Name   string  `json:"name"`
	Rename string  `json:"rename,omitempty"`
	App    *string `json:"app,omitempty"`
}

// SaveNowResponse reports an explicit save.
type SaveNowResponse struct {
	Path  string `json:"path"`
	Saves uint64 `json:"saves"`
}

// HistoryRequest asks for the most recent outcomes.
type HistoryRequest struct {
	Limit int `json:"limit,omitempty"`
}

// HistoryEntry is one stored outcome.
type HistoryEntry struct {
	At      time.Time         `json:"at"`
	Scope   string            `json:"scope"`
	Matched bool              `json:"matched"`
	Token   string            `json:"token"`
	Name    string            `json:"name,omitempty"`
	Score   float64           `json:"score"`
	Ranking []RankedCandidate `json:"ranking,omitempty"`
}

// HistoryResponse lists outcomes, newest first.
type HistoryResponse struct {
	Entries []HistoryEntry `json:"entries"`
}

// MetricsResponse carries the daemon metrics in the Prometheus text format.
type MetricsResponse struct {
	Text string `json:"text"`
}

// Encode encodes a payload to JSON bytes
func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Decode decodes JSON bytes to a payload
func Decode(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

// NewErrorMessage creates an error message
func NewErrorMessage(requestID uint32, code int, message string) *Message {
	payload, _ := Encode(&ErrorResponse{
		Code:    code,
		Message: message,
	})
	return NewMessage(MsgError, requestID, payload)
}

// NewResponse creates a response message
func NewResponse(msgType MessageType, requestID uint32, v any) (*Message, error) {
	payload, err := Encode(v)
	if err != nil {
		return nil, err
	}
	return NewMessage(msgType, requestID, payload), nil
}
