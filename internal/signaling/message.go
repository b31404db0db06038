// Package signaling implements the websocket wire protocol spoken
// between consoles, the relay, and devices. Every frame is a single
// JSON envelope; the body payload depends on the message type.
package signaling

import (
	"fmt"

	json "github.com/goccy/go-json"
)

// Message is the envelope carried on every websocket frame. Control
// messages from a console carry Ts and Sign for authentication.
// Messages forwarded from a device carry UDID so consoles can tell
// devices apart on the shared connection.
type Message struct {
	Type  string          `json:"type"`
	Body  json.RawMessage `json:"body,omitempty"`
	Ts    int64           `json:"ts,omitempty"`
	Sign  string          `json:"sign,omitempty"`
	UDID  string          `json:"udid,omitempty"`
	Error string          `json:"error,omitempty"`
}

// Message types originated by controllers.
const (
	TypeControlDevices  = "control/devices"
	TypeControlRefresh  = "control/refresh"
	TypeControlCommand  = "control/command"
	TypeControlCommands = "control/commands"
	TypeControlHTTP     = "control/http"
)

// Message types originated by devices or the relay.
const (
	TypeAppState         = "app/state"
	TypeDeviceDisconnect = "device/disconnect"
	TypeDeviceMessage    = "device/message"
	TypeHTTPRequest      = "http/request"
	TypeHTTPResponse     = "http/response"
)

// Command is one instruction addressed to a device. The body schema
// depends on the type; see the touch, key, and webrtc payloads below.
type Command struct {
	Type string          `json:"type"`
	Body json.RawMessage `json:"body,omitempty"`
}

// ControlCommand is the body of a control/command message: one
// command fanned out to every named device.
type ControlCommand struct {
	Devices []string        `json:"devices"`
	Type    string          `json:"type"`
	Body    json.RawMessage `json:"body,omitempty"`
}

// ControlCommands is the body of a control/commands message: an
// ordered batch delivered to every named device.
type ControlCommands struct {
	Devices  []string  `json:"devices"`
	Commands []Command `json:"commands"`
}

// HTTPProxyRequest is the body of a control/http message. The relay
// forwards it to each named device as an http/request message; the
// device performs the local HTTP call and answers with http/response.
type HTTPProxyRequest struct {
	Devices   []string          `json:"devices,omitempty"`
	RequestID string            `json:"requestId"`
	Method    string            `json:"method"`
	Path      string            `json:"path"`
	Query     string            `json:"query,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	Body      string            `json:"body,omitempty"`
	Port      int               `json:"port,omitempty"`
}

// HTTPProxyResponse is the body of an http/response message sent by a
// device after serving a proxied request. Body is base64 encoded.
type HTTPProxyResponse struct {
	RequestID string            `json:"requestId"`
	Status    int               `json:"status"`
	Headers   map[string]string `json:"headers,omitempty"`
	Body      string            `json:"body,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// DeviceState is the system section of an app/state report. Devices
// publish it on connect and whenever polled; the relay stamps UDID
// before forwarding to controllers.
type DeviceState struct {
	UDID       string `json:"udid"`
	Name       string `json:"name,omitempty"`
	IP         string `json:"ip,omitempty"`
	Port       int    `json:"port,omitempty"`
	Width      int    `json:"width,omitempty"`
	Height     int    `json:"height,omitempty"`
	SystemName string `json:"systemName,omitempty"`
	SystemVer  string `json:"systemVersion,omitempty"`
	Model      string `json:"model,omitempty"`
	AppVersion string `json:"appVersion,omitempty"`
	Running    bool   `json:"running,omitempty"`
}

// AppState is the body of an app/state report as it appears on the
// wire, with the device descriptor nested under "system".
type AppState struct {
	System DeviceState `json:"system"`
}

// DeviceMessage is the body of a device/message notice the relay
// broadcasts to controllers when a noisy command targets a device.
type DeviceMessage struct {
	UDID    string `json:"udid"`
	Message string `json:"message"`
}

// FlexibleURLs accepts either a single string or an array of strings.
// ICE server entries in the wild use both forms.
type FlexibleURLs []string

func (u *FlexibleURLs) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*u = FlexibleURLs{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("urls must be a string or array of strings: %w", err)
	}
	*u = FlexibleURLs(many)
	return nil
}

func (u FlexibleURLs) MarshalJSON() ([]byte, error) {
	if len(u) == 1 {
		return json.Marshal(u[0])
	}
	return json.Marshal([]string(u))
}

// ICEServer describes one STUN or TURN endpoint in the format used by
// webrtc session bodies.
type ICEServer struct {
	URLs       FlexibleURLs `json:"urls"`
	Username   string       `json:"username,omitempty"`
	Credential string       `json:"credential,omitempty"`
}

// WebRTCOffer is the JSON document POSTed to /api/webrtc/start on a
// device through the HTTP proxy. The relay appends its own ICE
// servers before forwarding.
type WebRTCOffer struct {
	Type       string      `json:"type"`
	SDP        string      `json:"sdp"`
	Scale      float64     `json:"scale,omitempty"`
	FrameRate  int         `json:"frameRate,omitempty"`
	Force      bool        `json:"force,omitempty"`
	ICEServers []ICEServer `json:"iceServers,omitempty"`
}

// WebRTCAnswer is the document a device returns from /api/webrtc/start.
// Devices may echo the ICE servers they were handed; a console with no
// servers of its own adopts them.
type WebRTCAnswer struct {
	Type       string      `json:"type"`
	SDP        string      `json:"sdp"`
	ICEServers []ICEServer `json:"iceServers,omitempty"`
}

// Encode marshals the envelope for transmission.
func (m *Message) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding %s message: %w", m.Type, err)
	}
	return data, nil
}

// Decode parses a websocket frame into an envelope.
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decoding message: %w", err)
	}
	return &m, nil
}

// DecodeBody parses the envelope body into v.
func (m *Message) DecodeBody(v any) error {
	if len(m.Body) == 0 {
		return fmt.Errorf("%s message has no body", m.Type)
	}
	if err := json.Unmarshal(m.Body, v); err != nil {
		return fmt.Errorf("decoding %s body: %w", m.Type, err)
	}
	return nil
}

// EncodeBody marshals v and stores it as the envelope body.
func (m *Message) EncodeBody(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s body: %w", m.Type, err)
	}
	m.Body = data
	return nil
}
