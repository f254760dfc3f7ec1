// Package gateway maintains the single long-lived WebSocket connection to the
// remote tool executor and multiplexes requests and event subscriptions over
// it.
package gateway

import "encoding/json"

// Frame kinds on the wire.
const (
	frameRequest  = "req"
	frameResponse = "res"
	frameEvent    = "event"
)

// Frame is one JSON message on the gateway connection. The Type discriminator
// decides which fields are populated.
type Frame struct {
	Type string `json:"type"`

	// Request/response correlation. IDs are unique per connection.
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`

	OK      bool            `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *WireError      `json:"error,omitempty"`

	// Event frames. Seq is monotone per connection.
	Event string `json:"event,omitempty"`
	Seq   int64  `json:"seq,omitempty"`
}

// WireError is the error object carried in a failed response.
type WireError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// ConnState is the connection state machine. Only StateAuthenticated permits
// requests.
type ConnState string

const (
	StateDisconnected   ConnState = "disconnected"
	StateConnecting     ConnState = "connecting"
	StateConnected      ConnState = "connected"
	StateAuthenticating ConnState = "authenticating"
	StateAuthenticated  ConnState = "authenticated"
	StateReconnecting   ConnState = "reconnecting"
)

// connectParams is the payload of the first request after open.
type connectParams struct {
	Auth        connectAuth   `json:"auth"`
	Client      connectClient `json:"client"`
	MinProtocol int           `json:"minProtocol"`
	MaxProtocol int           `json:"maxProtocol"`
}

type connectAuth struct {
	Token string `json:"token,omitempty"`
}

type connectClient struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}
