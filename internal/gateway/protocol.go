package gateway

// Client to server message types.
const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypeInput       = "input"
	TypeResize      = "resize"
)

// Server to client message types.
const (
	TypeOutput       = "output"
	TypeInitialState = "initial_state"
	TypeSessionEnded = "session_ended"
	TypeInputEcho    = "input_echo"
	TypeError        = "error"
)

// ClientMessage is one JSON text frame from a client. Data is base64 on the
// wire.
type ClientMessage struct {
	Type    string `json:"type"`
	Session string `json:"session"`
	Data    []byte `json:"data,omitempty"`
	Cols    int    `json:"cols,omitempty"`
	Rows    int    `json:"rows,omitempty"`
}

// ServerMessage is one JSON text frame to a client. Every message names the
// session it belongs to.
type ServerMessage struct {
	Type     string `json:"type"`
	Session  string `json:"session"`
	Data     []byte `json:"data,omitempty"`
	From     string `json:"from,omitempty"`
	ExitCode *int   `json:"exit_code,omitempty"`
	Error    string `json:"error,omitempty"`
}
