package connection

import "encoding/json"

const (
	methodCreate  = "__create__"
	methodAdopt   = "__adopt__"
	methodDispose = "__dispose__"

	methodInitialize         = "initialize"
	methodUpdateSubscription = "updateSubscription"
)

// Metadata describes the call site of a request, for tracing in the engine.
type Metadata struct {
	WallTime int64     `json:"wallTime"`
	Internal bool      `json:"internal"`
	Title    string    `json:"title,omitempty"`
	Location *Location `json:"location,omitempty"`
}

// Location is a source position. Go does not report columns, so Column is always 0.
type Location struct {
	File   string `json:"file"`
	Line   int    `json:"line"`
	Column int    `json:"column"`
}

// Ref is the wire form of a reference to a remote object.
type Ref struct {
	GUID string `json:"guid"`
}

// request is an outbound call.
type request struct {
	ID       int64           `json:"id"`
	GUID     string          `json:"guid"`
	Method   string          `json:"method"`
	Params   json.RawMessage `json:"params"`
	Metadata Metadata        `json:"metadata"`
}

// message is any inbound frame. ID is set only on responses.
type message struct {
	ID     *int64           `json:"id,omitempty"`
	GUID   string           `json:"guid"`
	Method string           `json:"method"`
	Params json.RawMessage  `json:"params"`
	Result json.RawMessage  `json:"result"`
	Error  *serializedError `json:"error"`
	Log    []string         `json:"log"`
}

type serializedError struct {
	Error *errorPayload   `json:"error,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
}

type errorPayload struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Stack   string `json:"stack"`
}

type createParams struct {
	Type        string          `json:"type"`
	GUID        string          `json:"guid"`
	Initializer json.RawMessage `json:"initializer"`
}

type adoptParams struct {
	GUID string `json:"guid"`
}

type disposeParams struct {
	Reason DisposeReason `json:"reason,omitempty"`
}

type subscriptionParams struct {
	Event   string `json:"event"`
	Enabled bool   `json:"enabled"`
}

type initializeParams struct {
	SDKLanguage string `json:"sdkLanguage"`
}

type initializeResult struct {
	Root Ref `json:"root"`
}
