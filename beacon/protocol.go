package beacon

import (
	"encoding/json"
	"fmt"
)

const (
	FrameHello     = "hello"
	FrameLocation  = "location"
	FrameError     = "error"
	FrameRejection = "unhandledrejection"
	FrameReport    = "report"
	FrameNavigate  = "navigate"

	windowTarget = "window"
)

// Envelope is the wire shape of every frame in both directions.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type HelloFrame struct {
	URL       string `json:"url"`
	Path      string `json:"path"`
	UserAgent string `json:"user_agent"`
	History   *bool  `json:"history,omitempty"`
}

type LocationFrame struct {
	URL  string `json:"url"`
	Path string `json:"path"`
}

// ErrorFrame carries a window error event. Target is "window" (or empty)
// for uncaught errors and the element tag for failed sub-resources, in
// which case Src names the resource.
type ErrorFrame struct {
	Message  string `json:"message"`
	Filename string `json:"filename,omitempty"`
	Lineno   int    `json:"lineno,omitempty"`
	Colno    int    `json:"colno,omitempty"`
	Stack    string `json:"stack,omitempty"`
	Target   string `json:"target,omitempty"`
	Src      string `json:"src,omitempty"`
}

func (f ErrorFrame) isWindowLevel() bool {
	return f.Target == "" || f.Target == windowTarget
}

type RejectionFrame struct {
	Reason interface{} `json:"reason"`
	Stack  string      `json:"stack,omitempty"`
}

// ReportFrame is an error the page application reported itself, e.g. from
// an error boundary.
type ReportFrame struct {
	Message  string                 `json:"message"`
	Category string                 `json:"category,omitempty"`
	Stack    string                 `json:"stack,omitempty"`
	Extra    map[string]interface{} `json:"extra,omitempty"`
}

type NavigateFrame struct {
	Path string `json:"path"`
	Mode string `json:"mode"`
}

func encodeFrame(frameType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", frameType, err)
	}
	data, err := json.Marshal(Envelope{Type: frameType, Payload: raw})
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", frameType, err)
	}
	return data, nil
}

func decodePayload(env Envelope, v interface{}) error {
	if len(env.Payload) == 0 {
		return fmt.Errorf("decode %s: empty payload", env.Type)
	}
	if err := json.Unmarshal(env.Payload, v); err != nil {
		return fmt.Errorf("decode %s: %w", env.Type, err)
	}
	return nil
}
