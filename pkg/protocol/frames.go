// Package protocol defines the WebSocket frames spoken with the agent
// gateway that produces replies.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ProtocolVersion is the gateway wire protocol version this build speaks.
const ProtocolVersion = 3

// Frame types.
const (
	FrameTypeRequest  = "req"
	FrameTypeResponse = "res"
	FrameTypeEvent    = "event"
)

// Error codes carried in ErrorShape.Code.
const (
	ErrInvalidRequest = "INVALID_REQUEST"
	ErrUnauthorized   = "UNAUTHORIZED"
	ErrNotFound       = "NOT_FOUND"
	ErrInternal       = "INTERNAL"
)

// RequestFrame is a client → server RPC call.
type RequestFrame struct {
	Type   string          `json:"type"`
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ErrorShape describes a failed request.
type ErrorShape struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ErrorShape) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ResponseFrame answers the RequestFrame with the same ID.
type ResponseFrame struct {
	Type    string      `json:"type"`
	ID      string      `json:"id"`
	OK      bool        `json:"ok"`
	Payload interface{} `json:"payload,omitempty"`
	Error   *ErrorShape `json:"error,omitempty"`
}

// EventFrame is a server push, not tied to a request.
type EventFrame struct {
	Type    string      `json:"type"`
	Event   string      `json:"event"`
	Payload interface{} `json:"payload,omitempty"`
}

// NewRequest builds a request frame with params marshalled to JSON.
func NewRequest(id, method string, params interface{}) (*RequestFrame, error) {
	f := &RequestFrame{Type: FrameTypeRequest, ID: id, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal %s params: %w", method, err)
		}
		f.Params = raw
	}
	return f, nil
}

// NewOKResponse builds a successful response.
func NewOKResponse(id string, payload interface{}) *ResponseFrame {
	return &ResponseFrame{Type: FrameTypeResponse, ID: id, OK: true, Payload: payload}
}

// NewErrorResponse builds a failed response.
func NewErrorResponse(id, code, message string) *ResponseFrame {
	return &ResponseFrame{Type: FrameTypeResponse, ID: id, Error: &ErrorShape{Code: code, Message: message}}
}

// NewEvent builds an event frame.
func NewEvent(event string, payload interface{}) *EventFrame {
	return &EventFrame{Type: FrameTypeEvent, Event: event, Payload: payload}
}

// ParseFrameType reads the "type" field of a raw frame.
func ParseFrameType(raw []byte) (string, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return "", fmt.Errorf("parse frame: %w", err)
	}
	if head.Type == "" {
		return "", fmt.Errorf("parse frame: missing type")
	}
	return head.Type, nil
}
