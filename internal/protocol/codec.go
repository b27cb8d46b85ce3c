// Package protocol encodes and decodes the JSON frames exchanged with
// subscribers.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/igefined/orderbook-relay/internal/domain"
)

const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"

	TypeSuccess   = "success"
	TypeError     = "error"
	TypeOrderBook = "orderbook"
)

const (
	MsgInvalidRequest = "Invalid JSON format or missing required fields: action and symbol"
	MsgInvalidAction  = "Invalid action. Supported actions: subscribe, unsubscribe"
)

// Request is a client command.
type Request struct {
	Action string `json:"action"`
	Symbol string `json:"symbol"`
}

// ProtocolError is a rejected inbound frame. Message is safe to send back to
// the client.
type ProtocolError struct {
	Message string
	Err     error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol: %s: %v", e.Message, e.Err)
	}
	return "protocol: " + e.Message
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// DecodeRequest parses a client frame. Both fields must be non-empty strings
// and the action must be one of subscribe or unsubscribe.
func DecodeRequest(data []byte) (Request, error) {
	var raw struct {
		Action *string `json:"action"`
		Symbol *string `json:"symbol"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Request{}, &ProtocolError{Message: MsgInvalidRequest, Err: err}
	}
	if raw.Action == nil || raw.Symbol == nil || *raw.Action == "" || *raw.Symbol == "" {
		return Request{}, &ProtocolError{Message: MsgInvalidRequest}
	}

	req := Request{Action: *raw.Action, Symbol: *raw.Symbol}
	switch req.Action {
	case ActionSubscribe, ActionUnsubscribe:
		return req, nil
	default:
		return Request{}, &ProtocolError{Message: MsgInvalidAction}
	}
}

type ackFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type orderBookFrame struct {
	Type   string           `json:"type"`
	Symbol string           `json:"symbol"`
	Data   *domain.Snapshot `json:"data"`
}

func EncodeSuccess(message string) ([]byte, error) {
	return json.Marshal(ackFrame{Type: TypeSuccess, Message: message})
}

func EncodeError(message string) ([]byte, error) {
	return json.Marshal(ackFrame{Type: TypeError, Message: message})
}

func EncodeOrderBook(symbol string, snapshot *domain.Snapshot) ([]byte, error) {
	if snapshot == nil {
		return nil, fmt.Errorf("encode orderbook %s: nil snapshot", symbol)
	}
	return json.Marshal(orderBookFrame{Type: TypeOrderBook, Symbol: symbol, Data: snapshot})
}

// Response is any server frame, as seen by a client.
type Response struct {
	Type    string           `json:"type"`
	Message string           `json:"message,omitempty"`
	Symbol  string           `json:"symbol,omitempty"`
	Data    *domain.Snapshot `json:"data,omitempty"`
}

func DecodeResponse(data []byte) (Response, error) {
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return Response{}, fmt.Errorf("decode response: %w", err)
	}
	switch resp.Type {
	case TypeSuccess, TypeError, TypeOrderBook:
		return resp, nil
	default:
		return resp, fmt.Errorf("decode response: unknown type %q", resp.Type)
	}
}

// EncodeRequest is the client-side counterpart of DecodeRequest.
func EncodeRequest(action, symbol string) ([]byte, error) {
	return json.Marshal(Request{Action: action, Symbol: symbol})
}
