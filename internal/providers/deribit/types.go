package deribit

import (
	"encoding/json"
	"fmt"
)

const (
	methodAuth         = "public/auth"
	methodGetOrderBook = "public/get_order_book"
)

// Error codes Deribit returns when a token is missing, expired or rejected.
const (
	codeInvalidCredentials = 13004
	codeUnauthorized       = 13009
)

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error"`
}

// RPCError is an error object returned by the Deribit API.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("deribit error %d: %s", e.Code, e.Message)
}

func (e *RPCError) unauthorized() bool {
	return e.Code == codeUnauthorized || e.Code == codeInvalidCredentials
}

type authParams struct {
	GrantType    string `json:"grant_type"`
	ClientID     string `json:"client_id,omitempty"`
	ClientSecret string `json:"client_secret,omitempty"`
}

type authResult struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
	Scope       string `json:"scope"`
}

type orderBookParams struct {
	InstrumentName string `json:"instrument_name"`
	Depth          int    `json:"depth,omitempty"`
}
