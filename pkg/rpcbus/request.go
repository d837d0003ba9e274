package rpcbus

import (
	"fmt"
	"time"

	"github.com/bytedance/sonic"
)

// Authority is the coarse-grained caller classification carried on
// every RPC request.
type Authority int

const (
	// AuthorityAdmin is the administrative caller class
	AuthorityAdmin Authority = iota
	// AuthorityUser is the ordinary caller class
	AuthorityUser
	// AuthorityGuest is the unauthenticated caller class
	AuthorityGuest
	// AuthoritySystem is the machine-to-machine caller class
	AuthoritySystem
)

// String returns the wire representation of the authority level.
func (a Authority) String() string {
	switch a {
	case AuthorityAdmin:
		return "admin"
	case AuthorityUser:
		return "user"
	case AuthorityGuest:
		return "guest"
	case AuthoritySystem:
		return "system"
	default:
		return "unknown"
	}
}

// AuthorityFromString parses an authority string. Unknown values map to
// guest.
func AuthorityFromString(s string) Authority {
	switch s {
	case "admin":
		return AuthorityAdmin
	case "user":
		return AuthorityUser
	case "system":
		return AuthoritySystem
	default:
		return AuthorityGuest
	}
}

// MarshalJSON encodes the authority as its wire string.
func (a Authority) MarshalJSON() ([]byte, error) {
	return sonic.Marshal(a.String())
}

// UnmarshalJSON decodes an authority from its wire string.
func (a *Authority) UnmarshalJSON(data []byte) error {
	var s string
	if err := sonic.Unmarshal(data, &s); err != nil {
		return err
	}
	*a = AuthorityFromString(s)
	return nil
}

// Request is one RPC call on the bus.
type Request struct {
	TransactionID string                 `json:"transaction_id"`
	Method        string                 `json:"method"`
	Service       string                 `json:"service"`
	Authority     Authority              `json:"authority"`
	Params        map[string]interface{} `json:"params"`
	TimeoutMs     int                    `json:"timeout_ms"`
	Timestamp     uint64                 `json:"timestamp,omitempty"`
}

// NewRequest builds a request with a fresh transaction ID and the
// default timeout.
func NewRequest(method, service string, authority Authority, params map[string]interface{}) *Request {
	return &Request{
		TransactionID: GenerateTransactionID(),
		Method:        method,
		Service:       service,
		Authority:     authority,
		Params:        params,
		TimeoutMs:     int(defaultRequestTimeout / time.Millisecond),
		Timestamp:     uint64(time.Now().UnixMilli()),
	}
}

// Marshal encodes the request for publishing.
func (r *Request) Marshal() ([]byte, error) {
	data, err := sonic.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	return data, nil
}

// ParseRequest decodes a request payload.
func ParseRequest(data []byte) (*Request, error) {
	var r Request
	if err := sonic.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to parse request: %w", err)
	}
	return &r, nil
}

// Response is one RPC reply on the bus.
type Response struct {
	TransactionID    string      `json:"transaction_id"`
	Success          bool        `json:"success"`
	Result           interface{} `json:"result,omitempty"`
	ErrorMessage     string      `json:"error_message,omitempty"`
	ErrorCode        int         `json:"error_code,omitempty"`
	Timestamp        uint64      `json:"timestamp,omitempty"`
	ProcessingTimeMs uint64      `json:"processing_time_ms,omitempty"`
}

// Marshal encodes the response for publishing.
func (r *Response) Marshal() ([]byte, error) {
	data, err := sonic.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal response: %w", err)
	}
	return data, nil
}

// ParseResponse decodes a response payload.
func ParseResponse(data []byte) (*Response, error) {
	var r Response
	if err := sonic.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &r, nil
}
