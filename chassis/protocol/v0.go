package protocol

import (
	"encoding/json"
	"fmt"
)

// Methods carried over the notification queues.
const (
	// MethodDeliver asks a worker to deliver one stored notification.
	MethodDeliver = "notification:deliver"
	// MethodSingle submits a templated email from an external producer.
	MethodSingle = "email:single"
	// MethodStatus submits a status change email from an external producer.
	MethodStatus = "email:status"
)

// Request - JSON-RPC request packet
type Request struct {
	Protocol string            `json:"jsonrpc"`
	ID       string            `json:"id,omitempty"`
	Method   string            `json:"method"`
	Params   map[string]string `json:"params"`
}

// JSON - convert struct to json
func (r *Request) JSON() (string, error) {
	r.Protocol = "2.0"
	bin, err := json.Marshal(r)
	return string(bin), err
}

// FromJSON - convert json to struct
func (r *Request) FromJSON(jsonString string) error {
	jsonBytes := []byte(jsonString)
	return json.Unmarshal(jsonBytes, r)
}

// String representation
func (r *Request) String() string {
	return fmt.Sprintf("id=%s method=%s attempt=%s", r.ID, r.Method, r.Params["attempt"])
}

// Response - JSON-RPC response packet
type Response struct {
	Protocol string            `json:"jsonrpc"`
	ID       string            `json:"id"`
	Result   map[string]string `json:"result,omitempty"`
	Error    map[string]string `json:"error,omitempty"`
}

// NewResult builds a successful response for request.
func NewResult(request *Request, result map[string]string) *Response {
	if result == nil {
		result = map[string]string{}
	}
	result["attempt"] = request.Params["attempt"]
	return &Response{ID: request.ID, Result: result}
}

// NewError builds a failed response for request.
func NewError(request *Request, code string, err error) *Response {
	return &Response{
		ID: request.ID,
		Error: map[string]string{
			"code":    code,
			"message": err.Error(),
			"attempt": request.Params["attempt"],
		},
	}
}

// Failed ...
func (r *Response) Failed() bool {
	return len(r.Error) > 0
}

// JSON - convert struct to json
func (r *Response) JSON() (string, error) {
	r.Protocol = "2.0"
	bin, err := json.Marshal(r)
	return string(bin), err
}

// FromJSON - convert json to struct
func (r *Response) FromJSON(jsonString string) error {
	jsonBytes := []byte(jsonString)
	return json.Unmarshal(jsonBytes, r)
}

// String representation
func (r *Response) String() string {
	return fmt.Sprintf("id=%s result=%s error=%s", r.ID, r.Result, r.Error)
}
