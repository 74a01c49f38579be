package hashjson

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"reflect"
)

// RpcVersion1 is the JSON-RPC version carried by every notification.
const RpcVersion1 = "1.0"

const (
	// NewBestNtfnMethod is the method used for notifications from the
	// miner that the best hash has improved.
	NewBestNtfnMethod = "newbest"
)

// NewBestNtfn defines the newbest JSON-RPC notification.
//
// Input is the candidate as a JSON string, so bytes of the prefix which are
// not valid UTF-8 arrive as U+FFFD.  InputHex always carries the exact bytes.
type NewBestNtfn struct {
	Timestamp  int64  `json:"timestamp"`
	Input      string `json:"input"`
	InputHex   string `json:"inputhex"`
	WorkerID   string `json:"workerid"`
	ZeroDigits int    `json:"zerodigits"`
	Hash       string `json:"hash"`
}

// NewNewBestNtfn returns a new instance which can be used to issue a newbest
// JSON-RPC notification.
func NewNewBestNtfn(timestamp int64, input []byte, workerID byte,
	zeroDigits int, hash string) *NewBestNtfn {

	return &NewBestNtfn{
		Timestamp:  timestamp,
		Input:      string(input),
		InputHex:   hex.EncodeToString(input),
		WorkerID:   string(workerID),
		ZeroDigits: zeroDigits,
		Hash:       hash,
	}
}

// Request is a JSON-RPC 1.0 request.  Notifications are requests with a
// null id.
type Request struct {
	Jsonrpc string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      interface{}       `json:"id"`
}

// Response is a JSON-RPC 1.0 response.
type Response struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
	ID     interface{}     `json:"id"`
}

// MarshalResponse marshals the passed id, result, and RPCError to a JSON-RPC
// response byte slice.
func MarshalResponse(id interface{}, result interface{}, rpcErr *RPCError) ([]byte, error) {
	marshalledResult, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return json.Marshal(&Response{
		Result: marshalledResult,
		Error:  rpcErr,
		ID:     id,
	})
}

// MarshalNtfn marshals the passed notification to a JSON-RPC notification
// byte slice.  The provided notification type must be a registered type.
// The whole struct is sent as the single positional parameter.
func MarshalNtfn(ntfn interface{}) ([]byte, error) {
	method, err := NtfnMethod(ntfn)
	if err != nil {
		return nil, err
	}

	// The provided notification must not be nil.
	if reflect.ValueOf(ntfn).IsNil() {
		str := "the specified notification is nil"
		return nil, makeError(ErrInvalidType, str)
	}

	param, err := json.Marshal(ntfn)
	if err != nil {
		return nil, err
	}
	return json.Marshal(&Request{
		Jsonrpc: RpcVersion1,
		Method:  method,
		Params:  []json.RawMessage{param},
	})
}

// UnmarshalNtfn unmarshals the params of a notification of the given method
// into a new instance of its registered type.
func UnmarshalNtfn(method string, params []json.RawMessage) (interface{}, error) {
	registerLock.RLock()
	rtp, ok := methodToConcreteType[method]
	registerLock.RUnlock()
	if !ok {
		str := fmt.Sprintf("%q is not registered", method)
		return nil, makeError(ErrUnregisteredMethod, str)
	}

	if len(params) != 1 {
		str := fmt.Sprintf("wrong number of params (expected 1, "+
			"received %d)", len(params))
		return nil, makeError(ErrNumParams, str)
	}

	ntfn := reflect.New(rtp.Elem()).Interface()
	if err := json.Unmarshal(params[0], ntfn); err != nil {
		return nil, err
	}
	return ntfn, nil
}

func init() {
	MustRegisterNtfn(NewBestNtfnMethod, (*NewBestNtfn)(nil))
}
