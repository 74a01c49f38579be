package hashjson

import (
	"encoding/hex"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalNewBestNtfn(t *testing.T) {
	ntfn := NewNewBestNtfn(1700000000, []byte("ABCA"), 'C', 0,
		"e7ee82ccd29b1c3079db7826385e5dd1a8ebf20b4ea9fe0a4e5e21196d176f3f")

	b, err := MarshalNtfn(ntfn)
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"1.0","method":"newbest","params":[{
		"timestamp":1700000000,"input":"ABCA","inputhex":"41424341","workerid":"C","zerodigits":0,
		"hash":"e7ee82ccd29b1c3079db7826385e5dd1a8ebf20b4ea9fe0a4e5e21196d176f3f"}],
		"id":null}`, string(b))

	var req Request
	require.NoError(t, json.Unmarshal(b, &req))
	got, err := UnmarshalNtfn(req.Method, req.Params)
	require.NoError(t, err)
	assert.Equal(t, ntfn, got)
}

func TestNewBestNtfnInvalidUTF8(t *testing.T) {
	input := []byte{0xff, 'p', '/', 'A', 'A'}
	ntfn := NewNewBestNtfn(1, input, 'A', 0,
		"e7ee82ccd29b1c3079db7826385e5dd1a8ebf20b4ea9fe0a4e5e21196d176f3f")

	b, err := MarshalNtfn(ntfn)
	require.NoError(t, err)

	var req Request
	require.NoError(t, json.Unmarshal(b, &req))
	got, err := UnmarshalNtfn(req.Method, req.Params)
	require.NoError(t, err)

	parsed := got.(*NewBestNtfn)
	assert.Equal(t, "\ufffdp/AA", parsed.Input)
	decoded, err := hex.DecodeString(parsed.InputHex)
	require.NoError(t, err)
	assert.Equal(t, input, decoded)
}

func TestMarshalNtfnErrors(t *testing.T) {
	type unknownNtfn struct{}
	_, err := MarshalNtfn(&unknownNtfn{})
	var jerr Error
	require.ErrorAs(t, err, &jerr)
	assert.Equal(t, ErrUnregisteredMethod, jerr.ErrorCode)

	_, err = MarshalNtfn((*NewBestNtfn)(nil))
	require.ErrorAs(t, err, &jerr)
	assert.Equal(t, ErrInvalidType, jerr.ErrorCode)
}

func TestUnmarshalNtfnErrors(t *testing.T) {
	_, err := UnmarshalNtfn("nosuchmethod", []json.RawMessage{[]byte(`{}`)})
	var jerr Error
	require.ErrorAs(t, err, &jerr)
	assert.Equal(t, ErrUnregisteredMethod, jerr.ErrorCode)

	_, err = UnmarshalNtfn(NewBestNtfnMethod, nil)
	require.ErrorAs(t, err, &jerr)
	assert.Equal(t, ErrNumParams, jerr.ErrorCode)
}

func TestRegisterNtfnErrors(t *testing.T) {
	err := RegisterNtfn(NewBestNtfnMethod, (*NewBestNtfn)(nil))
	var jerr Error
	require.ErrorAs(t, err, &jerr)
	assert.Equal(t, ErrDuplicateMethod, jerr.ErrorCode)

	err = RegisterNtfn("notapointer", NewBestNtfn{})
	require.ErrorAs(t, err, &jerr)
	assert.Equal(t, ErrInvalidType, jerr.ErrorCode)
}

func TestMarshalResponse(t *testing.T) {
	b, err := MarshalResponse(7, nil, ErrRPCMethodNotFound)
	require.NoError(t, err)
	assert.JSONEq(t, `{"result":null,"error":{"code":-32601,"message":"Method not found"},"id":7}`,
		string(b))
}
