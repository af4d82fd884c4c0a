package workerpool

import (
	"fmt"
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// encMode uses Core Deterministic Encoding so the same request always
// produces identical bytes.
var encMode cbor.EncMode

// decMode decodes any-typed targets into map[string]any instead of the
// CBOR default map[any]any.
var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("workerpool: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("workerpool: CBOR decoder initialization failed: " + err.Error())
	}
}

// Request is one call sent to a worker process.
type Request struct {
	ID     uint64 `cbor:"id"`
	Method string `cbor:"method"`
	Args   Args   `cbor:"args,omitempty"`
}

// Response answers the request with the same ID. Exactly one of Result
// and Error is meaningful.
type Response struct {
	ID     uint64          `cbor:"id"`
	Result cbor.RawMessage `cbor:"result,omitempty"`
	Error  string          `cbor:"error,omitempty"`
}

// Args are the positional arguments of a request, each encoded
// separately so handlers decode them into their own types.
type Args []cbor.RawMessage

// Len returns the number of arguments.
func (a Args) Len() int { return len(a) }

// Decode decodes argument i into v.
func (a Args) Decode(i int, v any) error {
	if i < 0 || i >= len(a) {
		return fmt.Errorf("argument %d out of range (have %d)", i, len(a))
	}
	if err := decMode.Unmarshal(a[i], v); err != nil {
		return fmt.Errorf("decoding argument %d: %w", i, err)
	}
	return nil
}

func encodeArgs(args []any) (Args, error) {
	if len(args) == 0 {
		return nil, nil
	}
	out := make(Args, len(args))
	for i, v := range args {
		data, err := encMode.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encoding argument %d: %w", i, err)
		}
		out[i] = data
	}
	return out, nil
}

// Marshal encodes v with the pool's deterministic encoding.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

func newEncoder(w io.Writer) *cbor.Encoder {
	return encMode.NewEncoder(w)
}

func newDecoder(r io.Reader) *cbor.Decoder {
	return decMode.NewDecoder(r)
}
