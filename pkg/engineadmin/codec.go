package engineadmin

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// codecName is the gRPC content-subtype this package registers: a call
// dialled with grpc.CallContentSubtype(codecName) negotiates
// "application/grpc+json" instead of the default protobuf wire format.
const codecName = "json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec implements google.golang.org/grpc/encoding.Codec. There are no
// xray-core proto descriptors anywhere in the example pack to vendor
// (DESIGN.md Open Question 1), so messages travel as JSON instead of real
// protobuf; the dial/serve/mTLS machinery is otherwise identical to a real
// protobuf gRPC service.
type jsonCodec struct{}

func (jsonCodec) Name() string { return codecName }

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}
