// Package rpcserver wires the Metadata Server and Worker Agent together
// over gRPC: a hand-registered grpc.ServiceDesc rather than protoc-generated
// stubs, since the messages exchanged are the same apitypes structs already
// used for KV storage. Wire encoding runs through a JSON codec registered
// under the grpc+proto content-subtype "json", the same mechanism
// grpc-gateway-style services use to swap codecs without discarding grpc's
// transport, TLS, and streaming machinery. Grounded on
// _examples/cuemby-warren/pkg/api/server.go's mTLS listener and
// interceptor.go's unary interceptor shape.
package rpcserver

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/encoding"
)

const codecName = "json"

// jsonCodec implements grpc/encoding.Codec, substituting JSON for the
// protobuf wire format so apitypes structs can ride a real grpc.Server
// and grpc.ClientConn without a protoc-generated message set.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("rpcserver: json unmarshal: %w", err)
	}
	return nil
}

func (jsonCodec) Name() string { return codecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
