package mediaengine

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// jsonCodecName is registered as a private gRPC content-subtype so this
// client never collides with the standard "proto" codec other services on
// the same process may register.
const jsonCodecName = "mediaengine-json"

// jsonCodec marshals gRPC messages as JSON instead of protobuf wire format.
// It exists because the generated protobuf stubs for the media engine's
// gRPC service are not available to this codebase; every RPC here is
// invoked directly against grpc.ClientConn with plain Go structs in place
// of generated message types.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

func (jsonCodec) Name() string { return jsonCodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
