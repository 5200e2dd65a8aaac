package grpc

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
	"google.golang.org/protobuf/proto"
)

// CodecName is the content subtype of heartbeat calls ("application/grpc+json").
const CodecName = "json"

// jsonCodec marshals messages as JSON so the heartbeat service needs no generated stubs.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return CodecName }

// serverCodec is forced on every call the server handles, whatever content subtype the client
// sent. Protobuf messages, such as those of the health service, keep the protobuf encoding;
// heartbeat messages are always JSON.
type serverCodec struct{ jsonCodec }

func (c serverCodec) Marshal(v any) ([]byte, error) {
	if m, ok := v.(proto.Message); ok {
		return proto.Marshal(m)
	}
	return c.jsonCodec.Marshal(v)
}

func (c serverCodec) Unmarshal(data []byte, v any) error {
	if m, ok := v.(proto.Message); ok {
		return proto.Unmarshal(data, m)
	}
	return c.jsonCodec.Unmarshal(data, v)
}

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
