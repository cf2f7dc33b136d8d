package grpc

import (
    "encoding/json"

    "google.golang.org/grpc/encoding"
)

// jsonCodec carries the transport package's plain structs, so peer RPC needs
// no protobuf code generation.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)   { return json.Marshal(v) }
func (jsonCodec) Unmarshal(b []byte, v any) error { return json.Unmarshal(b, v) }
func (jsonCodec) Name() string                    { return "json" }

func init() { encoding.RegisterCodec(jsonCodec{}) }
