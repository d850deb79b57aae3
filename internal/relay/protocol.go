// ABOUTME: Wire protocol for the relay: a bidi stream of google.protobuf.Struct frames
// ABOUTME: Frames are join, joined, send and message; payloads travel base64-encoded

package relay

import (
	"encoding/base64"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	serviceName  = "covenkv.relay.v1.Relay"
	attachMethod = "/" + serviceName + "/Attach"
)

// Frame types.
const (
	frameJoin    = "join"
	frameJoined  = "joined"
	frameSend    = "send"
	frameMessage = "message"
)

// attachServer is implemented by Server; grpc checks registrations against it.
type attachServer interface {
	Attach(grpc.BidiStreamingServer[structpb.Struct, structpb.Struct]) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*attachServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Attach",
			Handler:       attachHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "covenkv/relay/v1/relay.proto",
}

func attachHandler(srv any, stream grpc.ServerStream) error {
	return srv.(attachServer).Attach(&grpc.GenericServerStream[structpb.Struct, structpb.Struct]{ServerStream: stream})
}

func joinFrame(channel string) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"type":    structpb.NewStringValue(frameJoin),
		"channel": structpb.NewStringValue(channel),
	}}
}

func joinedFrame(memberID string) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"type":      structpb.NewStringValue(frameJoined),
		"member_id": structpb.NewStringValue(memberID),
	}}
}

func dataFrame(typ string, data []byte) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"type": structpb.NewStringValue(typ),
		"data": structpb.NewStringValue(base64.StdEncoding.EncodeToString(data)),
	}}
}

func field(f *structpb.Struct, name string) string {
	return f.GetFields()[name].GetStringValue()
}

func frameType(f *structpb.Struct) string {
	return field(f, "type")
}

func frameData(f *structpb.Struct) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(field(f, "data"))
	if err != nil {
		return nil, fmt.Errorf("decoding %s frame: %w", frameType(f), err)
	}
	return data, nil
}
