// Package relay shares broadcast channels between processes over gRPC.
//
// Server attaches each incoming Attach stream to a channel on a local
// broadcast.Hub. Client implements broadcast.Broadcaster on top of those
// streams, so a kv.Store given a Client exchanges change events with every
// store of the same name attached to the same relay, local or remote.
//
// The service is covenkv.relay.v1.Relay with a single bidirectional method,
// Attach, whose frames are google.protobuf.Struct values:
//
//	client -> {"type": "join", "channel": "notes"}
//	server -> {"type": "joined", "member_id": "..."}
//	client -> {"type": "send", "data": "<base64>"}
//	server -> {"type": "message", "data": "<base64>"}
package relay
