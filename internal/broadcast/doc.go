// Package broadcast provides named message channels shared between store
// instances.
//
// # Model
//
// A Broadcaster opens a Channel by name. Every message sent on a Channel is
// delivered to every other Channel opened under the same name, never back to
// the sender:
//
//	hub := broadcast.NewHub(logger)
//	ch, err := hub.Open("notes", func(msg []byte) { ... })
//	ch.Send(payload)
//	ch.Close()
//
// Handlers run on a per-member delivery goroutine, one message at a time, in
// send order. A member whose inbox is full drops messages with a warning
// rather than slowing down the sender.
//
// Hub is the in-process implementation. The relay package serves a Hub over
// gRPC so processes can share channels.
package broadcast
