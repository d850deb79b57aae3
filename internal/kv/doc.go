// Package kv is an asynchronous key-value store over a transactional engine.
//
// # Stores
//
// Open returns a Store immediately and opens its database in the background.
// Operations issued before the connection is ready are queued and replayed in
// order once it opens; callers never see the difference:
//
//	s, err := kv.Open("notes", kv.Options{Driver: drv, Capabilities: kv.DetectCapabilities(drv, nil)})
//	f, err := s.Set("greeting", "hello")
//	_, err = f.Wait(ctx)
//
// Every operation returns a synchronous error for misuse (a ValidationError,
// or ErrClosed) and otherwise delivers its outcome exactly once, either to a
// Callback passed as the last argument or through the returned Future. When a
// Callback is given the Future is nil.
//
// Each Store operation runs in its own implicit transaction and reports its
// result only after that transaction commits.
//
// # Transactions
//
// Transaction returns an explicit transaction that may be used at once, even
// before the connection opens. Requests run in issuance order, and callbacks
// may issue further requests on the same transaction. Explicit transactions
// end only through Commit or Abort:
//
//	tx, _ := s.Transaction(kv.ReadWrite)
//	tx.Get("counter", func(v any, err error) {
//		n, _ := v.(float64)
//		tx.Set("counter", n+1)
//		tx.Commit()
//	})
//
// A readwrite transaction holds the engine's writer until it ends, so a
// transaction that is never committed blocks later writers.
//
// # Keys and values
//
// Keys are integers or strings. Integers sort before strings, and both sort
// in their natural order. Values are anything encoding/json can marshal and
// come back the way encoding/json decodes into an interface, so numbers are
// float64.
//
// # Change notifications
//
// When a Broadcaster is supplied, committed mutations made through Store
// methods are published to every other store with the same name, which raise
// add, set and remove events. A store never sees its own changes. Writes made
// inside explicit transactions are not published.
package kv
