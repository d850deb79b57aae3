// Package engine defines the storage contract behind the kv package and the
// asynchronous layer that schedules transactions over it.
//
// Drivers (memory, sqlite, bolt) implement Driver, Database and Tx: a
// synchronous, single-goroutine transaction over one container of ordered
// byte keys. Conn wraps an open Database and hands out Txn values whose
// requests run on a worker goroutine in issuance order, with results
// delivered by callback on that goroutine.
//
// Transactions on a Conn start in creation order: a readwrite transaction
// waits for every earlier transaction, a readonly one for the last earlier
// readwrite transaction. A Txn commits once Commit has been requested and
// its queue has drained, including requests issued from callbacks.
//
// The enginetest package holds the conformance suite every driver runs.
package engine
