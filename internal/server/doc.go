// Package server runs the long-lived coven-kv process.
//
// A Server owns a broadcast.Hub and exposes it over the relay gRPC service so
// stores in other processes can exchange change events. When metrics are
// enabled it also serves Prometheus metrics and a /health probe over HTTP.
//
//	srv, err := server.New(cfg, logger)
//	if err != nil {
//		return err
//	}
//	return srv.Run(ctx) // returns nil once ctx is canceled
package server
