// ABOUTME: Package gateway wires the server: transports, registry, persistence.
// ABOUTME: One explicit app object owns every component; no global state.

// Package gateway assembles the parley-gateway server.
//
// The Gateway object owns the store, the engine client, the session
// registry, the question rendezvous, and the HTTP server, and exposes the
// two streaming transports: SSE (one request per turn) and WebSocket (one
// duplex connection per session). Both carry the same closed set of wire
// events; neither invents its own framing semantics.
package gateway
