// ABOUTME: Package session holds the conversation core: sessions and their registry.
// ABOUTME: One turn at a time per session, TTL eviction, transparent resumption.

// Package session implements the conversation session and its registry.
//
// A Session wraps one engine connection and exposes RunTurn: prompt in,
// finite stream of wire events out, with history persistence as a side
// effect of the same single pass. A 1-slot semaphore serializes turns so
// engine-side context ordering can never be corrupted by overlapping
// prompts from the same client.
//
// The Registry caches sessions by client id, creates them on demand, and
// evicts idle ones on a background sweep. The engine-assigned session id
// is indexed in memory and in the store, so a session rebuilt after
// eviction resumes the same engine conversation. Eviction never touches a
// session whose turn guard is held, and always cancels the session's
// pending questions so no rendezvous waiter is stranded.
package session
