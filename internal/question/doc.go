// ABOUTME: Package question implements the pending-question rendezvous registry.
// ABOUTME: A turn suspends here until a human answer, cancellation, or timeout.

// Package question tracks questions the engine asked mid-turn and routes
// answers back to the suspended turn. Each question has a single waiter;
// the waiter is the only actor that removes the registry entry, so an
// answer delivered concurrently with the waiter's timeout check is never
// lost.
package question
