// Package dedupe provides a TTL cache for suppressing duplicate prompts.
//
// Transports pass an optional client-supplied message id with each prompt.
// When present, the id is checked against this cache before a turn starts,
// so retried or replayed requests do not run the same prompt twice.
package dedupe
