// Package engine provides the contract with the external conversational-agent
// engine and a subprocess-backed implementation of it.
//
// The engine is a black box: the gateway starts (or resumes) a conversation,
// sends a prompt, and consumes an ordered stream of typed messages terminated
// by a result or error message. The subprocess implementation speaks JSON
// lines over stdin/stdout; stderr is surfaced as structured diagnostics
// filtered through a declarative rule table.
package engine
