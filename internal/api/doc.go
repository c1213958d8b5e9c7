// Package api exposes the REST surface of the payment daemon: session
// lifecycle management for principals, intent signing for agents, budget and
// ledger queries, and settlement submission. Errors are rendered as JSON
// bodies carrying the unified error code plus any limit metadata.
package api
