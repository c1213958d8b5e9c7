// Package session owns the delegation records that bound what an autonomous
// agent may spend on behalf of a principal. The Registry is the only writer of
// session state and hands out per-session exclusive locks so that nonce,
// budget, and rate-window mutations are serialized per session.
package session
