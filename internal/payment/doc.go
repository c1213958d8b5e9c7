// Package payment issues nonce-bound, ed25519-signed payment intents. The
// Signer is the only component allowed to advance a session's nonce; check,
// sign, and mutation happen inside one per-session critical section.
package payment
