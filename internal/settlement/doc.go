// Package settlement confirms signed payment intents against the underlying
// ledger of value. A Verifier decides how strong confirmation must be: the
// fast path accepts a fresh valid signature, the full path blocks until the
// referenced chain transaction is final. The Reconciler consumes submitted
// settlements from a queue, drives the verifier under the session task
// timeout, and writes the terminal outcome back to the transaction ledger.
package settlement
