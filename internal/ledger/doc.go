// Package ledger records optimistic pending spends and reconciles them
// against settlement outcomes. Budgets are debited at settlement time, not at
// signing, but pending amounts count as reserved: the gate chain subtracts
// the outstanding pending sum, and a failed or cancelled settlement releases
// its reservation without ever touching the balances.
package ledger
