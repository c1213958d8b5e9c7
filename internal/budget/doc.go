// Package budget implements the ordered, short-circuiting gate chain that
// validates a proposed spend against a session's current state. Check is a
// pure function; callers are responsible for serializing the check with any
// subsequent mutation inside one per-session critical section.
package budget
