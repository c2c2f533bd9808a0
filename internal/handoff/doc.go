// ABOUTME: Package handoff manages conversation control transfer between AI and humans.
// ABOUTME: Wraps guarded store transitions in business-level operations and errors.

// Package handoff owns the conversation state machine:
//
//	ai ──(Request)──▶ pending ──(Accept)──▶ human
//	ai ────────────(Start)────────────────▶ human
//	human ──(End)──▶ ai
//
// human never silently returns to pending — a conversation being
// handled by a person leaves that state only through an explicit End.
//
// The handoff state gates who may write to a conversation, so every
// transition is a guarded read-modify-write in the store. Concurrency
// conflicts surface as business errors (with the current operator
// attached where relevant), never as overwrites.
package handoff
