// Package conversation owns the conversation lifecycle.
//
// # States
//
//	open ──assign──▶ assigned ──close──▶ closed
//	  ▲                 │                  │
//	  └────unassign─────┘                  │
//	  └──────────reopen / automatic reopen─┘
//
// A conversation is created open. Assigned always has an assignee (a human
// operator or the assistant); closed never does.
//
// # Ledger
//
// Every transition appends a ConversationEvent: opened, closed,
// reopened_automatically or assigned. Closed events carry metrics for the
// period that just ended (time open, messages sent and received since the
// last open).
//
// # Idempotence
//
// Close on a closed conversation and reopen on an open one are no-ops that
// record nothing. The welcome claim is a compare-and-set in the store so two
// concurrent first messages cannot both greet.
//
// Every mutation publishes conversation.updated on the bus.
package conversation
