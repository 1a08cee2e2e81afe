// Package store provides persistent storage for switchboard using SQLite.
//
// # Data Models
//
//   - Conversation: a counterparty on a channel, its status and Assignee
//   - Message: one entry of a conversation log with delivery status and reactions
//   - ConversationEvent: append-only lifecycle ledger (opened, closed, reopened, assigned)
//   - Notification: operator notification rows owned by their recipient
//   - Operator, Preferences, PushSubscription: the notification roster
//
// SQLiteStore implements every method in a single struct; consumers declare
// the narrow interface they need.
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode for concurrent reads:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// Timestamps are stored as fixed-width UTC strings so range filters such as
// "messages since the conversation was last opened" compare lexically.
//
// # Error Handling
//
//   - ErrNotFound: requested entity does not exist (or is not owned by the caller)
//   - ErrDuplicate: a unique key is already taken
//
// All methods accept context.Context for cancellation support.
package store
