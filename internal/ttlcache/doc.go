// Package ttlcache provides a bounded, expiring keyed cache. Message status
// callbacks that arrive before their message exists are parked here until
// the message is created, and provider re-deliveries are deduplicated by
// their external id.
package ttlcache
