// ABOUTME: Delivery status ordering rules for outgoing messages
// ABOUTME: Statuses only move forward; failed is reachable from sent or delivered

package message

import (
	"time"

	"github.com/2389/switchboard/internal/store"
)

// statusRank orders the forward progression. Statuses not listed never
// accept callbacks.
var statusRank = map[store.MessageStatus]int{
	store.StatusSent:      1,
	store.StatusDelivered: 2,
	store.StatusRead:      3,
}

// CanAdvance reports whether a message in status from may move to status to.
func CanAdvance(from, to store.MessageStatus) bool {
	if from == to {
		return false
	}
	if to == store.StatusFailed {
		return from == store.StatusSent || from == store.StatusDelivered
	}
	fromRank, ok := statusRank[from]
	if !ok {
		return false
	}
	toRank, ok := statusRank[to]
	if !ok {
		return false
	}
	return toRank > fromRank
}

// IsCallbackStatus reports whether status may arrive from a provider callback.
func IsCallbackStatus(status store.MessageStatus) bool {
	switch status {
	case store.StatusSent, store.StatusDelivered, store.StatusRead, store.StatusFailed:
		return true
	}
	return false
}

// PendingStatus collects the callbacks that arrived before their message was
// known, one time per status. The first callback of each status wins.
type PendingStatus struct {
	SentAt      time.Time
	DeliveredAt time.Time
	ReadAt      time.Time
	FailedAt    time.Time
}

// replayOrder is the order parked statuses are applied in
var replayOrder = []store.MessageStatus{
	store.StatusSent,
	store.StatusDelivered,
	store.StatusRead,
	store.StatusFailed,
}

// pendingFor parks a single callback
func pendingFor(status store.MessageStatus, at time.Time) PendingStatus {
	var p PendingStatus
	p.set(status, at)
	return p
}

func (p *PendingStatus) at(status store.MessageStatus) time.Time {
	switch status {
	case store.StatusSent:
		return p.SentAt
	case store.StatusDelivered:
		return p.DeliveredAt
	case store.StatusRead:
		return p.ReadAt
	case store.StatusFailed:
		return p.FailedAt
	}
	return time.Time{}
}

func (p *PendingStatus) set(status store.MessageStatus, at time.Time) {
	if !p.at(status).IsZero() {
		return
	}
	switch status {
	case store.StatusSent:
		p.SentAt = at
	case store.StatusDelivered:
		p.DeliveredAt = at
	case store.StatusRead:
		p.ReadAt = at
	case store.StatusFailed:
		p.FailedAt = at
	}
}

// Latest is the most advanced parked status, for logging.
func (p PendingStatus) Latest() store.MessageStatus {
	var latest store.MessageStatus
	for _, st := range replayOrder {
		if !p.at(st).IsZero() && (latest == "" || CanAdvance(latest, st)) {
			latest = st
		}
	}
	return latest
}

// mergePending adds incoming's stamps to current without overwriting any.
func mergePending(current PendingStatus, exists bool, incoming PendingStatus) PendingStatus {
	if !exists {
		return incoming
	}
	for _, st := range replayOrder {
		if at := incoming.at(st); !at.IsZero() {
			current.set(st, at)
		}
	}
	return current
}

// advance applies one callback to m. A delivered callback arriving after the
// read receipt that implied delivery corrects the earlier deliveredAt without
// moving the status. Reports whether m changed.
func advance(m *store.Message, status store.MessageStatus, at time.Time) bool {
	if CanAdvance(m.Status, status) {
		applyStatus(m, status, at)
		return true
	}
	if status == store.StatusDelivered && m.Status == store.StatusRead &&
		m.DeliveredAt != nil && at.Before(*m.DeliveredAt) {
		m.DeliveredAt = &at
		return true
	}
	return false
}

// applyStatus moves m to status and stamps the matching timestamp. A read
// receipt implies delivery.
func applyStatus(m *store.Message, status store.MessageStatus, at time.Time) {
	m.Status = status
	switch status {
	case store.StatusSent:
		if m.SentAt == nil {
			m.SentAt = &at
		}
	case store.StatusDelivered:
		m.DeliveredAt = &at
	case store.StatusRead:
		if m.DeliveredAt == nil {
			m.DeliveredAt = &at
		}
		m.ReadAt = &at
	}
}
