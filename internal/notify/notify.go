// Package notify publishes purchase lifecycle notifications.
package notify

import (
	"context"
	"sync"
	"time"
)

type Event string

const (
	ProductQuerySuccess            Event = "ProductQuerySuccess"
	ProductQueryFailed             Event = "ProductQueryFailed"
	ProductPurchaseSuccess         Event = "ProductPurchaseSuccess"
	ProductPurchaseFailed          Event = "ProductPurchaseFailed"
	TransactionRestoreSuccess      Event = "TransactionRestoreSuccess"
	TransactionRestoreFailed       Event = "TransactionRestoreFailed"
	TransactionForceFinishComplete Event = "TransactionForceFinishComplete"
	ReceiptRefreshSuccess          Event = "ReceiptRefreshSuccess"
	ReceiptRefreshFailed           Event = "ReceiptRefreshFailed"
)

const namePrefix = "com.funplus.sdk.appleiap."

// WireName is the notification name host applications listen for.
// ProductPurchaseFailed keeps its historical "Fails" suffix.
func (e Event) WireName() string {
	if e == ProductPurchaseFailed {
		return namePrefix + "ProductPurchaseFails"
	}
	return namePrefix + string(e)
}

type Notification struct {
	Event Event     `json:"event"`
	Name  string    `json:"name"`
	At    time.Time `json:"at"`
	Data  any       `json:"data,omitempty"`
	Error string    `json:"error,omitempty"`
}

// New stamps a notification for e. A non-nil err fills Error.
func New(e Event, data any, err error) Notification {
	n := Notification{Event: e, Name: e.WireName(), At: time.Now().UTC(), Data: data}
	if err != nil {
		n.Error = err.Error()
	}
	return n
}

type Publisher interface {
	Publish(ctx context.Context, n Notification) error
}

// Nop drops every notification.
type Nop struct{}

func (Nop) Publish(context.Context, Notification) error { return nil }

// MemoryPublisher keeps notifications in memory.
type MemoryPublisher struct {
	mu   sync.Mutex
	sent []Notification
}

func (m *MemoryPublisher) Publish(_ context.Context, n Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, n)
	return nil
}

func (m *MemoryPublisher) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.sent))
	for i, n := range m.sent {
		out[i] = n.Event
	}
	return out
}

func (m *MemoryPublisher) Notifications() []Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Notification(nil), m.sent...)
}
