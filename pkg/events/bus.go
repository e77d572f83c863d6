package events

import (
	"sync"

	"github.com/mrcha033/ats/pkg/models"
)

// Bus fans events out to subscribers, one channel per subscriber per kind.
//
// Quote delivery coalesces: when a subscriber queue holds an undelivered
// quote for the same (symbol, venue), the newer quote supersedes it. Order
// updates and risk alerts are never dropped; a full subscriber blocks the
// producer instead.
type Bus struct {
	mu sync.RWMutex

	quoteSubs   []*QuoteQueue
	tradeSubs   []chan TradeEvent
	oppSubs     []chan OpportunityEvent
	orderSubs   []chan OrderUpdateEvent
	balanceSubs []chan BalanceEvent
	alertSubs   []chan RiskAlertEvent

	quoteCap int
	chanCap  int
}

func NewBus(quoteCapacity, channelCapacity int) *Bus {
	if quoteCapacity <= 0 {
		quoteCapacity = 1024
	}
	if channelCapacity <= 0 {
		channelCapacity = 256
	}
	return &Bus{quoteCap: quoteCapacity, chanCap: channelCapacity}
}

func (b *Bus) SubscribeQuotes() *QuoteQueue {
	q := newQuoteQueue(b.quoteCap)
	b.mu.Lock()
	b.quoteSubs = append(b.quoteSubs, q)
	b.mu.Unlock()
	return q
}

func (b *Bus) SubscribeTrades() <-chan TradeEvent {
	ch := make(chan TradeEvent, b.chanCap)
	b.mu.Lock()
	b.tradeSubs = append(b.tradeSubs, ch)
	b.mu.Unlock()
	return ch
}

func (b *Bus) SubscribeOpportunities() <-chan OpportunityEvent {
	ch := make(chan OpportunityEvent, b.chanCap)
	b.mu.Lock()
	b.oppSubs = append(b.oppSubs, ch)
	b.mu.Unlock()
	return ch
}

func (b *Bus) SubscribeOrderUpdates() <-chan OrderUpdateEvent {
	ch := make(chan OrderUpdateEvent, b.chanCap)
	b.mu.Lock()
	b.orderSubs = append(b.orderSubs, ch)
	b.mu.Unlock()
	return ch
}

func (b *Bus) SubscribeBalances() <-chan BalanceEvent {
	ch := make(chan BalanceEvent, b.chanCap)
	b.mu.Lock()
	b.balanceSubs = append(b.balanceSubs, ch)
	b.mu.Unlock()
	return ch
}

func (b *Bus) SubscribeRiskAlerts() <-chan RiskAlertEvent {
	ch := make(chan RiskAlertEvent, b.chanCap)
	b.mu.Lock()
	b.alertSubs = append(b.alertSubs, ch)
	b.mu.Unlock()
	return ch
}

func (b *Bus) PublishQuote(ev QuoteEvent) {
	b.mu.RLock()
	subs := b.quoteSubs
	b.mu.RUnlock()
	for _, q := range subs {
		q.Push(ev)
	}
}

func (b *Bus) PublishTrade(ev TradeEvent) {
	b.mu.RLock()
	subs := b.tradeSubs
	b.mu.RUnlock()
	for _, ch := range subs {
		ch <- ev
	}
}

func (b *Bus) PublishOpportunity(ev OpportunityEvent) {
	b.mu.RLock()
	subs := b.oppSubs
	b.mu.RUnlock()
	for _, ch := range subs {
		ch <- ev
	}
}

// PublishOrderUpdate blocks rather than drop when a subscriber is full.
func (b *Bus) PublishOrderUpdate(ev OrderUpdateEvent) {
	b.mu.RLock()
	subs := b.orderSubs
	b.mu.RUnlock()
	for _, ch := range subs {
		ch <- ev
	}
}

func (b *Bus) PublishBalances(ev BalanceEvent) {
	b.mu.RLock()
	subs := b.balanceSubs
	b.mu.RUnlock()
	for _, ch := range subs {
		ch <- ev
	}
}

// PublishRiskAlert blocks rather than drop when a subscriber is full.
func (b *Bus) PublishRiskAlert(ev RiskAlertEvent) {
	b.mu.RLock()
	subs := b.alertSubs
	b.mu.RUnlock()
	for _, ch := range subs {
		ch <- ev
	}
}

// QuoteQueue is a bounded per-subscriber quote buffer keyed by
// (symbol, venue). A push for a key already pending replaces the stale entry
// in place; when the queue is full of distinct keys the oldest entry is
// evicted.
type QuoteQueue struct {
	mu       sync.Mutex
	capacity int
	order    []string
	pending  map[string]QuoteEvent
	notify   chan struct{}
	closed   bool
}

func newQuoteQueue(capacity int) *QuoteQueue {
	return &QuoteQueue{
		capacity: capacity,
		pending:  make(map[string]QuoteEvent),
		notify:   make(chan struct{}, 1),
	}
}

func quoteKey(q models.Quote) string {
	return q.Symbol + "|" + q.Venue
}

func (q *QuoteQueue) Push(ev QuoteEvent) {
	key := quoteKey(ev.Quote)
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	if _, exists := q.pending[key]; exists {
		q.pending[key] = ev
	} else {
		if len(q.order) >= q.capacity {
			evicted := q.order[0]
			q.order = q.order[1:]
			delete(q.pending, evicted)
		}
		q.order = append(q.order, key)
		q.pending[key] = ev
	}
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Pop returns the next pending quote, blocking until one arrives or done is
// closed.
func (q *QuoteQueue) Pop(done <-chan struct{}) (QuoteEvent, bool) {
	for {
		q.mu.Lock()
		if len(q.order) > 0 {
			key := q.order[0]
			q.order = q.order[1:]
			ev := q.pending[key]
			delete(q.pending, key)
			remaining := len(q.order)
			q.mu.Unlock()
			if remaining > 0 {
				select {
				case q.notify <- struct{}{}:
				default:
				}
			}
			return ev, true
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return QuoteEvent{}, false
		}

		select {
		case <-q.notify:
		case <-done:
			return QuoteEvent{}, false
		}
	}
}

// Len returns the number of pending quotes.
func (q *QuoteQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}

func (q *QuoteQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
