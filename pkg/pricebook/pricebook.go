// Package pricebook keeps the latest per-symbol, per-venue quote with
// freshness tracking. Writers are adapter event handlers; readers are the
// detector and the status API.
package pricebook

import (
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/mrcha033/ats/pkg/models"
)

const shardCount = 16

// Book shards quotes by symbol under reader-writer locks.
type Book struct {
	maxQuoteAge time.Duration
	now         func() time.Time
	shards      [shardCount]*shard
}

type shard struct {
	mu     sync.RWMutex
	quotes map[models.Symbol]map[string]models.Quote
}

func New(maxQuoteAge time.Duration) *Book {
	b := &Book{
		maxQuoteAge: maxQuoteAge,
		now:         time.Now,
	}
	for i := range b.shards {
		b.shards[i] = &shard{quotes: make(map[models.Symbol]map[string]models.Quote)}
	}
	return b
}

func (b *Book) shardFor(symbol models.Symbol) *shard {
	h := fnv.New32a()
	h.Write([]byte(symbol))
	return b.shards[h.Sum32()%shardCount]
}

// Update applies a quote. Invalid quotes and quotes older than the one
// already held for the (symbol, venue) key are rejected.
func (b *Book) Update(q models.Quote) error {
	if err := q.Validate(); err != nil {
		return err
	}
	s := b.shardFor(q.Symbol)
	s.mu.Lock()
	defer s.mu.Unlock()

	venues, ok := s.quotes[q.Symbol]
	if !ok {
		venues = make(map[string]models.Quote)
		s.quotes[q.Symbol] = venues
	}
	if prev, ok := venues[q.Venue]; ok && q.Timestamp.Before(prev.Timestamp) {
		return fmt.Errorf("stale quote for %s/%s: %s before %s",
			q.Symbol, q.Venue, q.Timestamp.Format(time.RFC3339Nano), prev.Timestamp.Format(time.RFC3339Nano))
	}
	venues[q.Venue] = q
	return nil
}

// Get returns the quote for a key regardless of freshness.
func (b *Book) Get(symbol models.Symbol, venue string) (models.Quote, bool) {
	s := b.shardFor(symbol)
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.quotes[symbol][venue]
	return q, ok
}

// FreshQuotes returns the per-venue quotes for a symbol that are within the
// freshness window. Stale quotes are invisible to detection.
func (b *Book) FreshQuotes(symbol models.Symbol) map[string]models.Quote {
	now := b.now()
	s := b.shardFor(symbol)
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]models.Quote)
	for venue, q := range s.quotes[symbol] {
		if q.Fresh(b.maxQuoteAge, now) {
			out[venue] = q
		}
	}
	return out
}

// Snapshot returns every held quote for a symbol, fresh or not.
func (b *Book) Snapshot(symbol models.Symbol) map[string]models.Quote {
	s := b.shardFor(symbol)
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]models.Quote, len(s.quotes[symbol]))
	for venue, q := range s.quotes[symbol] {
		out[venue] = q
	}
	return out
}

// Symbols lists every symbol present in the book.
func (b *Book) Symbols() []models.Symbol {
	var out []models.Symbol
	for _, s := range b.shards {
		s.mu.RLock()
		for sym := range s.quotes {
			out = append(out, sym)
		}
		s.mu.RUnlock()
	}
	return out
}
