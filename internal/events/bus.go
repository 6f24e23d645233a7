// Package events implements a typed, in-process broadcast bus: a purely
// in-memory fan-out where each subscriber gets its own buffered channel,
// and a slow subscriber drops events rather than blocking the publisher
// (the importer must never stall waiting on a GraphQL subscriber).
package events

import "sync"

// Kind identifies an event type on the bus.
type Kind string

const (
	BlockFetched        Kind = "block-fetched"
	BlockTxFetched       Kind = "block-tx-fetched"
	BlockTxFetchFailed   Kind = "block-tx-fetch-failed"
	BlockSaved           Kind = "block-saved"
	BlockTxSaved         Kind = "block-tx-saved"
	TxFetched            Kind = "TX_FETCHED"
	DataItemIndexed      Kind = "ANS104_DATA_ITEM_INDEXED"
)

// backlogSize bounds the per-subscriber channel so a slow consumer cannot
// grow memory without bound.
const backlogSize = 256

type subscriber struct {
	id int
	ch chan any
}

// Bus is a process-wide, typed broadcast registry.
type Bus struct {
	mu       sync.RWMutex
	subs     map[Kind][]*subscriber
	nextID   int
	dropped  map[Kind]uint64
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{
		subs:    make(map[Kind][]*subscriber),
		dropped: make(map[Kind]uint64),
	}
}

// Subscribe registers a new listener for kind and returns a receive-only
// channel of backlogSize capacity. Call the returned cancel func to
// unregister and release the channel.
func (b *Bus) Subscribe(kind Kind) (<-chan any, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &subscriber{id: b.nextID, ch: make(chan any, backlogSize)}
	b.subs[kind] = append(b.subs[kind], sub)
	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.subs[kind]
		for i, s := range list {
			if s.id == sub.id {
				b.subs[kind] = append(list[:i], list[i+1:]...)
				close(sub.ch)
				return
			}
		}
	}
	return sub.ch, cancel
}

// Publish fans payload out to every subscriber of kind. A subscriber whose
// buffer is full has the event dropped for it; the publisher never blocks.
func (b *Bus) Publish(kind Kind, payload any) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs[kind] {
		select {
		case sub.ch <- payload:
		default:
			b.dropped[kind]++
		}
	}
}

// Dropped returns the number of events dropped for kind due to a full
// subscriber buffer, for metrics/diagnostics.
func (b *Bus) Dropped(kind Kind) uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped[kind]
}
