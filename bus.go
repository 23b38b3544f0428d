package quay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// defaultEventBuffer is the per-subscriber buffer size.
const defaultEventBuffer = 256

// defaultPublishDeadline bounds how long a publish blocks on a slow consumer
// of a non-droppable channel before failing with ErrSlowConsumer.
const defaultPublishDeadline = 5 * time.Second

// EventBus assigns per-agent sequence numbers, appends events durably through
// the Store, and fans out to in-process subscribers. It owns the sequence
// counter; no other component increments it.
//
// Per-channel delivery order equals seq assignment order. Across channels
// only the producer's causal order holds.
type EventBus struct {
	agentID string
	store   Store
	logger  *slog.Logger

	bufferSize      int
	publishDeadline time.Duration

	mu       sync.Mutex // guards seq allocation and durable append
	seq      uint64
	channels map[Channel]*busChannel
}

// busChannel serializes dispatch for one channel. Its lock is acquired in seq
// order (under EventBus.mu), so subscribers observe events in seq order even
// when publishers race.
type busChannel struct {
	mu   sync.Mutex
	subs []*Subscription
}

// BusOption configures an EventBus.
type BusOption func(*EventBus)

// BusBuffer sets the per-subscriber buffer size (default 256).
func BusBuffer(n int) BusOption {
	return func(b *EventBus) {
		if n > 0 {
			b.bufferSize = n
		}
	}
}

// BusPublishDeadline sets the slow-consumer deadline for Progress and Control
// publishes (default 5s).
func BusPublishDeadline(d time.Duration) BusOption {
	return func(b *EventBus) {
		if d > 0 {
			b.publishDeadline = d
		}
	}
}

// BusLogger sets the structured logger. Nil means no output.
func BusLogger(l *slog.Logger) BusOption {
	return func(b *EventBus) { b.logger = l }
}

// NewEventBus builds the bus for one agent, resuming the sequence counter
// from the highest seq already persisted in the agent's event logs.
func NewEventBus(ctx context.Context, agentID string, store Store, opts ...BusOption) (*EventBus, error) {
	last, err := store.LastSeq(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("bus: resume seq: %w", err)
	}
	b := &EventBus{
		agentID:         agentID,
		store:           store,
		logger:          nopLogger,
		bufferSize:      defaultEventBuffer,
		publishDeadline: defaultPublishDeadline,
		seq:             last,
		channels:        make(map[Channel]*busChannel),
	}
	for _, ch := range Channels() {
		b.channels[ch] = &busChannel{}
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = nopLogger
	}
	return b, nil
}

// Seq returns the last assigned sequence number.
func (b *EventBus) Seq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}

// Publish allocates the next seq, durably appends the event, and dispatches
// it to live subscribers of ch. A persistence failure fails the call and does
// not advance the sequence. A slow consumer on Progress or Control fails the
// call with ErrSlowConsumer after the publish deadline; the offending
// subscriber is evicted so it cannot wedge the agent twice.
func (b *EventBus) Publish(ctx context.Context, ch Channel, ev Event) (Timeline, error) {
	cs, ok := b.channels[ch]
	if !ok {
		return Timeline{}, fmt.Errorf("bus: unknown channel %q", ch)
	}

	b.mu.Lock()
	seq := b.seq + 1
	tl := Timeline{
		Cursor:   cursorFor(ch, seq),
		Bookmark: Bookmark{Seq: seq, Timestamp: NowMillis()},
		Event:    ev,
	}
	if err := b.store.AppendEvent(ctx, b.agentID, ch, tl); err != nil {
		b.mu.Unlock()
		return Timeline{}, fmt.Errorf("bus: append %s: %w", ch, err)
	}
	b.seq = seq
	// Hand off to the channel lock before releasing the seq lock so dispatch
	// happens in seq order without blocking other channels.
	cs.mu.Lock()
	b.mu.Unlock()
	defer cs.mu.Unlock()

	var firstErr error
	for _, sub := range cs.subs {
		if sub.closed {
			continue
		}
		if err := b.deliver(ctx, ch, sub, tl); err != nil {
			sub.markClosed()
			b.logger.Warn("evicting slow subscriber",
				"agent", b.agentID, "channel", ch, "seq", seq)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	cs.compact()
	return tl, firstErr
}

// deliver places tl in the subscriber's buffer. Monitor overflow drops the
// oldest buffered event; Progress and Control block up to the publish
// deadline and then fail.
func (b *EventBus) deliver(ctx context.Context, ch Channel, sub *Subscription, tl Timeline) error {
	select {
	case sub.buf <- tl:
		return nil
	case <-sub.done:
		return nil
	default:
	}

	if ch == ChannelMonitor {
		// Drop the oldest Monitor event to make room. Never drop more than
		// one per publish; if the race loses, drop the new event instead.
		select {
		case <-sub.buf:
			sub.droppedMonitor++
		default:
		}
		select {
		case sub.buf <- tl:
		default:
			sub.droppedMonitor++
		}
		return nil
	}

	timer := time.NewTimer(b.publishDeadline)
	defer timer.Stop()
	select {
	case sub.buf <- tl:
		return nil
	case <-sub.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("bus: %s seq %d: %w", ch, tl.Bookmark.Seq, ErrSlowConsumer)
	}
}

// Subscribe attaches a subscriber to ch. When since is non-nil, persisted
// events with seq > since.Seq are replayed before live events; the handoff
// drops any live event already covered by replay (by seq), so consumers see
// each seq at most once and in order.
//
// The subscription ends when ctx is cancelled or Close is called.
func (b *EventBus) Subscribe(ctx context.Context, ch Channel, since *Bookmark) (*Subscription, error) {
	cs, ok := b.channels[ch]
	if !ok {
		return nil, fmt.Errorf("bus: unknown channel %q", ch)
	}

	sub := &Subscription{
		bus:     b,
		channel: ch,
		buf:     make(chan Timeline, b.bufferSize),
		out:     make(chan Timeline),
		done:    make(chan struct{}),
	}

	// Register first, under the same locks that serialize Publish: everything
	// appended after this point reaches the buffer, everything before is on
	// disk. The overlap (events both read from disk and buffered live) is
	// deduplicated by seq in the pump.
	b.mu.Lock()
	cs.mu.Lock()
	cs.subs = append(cs.subs, sub)
	cs.mu.Unlock()
	b.mu.Unlock()

	var replay []Timeline
	if since != nil {
		var err error
		replay, err = b.store.ReadEvents(ctx, b.agentID, ch, *since)
		if err != nil {
			sub.Close()
			return nil, fmt.Errorf("bus: replay %s: %w", ch, err)
		}
	}

	go sub.pump(ctx, replay)
	return sub, nil
}

// detach removes the subscriber from the fanout list.
func (b *EventBus) detach(s *Subscription) {
	cs, ok := b.channels[s.channel]
	if !ok {
		return
	}
	cs.mu.Lock()
	s.markClosed()
	cs.compact()
	cs.mu.Unlock()
}

// compact drops closed subscribers from the slice. Called with cs.mu held.
func (cs *busChannel) compact() {
	live := cs.subs[:0]
	for _, s := range cs.subs {
		if !s.closed {
			live = append(live, s)
		}
	}
	cs.subs = live
}

// Subscription is a live attachment to one event channel.
type Subscription struct {
	bus     *EventBus
	channel Channel
	buf     chan Timeline
	out     chan Timeline
	done    chan struct{}

	// droppedMonitor counts Monitor events discarded under backpressure.
	// Accessed only under the channel dispatch lock.
	droppedMonitor int

	doneOnce sync.Once
	// closed is guarded by the channel dispatch lock.
	closed bool
}

// Events returns the ordered timeline stream. The channel is closed when the
// subscription ends.
func (s *Subscription) Events() <-chan Timeline { return s.out }

// Close detaches the subscriber. Safe to call multiple times.
func (s *Subscription) Close() {
	s.bus.detach(s)
}

// markClosed flags the subscription for removal and wakes its pump. Called
// with the channel dispatch lock held.
func (s *Subscription) markClosed() {
	s.closed = true
	s.doneOnce.Do(func() { close(s.done) })
}

// pump feeds replayed events first, then live events, deduplicating the
// handoff by seq.
func (s *Subscription) pump(ctx context.Context, replay []Timeline) {
	defer close(s.out)
	defer s.Close()

	var lastSeq uint64
	for _, tl := range replay {
		select {
		case s.out <- tl:
			lastSeq = tl.Bookmark.Seq
		case <-ctx.Done():
			return
		case <-s.done:
			return
		}
	}

	for {
		select {
		case tl := <-s.buf:
			if tl.Bookmark.Seq <= lastSeq {
				continue // already replayed
			}
			select {
			case s.out <- tl:
				lastSeq = tl.Bookmark.Seq
			case <-ctx.Done():
				return
			case <-s.done:
				return
			}
		case <-ctx.Done():
			return
		case <-s.done:
			return
		}
	}
}
