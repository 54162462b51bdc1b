package transport

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
)

const memorySubBuffer = 1024

// MemoryBus is an in-process Conn with NATS subject semantics: token
// wildcards, queue groups, first-reply-wins requests, at-most-once delivery.
// Each subscription dispatches from its own goroutine, so handler timing
// matches the asynchronous fabric rather than the caller's stack.
type MemoryBus struct {
	mu     sync.Mutex
	subs   []*memorySub
	rr     map[string]int
	closed bool

	pendingMu sync.Mutex
	pending   int
	drained   *sync.Cond

	logger *slog.Logger
}

// NewMemoryBus returns an empty in-process bus.
func NewMemoryBus() *MemoryBus {
	b := &MemoryBus{
		rr:     make(map[string]int),
		logger: slog.Default().With("component", "transport"),
	}
	b.drained = sync.NewCond(&b.pendingMu)
	return b
}

type memorySub struct {
	bus     *MemoryBus
	pattern string
	queue   string
	handler Handler
	ch      chan *Msg
	done    chan struct{}
	once    sync.Once
}

func (s *memorySub) Unsubscribe() error {
	s.once.Do(func() {
		close(s.done)
		s.bus.removeSub(s)
		// Queued but undispatched messages are dropped; settle their
		// pending count so Flush does not hang.
		for {
			select {
			case <-s.ch:
				s.bus.donePending()
			default:
				return
			}
		}
	})
	return nil
}

func (s *memorySub) dispatch() {
	for {
		select {
		case <-s.done:
			return
		case m := <-s.ch:
			s.handler(m)
			s.bus.donePending()
		}
	}
}

func (b *MemoryBus) Publish(subject string, data []byte) error {
	if err := validateSubject(subject); err != nil {
		return err
	}
	_, err := b.deliver(&Msg{Subject: subject, Data: data})
	return err
}

func (b *MemoryBus) Request(ctx context.Context, subject string, data []byte) ([]byte, error) {
	if err := validateSubject(subject); err != nil {
		return nil, err
	}

	replyCh := make(chan []byte, 1)
	msg := &Msg{
		Subject: subject,
		Reply:   "_INBOX." + uuid.New().String(),
		Data:    data,
		respond: func(p []byte) error {
			select {
			case replyCh <- p:
			default: // first reply wins
			}
			return nil
		},
	}

	n, err := b.deliver(msg)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, ErrNoResponders
	}

	select {
	case p := <-replyCh:
		return p, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *MemoryBus) Subscribe(subject string, handler Handler) (Subscription, error) {
	return b.subscribe(subject, "", handler)
}

func (b *MemoryBus) QueueSubscribe(subject, queue string, handler Handler) (Subscription, error) {
	if queue == "" {
		return nil, fmt.Errorf("transport: empty queue group name")
	}
	return b.subscribe(subject, queue, handler)
}

func (b *MemoryBus) subscribe(pattern, queue string, handler Handler) (Subscription, error) {
	if err := validatePattern(pattern); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, fmt.Errorf("transport: nil handler")
	}

	s := &memorySub{
		bus:     b,
		pattern: pattern,
		queue:   queue,
		handler: handler,
		ch:      make(chan *Msg, memorySubBuffer),
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.subs = append(b.subs, s)
	b.mu.Unlock()

	go s.dispatch()
	return s, nil
}

// Flush blocks until every enqueued message has been handled.
func (b *MemoryBus) Flush() error {
	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()
	for b.pending > 0 {
		b.drained.Wait()
	}
	return nil
}

// Drain closes intake first, so queued messages are handled but nothing new
// is accepted, then tears the subscriptions down.
func (b *MemoryBus) Drain() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*memorySub, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	if err := b.Flush(); err != nil {
		return err
	}
	for _, s := range subs {
		s.Unsubscribe() //nolint:errcheck
	}
	return nil
}

func (b *MemoryBus) Healthy() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.closed
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*memorySub, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	for _, s := range subs {
		s.Unsubscribe() //nolint:errcheck
	}
	return nil
}

// deliver fans msg out to matching subscriptions. Plain subscriptions each
// receive a copy; every queue group receives exactly one, round-robin across
// its matching members. Returns the number of subscriptions selected.
func (b *MemoryBus) deliver(msg *Msg) (int, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return 0, ErrClosed
	}

	var targets []*memorySub
	groups := make(map[string][]*memorySub)
	for _, s := range b.subs {
		if !subjectMatches(s.pattern, msg.Subject) {
			continue
		}
		if s.queue == "" {
			targets = append(targets, s)
		} else {
			groups[s.queue] = append(groups[s.queue], s)
		}
	}
	for queue, members := range groups {
		idx := b.rr[queue] % len(members)
		b.rr[queue]++
		targets = append(targets, members[idx])
	}
	b.mu.Unlock()

	for _, s := range targets {
		b.addPending()
		select {
		case s.ch <- msg:
		default:
			b.donePending()
			b.logger.Warn("slow consumer, dropping message",
				"subject", msg.Subject, "pattern", s.pattern)
		}
	}
	return len(targets), nil
}

func (b *MemoryBus) removeSub(s *memorySub) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, cur := range b.subs {
		if cur == s {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

func (b *MemoryBus) addPending() {
	b.pendingMu.Lock()
	b.pending++
	b.pendingMu.Unlock()
}

func (b *MemoryBus) donePending() {
	b.pendingMu.Lock()
	b.pending--
	if b.pending == 0 {
		b.drained.Broadcast()
	}
	b.pendingMu.Unlock()
}

// validateSubject rejects empty tokens and wildcards; publish subjects must
// be literal.
func validateSubject(subject string) error {
	if subject == "" {
		return fmt.Errorf("transport: empty subject")
	}
	for _, tok := range strings.Split(subject, ".") {
		if tok == "" {
			return fmt.Errorf("transport: invalid subject %q", subject)
		}
		if tok == "*" || tok == ">" {
			return fmt.Errorf("transport: wildcard in publish subject %q", subject)
		}
	}
	return nil
}

func validatePattern(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("transport: empty subject")
	}
	toks := strings.Split(pattern, ".")
	for i, tok := range toks {
		if tok == "" {
			return fmt.Errorf("transport: invalid subject %q", pattern)
		}
		if tok == ">" && i != len(toks)-1 {
			return fmt.Errorf("transport: %q wildcard must be the last token in %q", ">", pattern)
		}
	}
	return nil
}

// subjectMatches implements NATS token matching: "*" matches exactly one
// token, ">" matches one or more trailing tokens.
func subjectMatches(pattern, subject string) bool {
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")
	for i, tok := range pt {
		if tok == ">" {
			return len(st) > i
		}
		if i >= len(st) {
			return false
		}
		if tok != "*" && tok != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}
