package testutil

import (
	"context"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/c360/ocpprouter/broker"
	"github.com/c360/ocpprouter/natsclient"
)

// MemoryTransport is an in-process broker.Transport with NATS subject
// semantics: "*" and ">" wildcards, queue groups delivering each message to
// one member, and per-subscription in-order delivery.
// Thread-safe for concurrent use from multiple goroutines.
type MemoryTransport struct {
	mu        sync.Mutex
	subs      []*memorySub
	published []*nats.Msg
	failures  int
	failErr   error
	rr        map[string]int
	closed    bool
}

var _ broker.Transport = (*MemoryTransport)(nil)

// NewMemoryTransport creates an empty transport.
func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{rr: make(map[string]int)}
}

type memorySub struct {
	transport *MemoryTransport
	subject   string
	queue     string
	handler   natsclient.MsgHandler
	ctx       context.Context
	cancel    context.CancelFunc
	ch        chan *nats.Msg
	once      sync.Once
}

func (s *memorySub) run() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.ch:
			s.handler(s.ctx, msg)
		}
	}
}

// Unsubscribe stops delivery.
func (s *memorySub) Unsubscribe() error {
	s.once.Do(func() {
		t := s.transport
		t.mu.Lock()
		for i, sub := range t.subs {
			if sub == s {
				t.subs = append(t.subs[:i], t.subs[i+1:]...)
				break
			}
		}
		t.mu.Unlock()
		s.cancel()
	})
	return nil
}

// FailNextPublishes makes the next n publishes return err
// (natsclient.ErrNotConnected when err is nil).
func (t *MemoryTransport) FailNextPublishes(n int, err error) {
	if err == nil {
		err = natsclient.ErrNotConnected
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failures = n
	t.failErr = err
}

// PublishMsg delivers a copy of msg to every matching subscription.
func (t *MemoryTransport) PublishMsg(ctx context.Context, msg *nats.Msg) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return natsclient.ErrClosed
	}
	if t.failures > 0 {
		t.failures--
		err := t.failErr
		t.mu.Unlock()
		return err
	}

	cp := copyMsg(msg)
	t.published = append(t.published, cp)

	var targets []*memorySub
	groups := make(map[string][]*memorySub)
	for _, s := range t.subs {
		if !SubjectMatches(s.subject, msg.Subject) {
			continue
		}
		if s.queue == "" {
			targets = append(targets, s)
			continue
		}
		key := s.subject + "|" + s.queue
		groups[key] = append(groups[key], s)
	}
	for key, members := range groups {
		idx := t.rr[key] % len(members)
		t.rr[key]++
		targets = append(targets, members[idx])
	}
	t.mu.Unlock()

	for _, s := range targets {
		select {
		case s.ch <- copyMsg(cp):
		case <-s.ctx.Done():
		}
	}
	return nil
}

// SubscribeMsg registers handler for subject.
func (t *MemoryTransport) SubscribeMsg(ctx context.Context, subject, queue string, handler natsclient.MsgHandler) (broker.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, natsclient.ErrClosed
	}

	subCtx, cancel := context.WithCancel(ctx)
	s := &memorySub{
		transport: t,
		subject:   subject,
		queue:     queue,
		handler:   handler,
		ctx:       subCtx,
		cancel:    cancel,
		ch:        make(chan *nats.Msg, 1024),
	}
	t.subs = append(t.subs, s)
	go s.run()
	return s, nil
}

// Published returns copies of the messages published on subject, or on any
// subject when subject is empty.
func (t *MemoryTransport) Published(subject string) []*nats.Msg {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*nats.Msg
	for _, m := range t.published {
		if subject == "" || m.Subject == subject {
			out = append(out, copyMsg(m))
		}
	}
	return out
}

// SubscriptionCount returns how many subscriptions use exactly subject.
func (t *MemoryTransport) SubscriptionCount(subject string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, s := range t.subs {
		if s.subject == subject {
			n++
		}
	}
	return n
}

// Close unsubscribes everything and rejects further use.
func (t *MemoryTransport) Close() {
	t.mu.Lock()
	subs := t.subs
	t.subs = nil
	t.closed = true
	t.mu.Unlock()
	for _, s := range subs {
		s.cancel()
	}
}

func copyMsg(m *nats.Msg) *nats.Msg {
	out := &nats.Msg{Subject: m.Subject, Reply: m.Reply, Data: append([]byte(nil), m.Data...)}
	if m.Header != nil {
		out.Header = nats.Header{}
		for k, v := range m.Header {
			out.Header[k] = append([]string(nil), v...)
		}
	}
	return out
}

// SubjectMatches reports whether subject matches pattern using NATS
// wildcard rules.
func SubjectMatches(pattern, subject string) bool {
	p := strings.Split(pattern, ".")
	s := strings.Split(subject, ".")
	for i, tok := range p {
		if tok == ">" {
			return len(s) > i
		}
		if i >= len(s) {
			return false
		}
		if tok != "*" && tok != s[i] {
			return false
		}
	}
	return len(p) == len(s)
}
