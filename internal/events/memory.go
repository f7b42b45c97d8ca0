package events

import "sync"

// MemoryPublisher records envelopes in memory. It is the default when
// no event backend is configured, and doubles as a capture sink in tests.
type MemoryPublisher struct {
	mu        sync.Mutex
	envelopes []Envelope
}

// NewMemoryPublisher creates an in-memory publisher.
func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{}
}

// Publish records the envelope.
func (p *MemoryPublisher) Publish(env Envelope) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.envelopes = append(p.envelopes, env)
}

// Close is a no-op.
func (p *MemoryPublisher) Close() {}

// Envelopes returns a copy of everything published so far.
func (p *MemoryPublisher) Envelopes() []Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Envelope, len(p.envelopes))
	copy(out, p.envelopes)
	return out
}

// Subjects returns the published subjects in order.
func (p *MemoryPublisher) Subjects() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.envelopes))
	for _, env := range p.envelopes {
		out = append(out, env.Subject)
	}
	return out
}

var _ Publisher = (*MemoryPublisher)(nil)
