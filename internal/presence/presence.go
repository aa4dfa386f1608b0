// Package presence publishes and observes best-effort online heartbeats
// through the replicated graph. Presence is advisory: a peer is "online"
// when its last heartbeat is recent enough, nothing stronger.
package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pokisachi/DeChat/internal/bus"
	"github.com/pokisachi/DeChat/internal/graph"
)

const onlineRoot = "online"

// Status is the materialized presence of one peer, also the bus payload
// for presence change notifications.
type Status struct {
	Address  string
	Online   bool
	LastSeen int64
}

// Publisher writes this identity's heartbeat record on a fixed interval.
type Publisher struct {
	store    graph.Store
	self     string
	interval time.Duration
	logger   *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPublisher creates a heartbeat publisher for the given identity.
func NewPublisher(store graph.Store, self string, interval time.Duration, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Publisher{store: store, self: self, interval: interval, logger: logger}
}

// Start begins heartbeating. The first beat is written immediately.
func (p *Publisher) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.loop(ctx, p.done)
}

func (p *Publisher) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	p.beat(ctx, "online")
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.beat(ctx, "online")
		}
	}
}

// Stop halts the loop and writes a final offline record so peers need not
// wait for the heartbeat to go stale.
func (p *Publisher) Stop(ctx context.Context) {
	p.mu.Lock()
	cancel := p.cancel
	done := p.done
	p.cancel = nil
	p.done = nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	p.beat(ctx, "offline")
}

func (p *Publisher) beat(ctx context.Context, status string) {
	err := p.store.Get(onlineRoot).Get(p.self).Put(ctx, map[string]any{
		"status": status,
		"ts":     time.Now().UnixMilli(),
	})
	if err != nil {
		p.logger.Warn("heartbeat write failed", zap.Error(err))
	}
}

// Observer materializes peer presence from the heartbeat collection. A peer
// whose heartbeat is older than staleAfter counts as offline regardless of
// its claimed status; a final offline write is honored immediately.
type Observer struct {
	store      graph.Store
	bus        *bus.Bus
	logger     *zap.Logger
	staleAfter time.Duration
	now        func() time.Time

	mu       sync.Mutex
	off      func()
	statuses map[string]Status
}

// NewObserver creates an observer. staleAfter should be a small multiple
// of the peers' heartbeat interval.
func NewObserver(store graph.Store, b *bus.Bus, staleAfter time.Duration, logger *zap.Logger) *Observer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if staleAfter <= 0 {
		staleAfter = 15 * time.Second
	}
	return &Observer{
		store:      store,
		bus:        b,
		logger:     logger,
		staleAfter: staleAfter,
		now:        time.Now,
		statuses:   make(map[string]Status),
	}
}

// Start subscribes to the whole heartbeat collection, existing records
// first, then live updates.
func (o *Observer) Start() {
	o.mu.Lock()
	if o.off != nil {
		o.mu.Unlock()
		return
	}
	// Reserve before subscribing; MapOn delivers synchronously.
	o.off = func() {}
	o.mu.Unlock()

	off := o.store.Get(onlineRoot).MapOn(func(rec map[string]any, address string) {
		o.onRecord(address, rec)
	})

	o.mu.Lock()
	if o.off != nil {
		o.off = off
		o.mu.Unlock()
		return
	}
	o.mu.Unlock()
	off()
}

// Close releases the subscription and forgets every status.
func (o *Observer) Close() {
	o.mu.Lock()
	off := o.off
	o.off = nil
	o.statuses = make(map[string]Status)
	o.mu.Unlock()
	if off != nil {
		off()
	}
}

func (o *Observer) onRecord(address string, rec map[string]any) {
	if rec == nil || address == "" {
		return
	}
	status, _ := rec["status"].(string)
	lastSeen := toInt64(rec["ts"])

	s := Status{
		Address:  address,
		LastSeen: lastSeen,
		Online:   status == "online" && o.fresh(lastSeen),
	}

	o.mu.Lock()
	prev, known := o.statuses[address]
	o.statuses[address] = s
	o.mu.Unlock()

	if o.bus != nil && (!known || prev.Online != s.Online || prev.LastSeen != s.LastSeen) {
		o.bus.Publish(bus.TopicPresenceChanged, s)
	}
}

func (o *Observer) fresh(lastSeen int64) bool {
	if lastSeen == 0 {
		return false
	}
	age := o.now().UnixMilli() - lastSeen
	return age <= o.staleAfter.Milliseconds()
}

// Status returns the last observed presence of a peer. Freshness is
// re-evaluated at call time: a record that has gone stale since it was
// received reads as offline.
func (o *Observer) Status(address string) (Status, bool) {
	o.mu.Lock()
	s, ok := o.statuses[address]
	o.mu.Unlock()
	if !ok {
		return Status{}, false
	}
	if s.Online && !o.fresh(s.LastSeen) {
		s.Online = false
	}
	return s, true
}

// Online returns the addresses currently considered online, sorted.
func (o *Observer) Online() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []string
	for addr, s := range o.statuses {
		if s.Online && o.fresh(s.LastSeen) {
			out = append(out, addr)
		}
	}
	sort.Strings(out)
	return out
}

// LastSeen returns the last heartbeat timestamp of a peer, whether or not
// it is still online.
func (o *Observer) LastSeen(address string) (int64, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.statuses[address]
	if !ok {
		return 0, false
	}
	return s.LastSeen, true
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}
