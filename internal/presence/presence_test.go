package presence

import (
	"context"
	"testing"
	"time"

	"github.com/pokisachi/DeChat/internal/bus"
	"github.com/pokisachi/DeChat/internal/graph"
)

func readPresence(s *graph.MemoryStore, address string) map[string]any {
	var rec map[string]any
	off := s.Get("online").Get(address).On(func(value map[string]any, _ string) {
		rec = value
	})
	off()
	return rec
}

func TestPublisherWritesHeartbeatAndFinalOffline(t *testing.T) {
	s := graph.NewMemoryStore()
	p := NewPublisher(s, "0xa", 10*time.Millisecond, nil)

	p.Start()
	time.Sleep(25 * time.Millisecond)

	rec := readPresence(s, "0xa")
	if rec == nil {
		t.Fatal("no heartbeat record written")
	}
	if rec["status"] != "online" {
		t.Errorf("status = %v, want online", rec["status"])
	}
	// The timestamp travels as "ts", matching the record shape peers write.
	if ts, ok := rec["ts"].(int64); !ok || ts == 0 {
		t.Errorf("ts = %v, want non-zero int64", rec["ts"])
	}

	p.Stop(context.Background())
	rec = readPresence(s, "0xa")
	if rec["status"] != "offline" {
		t.Errorf("status after stop = %v, want offline", rec["status"])
	}
}

func TestPublisherStopIsIdempotent(t *testing.T) {
	s := graph.NewMemoryStore()
	p := NewPublisher(s, "0xa", 10*time.Millisecond, nil)
	p.Start()
	p.Stop(context.Background())
	p.Stop(context.Background())
}

func TestObserverFreshHeartbeatIsOnline(t *testing.T) {
	s := graph.NewMemoryStore()
	ctx := context.Background()

	p := NewPublisher(s, "0xa", time.Minute, nil)
	p.Start()
	defer p.Stop(ctx)

	o := NewObserver(s, nil, 15*time.Second, nil)
	defer o.Close()
	o.Start()

	st, ok := o.Status("0xa")
	if !ok || !st.Online {
		t.Errorf("status = %+v ok=%v, want online", st, ok)
	}
	online := o.Online()
	if len(online) != 1 || online[0] != "0xa" {
		t.Errorf("online = %v, want [0xa]", online)
	}
	if seen, ok := o.LastSeen("0xa"); !ok || seen == 0 {
		t.Errorf("last seen = %d ok=%v", seen, ok)
	}
}

func TestObserverSeesPeersThatBeatAfterStart(t *testing.T) {
	s := graph.NewMemoryStore()
	ctx := context.Background()

	o := NewObserver(s, nil, 15*time.Second, nil)
	defer o.Close()
	o.Start()

	p := NewPublisher(s, "0xlate", time.Minute, nil)
	p.Start()
	defer p.Stop(ctx)

	if st, ok := o.Status("0xlate"); !ok || !st.Online {
		t.Errorf("late peer not observed: %+v ok=%v", st, ok)
	}
}

func TestObserverStaleHeartbeatIsOffline(t *testing.T) {
	s := graph.NewMemoryStore()
	ctx := context.Background()

	old := time.Now().Add(-time.Hour).UnixMilli()
	err := s.Get("online").Get("0xb").Put(ctx, map[string]any{
		"status": "online", "ts": old,
	})
	if err != nil {
		t.Fatal(err)
	}

	o := NewObserver(s, nil, 15*time.Second, nil)
	defer o.Close()
	o.Start()

	st, ok := o.Status("0xb")
	if !ok {
		t.Fatal("no status observed")
	}
	if st.Online {
		t.Error("hour-old heartbeat counted as online")
	}
	if st.LastSeen != old {
		t.Errorf("LastSeen = %d, want %d", st.LastSeen, old)
	}
	if len(o.Online()) != 0 {
		t.Errorf("online = %v, want empty", o.Online())
	}
}

func TestObserverHonorsFinalOfflineWrite(t *testing.T) {
	s := graph.NewMemoryStore()
	ctx := context.Background()

	p := NewPublisher(s, "0xa", time.Minute, nil)
	p.Start()

	o := NewObserver(s, nil, 15*time.Second, nil)
	defer o.Close()
	o.Start()

	p.Stop(ctx)
	st, _ := o.Status("0xa")
	if st.Online {
		t.Error("peer online after its final offline write")
	}
}

func TestObserverPublishesChanges(t *testing.T) {
	s := graph.NewMemoryStore()
	ctx := context.Background()
	b := bus.New()

	events, cancel := b.Subscribe(bus.TopicPresenceChanged, 4)
	defer cancel()

	o := NewObserver(s, b, 15*time.Second, nil)
	defer o.Close()
	o.Start()

	err := s.Get("online").Get("0xa").Put(ctx, map[string]any{
		"status": "online", "ts": time.Now().UnixMilli(),
	})
	if err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-events:
		st, ok := ev.Payload.(Status)
		if !ok || st.Address != "0xa" || !st.Online {
			t.Errorf("payload = %+v", ev.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no presence event published")
	}
}

func TestStatusGoesStaleAtReadTime(t *testing.T) {
	s := graph.NewMemoryStore()
	ctx := context.Background()

	o := NewObserver(s, nil, 15*time.Second, nil)
	defer o.Close()
	o.Start()

	err := s.Get("online").Get("0xa").Put(ctx, map[string]any{
		"status": "online", "ts": time.Now().UnixMilli(),
	})
	if err != nil {
		t.Fatal(err)
	}

	// Advance the observer's clock past the staleness window.
	o.now = func() time.Time { return time.Now().Add(time.Minute) }
	st, _ := o.Status("0xa")
	if st.Online {
		t.Error("stale record still reads online")
	}
}
