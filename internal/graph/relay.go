package graph

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/pokisachi/DeChat/internal/bus"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxFrameSize   = 1 << 20
	dialTimeout    = 10 * time.Second
	maxBackoff     = 30 * time.Second
	peerSendBuffer = 256
)

// frame is the wire format exchanged with relay peers. Souls are full
// slash-separated node paths; a null record under "put" is a tombstone.
type frame struct {
	ID  string                    `json:"#,omitempty"`
	Put map[string]map[string]any `json:"put,omitempty"`
	Get map[string]string         `json:"get,omitempty"`
	Ack string                    `json:"@,omitempty"`
	Err any                       `json:"err,omitempty"`
}

// RelayStore is a MemoryStore replicated through one or more relay peers
// over websockets. Local writes are applied to the replica first (a local
// accept is all Put promises) and then gossiped; remote frames are merged
// into the replica, which fans them out to subscribers.
type RelayStore struct {
	*MemoryStore

	peers  []string
	logger *zap.Logger
	bus    *bus.Bus

	mu       sync.Mutex
	conns    map[int]chan frame
	nextID   int
	wanted   map[string]bool
	wantList []string
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewRelayStore creates a relay-backed store. Connect must be called before
// remote replication starts; the local replica works immediately.
func NewRelayStore(peers []string, b *bus.Bus, logger *zap.Logger) *RelayStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	rs := &RelayStore{
		MemoryStore: NewMemoryStore(),
		peers:       peers,
		logger:      logger,
		bus:         b,
		conns:       make(map[int]chan frame),
		wanted:      make(map[string]bool),
	}
	rs.MemoryStore.writeHook = rs.broadcast
	rs.MemoryStore.readHook = rs.request
	return rs
}

// Connect starts one managed connection per configured peer. Each connection
// redials with exponential backoff until ctx is cancelled.
func (rs *RelayStore) Connect(ctx context.Context) {
	ctx, rs.cancel = context.WithCancel(ctx)
	for _, peer := range rs.peers {
		rs.wg.Add(1)
		go rs.managePeer(ctx, peer)
	}
}

// Close stops all peer connections and waits for their pumps to exit.
func (rs *RelayStore) Close() error {
	if rs.cancel != nil {
		rs.cancel()
	}
	rs.wg.Wait()
	return nil
}

// broadcast forwards a locally originated put to every live peer connection.
// Delivery is best-effort: a peer with a full send buffer drops the frame
// and relies on relay gossip to converge.
func (rs *RelayStore) broadcast(path string, value map[string]any) {
	f := frame{
		ID:  uuid.NewString(),
		Put: map[string]map[string]any{path: value},
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	for _, ch := range rs.conns {
		select {
		case ch <- f:
		default:
		}
	}
}

// request asks every live peer for a soul the replica has a subscriber on.
// Each soul is requested once per store, and re-requested on every fresh
// connection so reconnects resync.
func (rs *RelayStore) request(soul string) {
	f := frame{
		ID:  uuid.NewString(),
		Get: map[string]string{"#": soul},
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.wanted[soul] {
		return
	}
	rs.wanted[soul] = true
	rs.wantList = append(rs.wantList, soul)
	for _, ch := range rs.conns {
		select {
		case ch <- f:
		default:
		}
	}
}

func (rs *RelayStore) managePeer(ctx context.Context, peer string) {
	defer rs.wg.Done()

	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}

		dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
		conn, _, err := dialer.DialContext(ctx, peer, nil)
		if err != nil {
			rs.logger.Warn("relay dial failed", zap.String("peer", peer), zap.Error(err))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = time.Second

		rs.logger.Info("relay connected", zap.String("peer", peer))
		if rs.bus != nil {
			rs.bus.Publish(bus.TopicRelayConnected, peer)
		}

		send := make(chan frame, peerSendBuffer)
		rs.mu.Lock()
		id := rs.nextID
		rs.nextID++
		rs.conns[id] = send
		for _, soul := range rs.wantList {
			select {
			case send <- frame{ID: uuid.NewString(), Get: map[string]string{"#": soul}}:
			default:
			}
		}
		rs.mu.Unlock()

		rs.runConn(ctx, conn, send)

		rs.mu.Lock()
		delete(rs.conns, id)
		rs.mu.Unlock()

		rs.logger.Warn("relay disconnected", zap.String("peer", peer))
		if rs.bus != nil {
			rs.bus.Publish(bus.TopicRelayDropped, peer)
		}
	}
}

// runConn drives the read and write pumps for one connection and returns
// when either side fails or ctx is cancelled.
func (rs *RelayStore) runConn(ctx context.Context, conn *websocket.Conn, send chan frame) {
	done := make(chan struct{})

	go func() {
		defer close(done)
		conn.SetReadLimit(maxFrameSize)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					rs.logger.Warn("relay read error", zap.Error(err))
				}
				return
			}
			rs.handleFrame(data)
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer func() { _ = conn.Close() }()

	for {
		select {
		case f := <-send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(f); err != nil {
				rs.logger.Warn("relay write error", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		case <-ctx.Done():
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// handleFrame merges one inbound relay frame into the local replica.
// Malformed frames are dropped, never fatal.
func (rs *RelayStore) handleFrame(data []byte) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		rs.logger.Warn("malformed relay frame dropped", zap.Error(err))
		return
	}
	if f.Ack != "" {
		if f.Err != nil {
			rs.logger.Warn("relay rejected write", zap.String("ack", f.Ack), zap.Any("err", f.Err))
		}
		return
	}
	for soul, rec := range f.Put {
		if soul == "" {
			continue
		}
		rs.applyRemote(soul, rec)
	}
}
