package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loqalabs/loqa-rover/internal/bus"
	"github.com/loqalabs/loqa-rover/internal/config"
	"github.com/loqalabs/loqa-rover/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Gauges reports the operational numbers carried in each heartbeat.
type Gauges func() (framesSeen uint64, lastFrameAge time.Duration, activeRuns int)

// Peer is the last known state of a node on the bus.
type Peer struct {
	ID           string    `json:"id"`
	Role         string    `json:"role"`
	Capabilities []string  `json:"capabilities,omitempty"`
	FramesSeen   uint64    `json:"frames_seen"`
	ActiveRuns   int       `json:"active_runs"`
	LastSeen     time.Time `json:"last_seen"`
	Healthy      bool      `json:"healthy"`
}

// Tracker announces this node, publishes heartbeats and follows its peers.
type Tracker struct {
	cfg          config.NodeConfig
	capabilities []string
	gauges       Gauges
	log          *slog.Logger
	bus          *bus.Client
	mu           sync.RWMutex
	peers        map[string]*Peer
	subs         []*nats.Subscription
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	now          func() time.Time
}

// New subscribes to peer traffic, announces the node and starts heartbeating.
func New(ctx context.Context, cfg config.NodeConfig, capabilities []string, gauges Gauges, busClient *bus.Client, log *slog.Logger) (*Tracker, error) {
	ctx, cancel := context.WithCancel(ctx)
	t := &Tracker{
		cfg:          cfg,
		capabilities: append([]string(nil), capabilities...),
		gauges:       gauges,
		log:          log.With(slog.String("component", "presence")),
		bus:          busClient,
		peers:        make(map[string]*Peer),
		cancel:       cancel,
		now:          time.Now,
	}

	if err := t.initMetrics(); err != nil {
		t.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	if err := t.subscribe(); err != nil {
		cancel()
		return nil, err
	}

	if err := t.announce(); err != nil {
		t.log.Warn("failed to announce node", slog.String("error", err.Error()))
	}

	t.wg.Add(2)
	go t.runHeartbeat(ctx)
	go t.monitorHealth(ctx)
	return t, nil
}

func (t *Tracker) Close() {
	t.cancel()
	t.wg.Wait()
	for _, sub := range t.subs {
		_ = sub.Drain()
	}
}

func (t *Tracker) subscribe() error {
	conn := t.bus.Conn()
	announceSub, err := conn.Subscribe(protocol.SubjectNodeAnnounce, t.handleAnnounce)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	t.subs = append(t.subs, announceSub)

	heartbeatSub, err := conn.Subscribe(protocol.SubjectNodeHeartbeatPrefix+".*", t.handleHeartbeat)
	if err != nil {
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	t.subs = append(t.subs, heartbeatSub)
	return nil
}

func (t *Tracker) runHeartbeat(ctx context.Context) {
	defer t.wg.Done()
	ticker := time.NewTicker(time.Duration(t.cfg.HeartbeatInterval) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.publishHeartbeat(); err != nil {
				t.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
		}
	}
}

func (t *Tracker) monitorHealth(ctx context.Context) {
	defer t.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.evaluateHealth()
		}
	}
}

func (t *Tracker) announce() error {
	msg := protocol.Announce{
		NodeID:       t.cfg.ID,
		Role:         t.cfg.Role,
		Capabilities: t.capabilities,
		Timestamp:    t.now().UTC(),
	}
	if err := t.bus.PublishJSON(protocol.SubjectNodeAnnounce, msg); err != nil {
		return err
	}
	t.updatePeer(msg.NodeID, func(p *Peer) {
		p.Role = msg.Role
		p.Capabilities = msg.Capabilities
	}, msg.Timestamp)
	return nil
}

// Heartbeat builds the heartbeat this node would publish now.
func (t *Tracker) Heartbeat() protocol.Heartbeat {
	hb := protocol.Heartbeat{NodeID: t.cfg.ID, LastFrameAgeMS: -1, Timestamp: t.now().UTC()}
	if t.gauges != nil {
		seen, age, runs := t.gauges()
		hb.FramesSeen = seen
		hb.ActiveRuns = runs
		if age >= 0 {
			hb.LastFrameAgeMS = age.Milliseconds()
		}
	}
	return hb
}

func (t *Tracker) publishHeartbeat() error {
	return t.bus.PublishJSON(protocol.SubjectNodeHeartbeatPrefix+"."+t.cfg.ID, t.Heartbeat())
}

func (t *Tracker) handleAnnounce(msg *nats.Msg) {
	var announcement protocol.Announce
	if err := json.Unmarshal(msg.Data, &announcement); err != nil {
		t.log.Warn("invalid announce message", slog.String("error", err.Error()))
		return
	}
	if announcement.NodeID == "" {
		return
	}
	if announcement.Timestamp.IsZero() {
		announcement.Timestamp = t.now().UTC()
	}
	t.updatePeer(announcement.NodeID, func(p *Peer) {
		if announcement.Role != "" {
			p.Role = announcement.Role
		}
		if len(announcement.Capabilities) > 0 {
			p.Capabilities = announcement.Capabilities
		}
	}, announcement.Timestamp)
}

func (t *Tracker) handleHeartbeat(msg *nats.Msg) {
	var hb protocol.Heartbeat
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		t.log.Warn("invalid heartbeat message", slog.String("error", err.Error()))
		return
	}
	if hb.NodeID == "" {
		return
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = t.now().UTC()
	}
	t.updatePeer(hb.NodeID, func(p *Peer) {
		p.FramesSeen = hb.FramesSeen
		p.ActiveRuns = hb.ActiveRuns
	}, hb.Timestamp)
}

func (t *Tracker) updatePeer(nodeID string, apply func(*Peer), seen time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	peer, ok := t.peers[nodeID]
	if !ok {
		peer = &Peer{ID: nodeID}
		t.peers[nodeID] = peer
	}
	apply(peer)
	peer.LastSeen = seen
	peer.Healthy = true
}

func (t *Tracker) evaluateHealth() {
	t.mu.Lock()
	defer t.mu.Unlock()

	timeout := time.Duration(t.cfg.HeartbeatTimeout) * time.Millisecond
	now := t.now()
	for _, peer := range t.peers {
		if now.Sub(peer.LastSeen) > timeout {
			peer.Healthy = false
		}
	}
}

// Healthy reports whether this node's own announcements are still arriving.
func (t *Tracker) Healthy() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	peer, ok := t.peers[t.cfg.ID]
	return ok && peer.Healthy
}

// Peers returns a snapshot of known nodes ordered by id.
func (t *Tracker) Peers() []Peer {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Peer, 0, len(t.peers))
	for _, peer := range t.peers {
		p := *peer
		p.Capabilities = append([]string(nil), peer.Capabilities...)
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (t *Tracker) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-rover/presence")
	gauge, err := meter.Int64ObservableGauge("rover.presence.peers", metric.WithDescription("Number of healthy nodes on the bus"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		obs.ObserveInt64(gauge, t.healthyCount())
		return nil
	}, gauge)
	return err
}

func (t *Tracker) healthyCount() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var n int64
	for _, peer := range t.peers {
		if peer.Healthy {
			n++
		}
	}
	return n
}
