package p2p

import (
	"bufio"
	"context"
	"fmt"
	"math/rand"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/mezonai/posnode/errors"
	"github.com/mezonai/posnode/exception"
	"github.com/mezonai/posnode/jsonx"
	"github.com/mezonai/posnode/logx"
	"github.com/mezonai/posnode/monitoring"
)

// DefaultMaxMessageBytes caps one frame; a full chain response is the largest message.
const DefaultMaxMessageBytes = 64 << 20

// maxKnownAddrs bounds the addresses remembered for reconnects.
const maxKnownAddrs = 256

// Handler receives everything a peer sends after the handshake.
type Handler interface {
	HandleMessage(ctx context.Context, peerID string, msg *Message)
	OnPeerConnected(ctx context.Context, peerID string, hs HandshakePayload)
}

type TransportConfig struct {
	NodeID          string
	Host            string
	Port            int
	QueueSize       int
	DialTimeout     time.Duration
	WriteTimeout    time.Duration
	MaxMessageBytes int
	// ChainLength is advertised in the handshake.
	ChainLength func() uint64
}

// Transport is a TCP mesh. Frames are newline-terminated JSON envelopes written in ChunkSize pieces.
type Transport struct {
	cfg      TransportConfig
	handler  Handler
	scoring  *PeerScoringManager
	listener net.Listener
	ctx      context.Context

	mu    sync.RWMutex
	peers map[string]*Peer
	seeds map[string]struct{} // host:port dialed at least once
}

func NewTransport(cfg TransportConfig, scoring *PeerScoringConfig) *Transport {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = DefaultMaxMessageBytes
	}
	t := &Transport{
		cfg:   cfg,
		peers: make(map[string]*Peer),
		seeds: make(map[string]struct{}),
		ctx:   context.Background(),
	}
	t.scoring = NewPeerScoringManager(scoring, t.markStale)
	return t
}

func (t *Transport) SetHandler(h Handler) {
	t.handler = h
}

func (t *Transport) Scoring() *PeerScoringManager {
	return t.scoring
}

// Start listens on host:port and accepts until ctx is done.
func (t *Transport) Start(ctx context.Context) error {
	addr := net.JoinHostPort(t.cfg.Host, strconv.Itoa(t.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Network(errors.ErrCodeDial, fmt.Sprintf("listen on %s: %v", addr, err))
	}
	t.listener = ln
	t.ctx = ctx
	if t.cfg.Port == 0 {
		t.cfg.Port = ln.Addr().(*net.TCPAddr).Port
	}
	logx.Info("P2P", "Listening on ", ln.Addr().String(), " as ", t.cfg.NodeID)

	exception.SafeGo("p2p-accept", func() { t.acceptLoop(ctx) })
	exception.SafeGo("p2p-scoring", func() { t.scoring.Run(ctx) })
	exception.SafeGo("p2p-shutdown", func() {
		<-ctx.Done()
		t.Close()
	})
	return nil
}

// Addr is the bound listen address.
func (t *Transport) Addr() net.Addr {
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

func (t *Transport) acceptLoop(ctx context.Context) {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			logx.Warn("P2P", "accept stopped: ", err)
			return
		}
		exception.SafeGo("p2p-inbound", func() { t.handleInbound(ctx, conn) })
	}
}

func (t *Transport) handshake() HandshakePayload {
	hs := HandshakePayload{NodeID: t.cfg.NodeID, Host: t.cfg.Host, Port: t.cfg.Port}
	if t.cfg.ChainLength != nil {
		hs.ChainLength = t.cfg.ChainLength()
	}
	return hs
}

func (t *Transport) newScanner(conn net.Conn) *bufio.Scanner {
	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, 64*1024), t.cfg.MaxMessageBytes)
	return sc
}

func encodeFrame(msg *Message) ([]byte, error) {
	data, err := jsonx.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

func (t *Transport) writeHandshake(conn net.Conn) error {
	msg, err := NewMessage(MsgHandshake, t.cfg.NodeID, t.handshake())
	if err != nil {
		return err
	}
	frame, err := encodeFrame(msg)
	if err != nil {
		return err
	}
	return writeChunked(conn, frame, t.cfg.WriteTimeout)
}

// readHandshake expects HANDSHAKE as the first frame, within the dial timeout.
func (t *Transport) readHandshake(conn net.Conn, sc *bufio.Scanner) (HandshakePayload, error) {
	var hs HandshakePayload
	if err := conn.SetReadDeadline(time.Now().Add(t.cfg.DialTimeout)); err != nil {
		return hs, err
	}
	defer conn.SetReadDeadline(time.Time{})
	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return hs, err
		}
		return hs, fmt.Errorf("connection closed before handshake")
	}
	var msg Message
	if err := jsonx.Unmarshal(sc.Bytes(), &msg); err != nil {
		return hs, err
	}
	if msg.Type != MsgHandshake {
		return hs, fmt.Errorf("expected %s, got %s", MsgHandshake, msg.Type)
	}
	if err := msg.ParsePayload(&hs); err != nil {
		return hs, err
	}
	if hs.NodeID == "" {
		return hs, fmt.Errorf("handshake without node id")
	}
	return hs, nil
}

func (t *Transport) handleInbound(ctx context.Context, conn net.Conn) {
	sc := t.newScanner(conn)
	hs, err := t.readHandshake(conn, sc)
	if err != nil {
		logx.Warn("P2P", fmt.Sprintf("Handshake from %s failed: %v", conn.RemoteAddr(), err))
		conn.Close()
		return
	}
	if err := t.writeHandshake(conn); err != nil {
		logx.Warn("P2P", fmt.Sprintf("Handshake reply to %s failed: %v", hs.NodeID, err))
		conn.Close()
		return
	}
	p, err := t.register(hs, conn, false)
	if err != nil {
		logx.Warn("P2P", err.Error())
		conn.Close()
		return
	}
	t.run(ctx, p, sc, hs)
}

// Connect dials host:port, exchanges handshakes and remembers the address for reconnects.
func (t *Transport) Connect(ctx context.Context, host string, port int) error {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	t.mu.Lock()
	t.seeds[addr] = struct{}{}
	t.mu.Unlock()

	dialer := net.Dialer{Timeout: t.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return errors.Network(errors.ErrCodeDial, fmt.Sprintf("dial %s: %v", addr, err))
	}
	if err := t.writeHandshake(conn); err != nil {
		conn.Close()
		return errors.Network(errors.ErrCodeDial, fmt.Sprintf("handshake to %s: %v", addr, err))
	}
	sc := t.newScanner(conn)
	hs, err := t.readHandshake(conn, sc)
	if err != nil {
		conn.Close()
		return errors.Network(errors.ErrCodeDial, fmt.Sprintf("handshake from %s: %v", addr, err))
	}
	// the address we dialed is the one that works for reconnects
	hs.Host, hs.Port = host, port
	p, err := t.register(hs, conn, true)
	if err != nil {
		conn.Close()
		return err
	}
	exception.SafeGo("p2p-peer-"+p.ID, func() { t.run(t.ctx, p, sc, hs) })
	return nil
}

func (t *Transport) register(hs HandshakePayload, conn net.Conn, outbound bool) (*Peer, error) {
	if hs.NodeID == t.cfg.NodeID {
		return nil, errors.Network(errors.ErrCodeDial, "refusing connection to self")
	}
	if t.scoring.IsStale(hs.NodeID) {
		// a fresh handshake earns a fresh start
		t.scoring.Forgive(hs.NodeID)
	}
	p := newPeer(hs, conn, t.cfg.QueueSize, outbound)

	t.mu.Lock()
	old := t.peers[hs.NodeID]
	t.peers[hs.NodeID] = p
	count := len(t.peers)
	t.mu.Unlock()

	if old != nil {
		logx.Info("P2P", fmt.Sprintf("Replacing older connection to %s", hs.NodeID))
		old.close()
	}
	t.scoring.UpdatePeerScore(hs.NodeID, ScoreConnection)
	monitoring.SetPeerCount(count)
	logx.Info("P2P", fmt.Sprintf("Connected to %s (%s:%d) outbound=%v chainLength=%d", hs.NodeID, hs.Host, hs.Port, outbound, hs.ChainLength))
	return p, nil
}

// run starts the writer, tells the handler and reads until the connection dies.
func (t *Transport) run(ctx context.Context, p *Peer, sc *bufio.Scanner, hs HandshakePayload) {
	exception.SafeGo("p2p-writer-"+p.ID, func() { p.writeLoop(t.cfg.WriteTimeout) })
	if t.handler != nil {
		t.handler.OnPeerConnected(ctx, p.ID, hs)
	}
	t.readLoop(ctx, p, sc)
}

func (t *Transport) readLoop(ctx context.Context, p *Peer, sc *bufio.Scanner) {
	defer t.removePeer(p)
	for sc.Scan() {
		if ctx.Err() != nil {
			return
		}
		p.touch()
		var msg Message
		if err := jsonx.Unmarshal(sc.Bytes(), &msg); err != nil {
			monitoring.RecordRejectedMessage("unknown", monitoring.RejectMalformed)
			t.scoring.UpdatePeerScore(p.ID, ScoreMalformed)
			continue
		}
		if msg.Type == MsgHandshake {
			continue
		}
		if t.handler != nil {
			t.handler.HandleMessage(ctx, p.ID, &msg)
		}
	}
	if err := sc.Err(); err != nil && !p.closed() {
		logx.Warn("P2P", fmt.Sprintf("Read from %s failed: %v", p.ID, err))
		t.scoring.UpdatePeerScore(p.ID, ScoreNetworkFailure)
	}
}

func (t *Transport) removePeer(p *Peer) {
	p.close()
	t.mu.Lock()
	if t.peers[p.ID] == p {
		delete(t.peers, p.ID)
	}
	count := len(t.peers)
	t.mu.Unlock()
	monitoring.SetPeerCount(count)
	logx.Info("P2P", "Disconnected from ", p.ID)
}

func (t *Transport) markStale(peerID string) {
	t.Disconnect(peerID)
}

func (t *Transport) Disconnect(peerID string) {
	t.mu.RLock()
	p := t.peers[peerID]
	t.mu.RUnlock()
	if p != nil {
		t.removePeer(p)
	}
}

// Send queues msg for one peer.
func (t *Transport) Send(peerID string, msg *Message) error {
	t.mu.RLock()
	p := t.peers[peerID]
	t.mu.RUnlock()
	if p == nil {
		return errors.Network(errors.ErrCodePeerNotFound, fmt.Sprintf("peer %s not connected", peerID))
	}
	frame, err := encodeFrame(msg)
	if err != nil {
		return errors.Validation(errors.ErrCodeInvalidRequest, fmt.Sprintf("encode %s: %v", msg.Type, err))
	}
	if !p.enqueue(frame) {
		logx.Warn("P2P", fmt.Sprintf("Send queue of %s full, dropping %s", peerID, msg.Type))
		return errors.Network(errors.ErrCodePeerQueueFull, fmt.Sprintf("send queue of %s full", peerID))
	}
	return nil
}

// Broadcast queues msg for every peer except the listed ones and returns how many accepted it.
func (t *Transport) Broadcast(msg *Message, except ...string) int {
	frame, err := encodeFrame(msg)
	if err != nil {
		logx.Error("P2P", fmt.Sprintf("encode %s: %v", msg.Type, err))
		return 0
	}
	skip := make(map[string]struct{}, len(except))
	for _, id := range except {
		skip[id] = struct{}{}
	}
	t.mu.RLock()
	targets := make([]*Peer, 0, len(t.peers))
	for id, p := range t.peers {
		if _, ok := skip[id]; !ok {
			targets = append(targets, p)
		}
	}
	t.mu.RUnlock()

	sent := 0
	for _, p := range targets {
		if p.enqueue(frame) {
			sent++
		} else {
			logx.Warn("P2P", fmt.Sprintf("Send queue of %s full, dropping %s", p.ID, msg.Type))
		}
	}
	return sent
}

// RandomPeers picks up to n connected peers.
func (t *Transport) RandomPeers(n int) []string {
	ids := t.PeerIDs()
	rand.Shuffle(len(ids), func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })
	if n < len(ids) {
		ids = ids[:n]
	}
	return ids
}

func (t *Transport) PeerIDs() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]string, 0, len(t.peers))
	for id := range t.peers {
		ids = append(ids, id)
	}
	return ids
}

func (t *Transport) PeerCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.peers)
}

func (t *Transport) Peers() []PeerInfo {
	t.mu.RLock()
	peers := make([]*Peer, 0, len(t.peers))
	for _, p := range t.peers {
		peers = append(peers, p)
	}
	t.mu.RUnlock()
	out := make([]PeerInfo, 0, len(peers))
	for _, p := range peers {
		out = append(out, p.info(t.scoring.GetPeerScore(p.ID)))
	}
	return out
}

// Score records a behaviour event for a peer.
func (t *Transport) Score(peerID string, ev ScoreEvent) {
	t.scoring.UpdatePeerScore(peerID, ev)
}

// Learn remembers the listen address of a peer heard of through discovery so Reconnect dials it.
// It reports whether the address was new.
func (t *Transport) Learn(peerID, host string, port int) bool {
	if peerID == "" || peerID == t.cfg.NodeID || host == "" || port <= 0 || port > 65535 {
		return false
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsUnspecified() {
		return false
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.peers[peerID]; ok {
		return false
	}
	if _, ok := t.seeds[addr]; ok {
		return false
	}
	if len(t.seeds) >= maxKnownAddrs {
		return false
	}
	t.seeds[addr] = struct{}{}
	logx.Debug("P2P", fmt.Sprintf("Learned %s at %s", peerID, addr))
	return true
}

// Reconnect redials every known address that has no live connection.
func (t *Transport) Reconnect(ctx context.Context) {
	t.mu.RLock()
	connected := make(map[string]struct{}, len(t.peers))
	for _, p := range t.peers {
		connected[net.JoinHostPort(p.Host, strconv.Itoa(p.Port))] = struct{}{}
	}
	var missing []string
	for addr := range t.seeds {
		if _, ok := connected[addr]; !ok {
			missing = append(missing, addr)
		}
	}
	t.mu.RUnlock()

	for _, addr := range missing {
		host, portStr, err := net.SplitHostPort(addr)
		if err != nil {
			continue
		}
		port, _ := strconv.Atoi(portStr)
		if err := t.Connect(ctx, host, port); err != nil {
			logx.Debug("P2P", fmt.Sprintf("Reconnect to %s failed: %v", addr, err))
		}
	}
}

// Close stops accepting and drops every connection.
func (t *Transport) Close() {
	if t.listener != nil {
		t.listener.Close()
	}
	t.mu.Lock()
	peers := t.peers
	t.peers = make(map[string]*Peer)
	t.mu.Unlock()
	for _, p := range peers {
		p.close()
	}
	monitoring.SetPeerCount(0)
}
