package p2p

import (
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// ChunkSize bounds a single socket write.
const ChunkSize = 8192

// Peer is one live connection, keyed by the node id from its handshake.
type Peer struct {
	ID       string
	Host     string
	Port     int
	Outbound bool

	conn        net.Conn
	send        chan []byte
	connectedAt time.Time
	lastSeen    atomic.Int64
	closeOnce   sync.Once
	done        chan struct{}
}

// PeerInfo is the read-only view served by the API.
type PeerInfo struct {
	ID          string    `json:"id"`
	Host        string    `json:"host"`
	Port        int       `json:"port"`
	Outbound    bool      `json:"outbound"`
	Score       float64   `json:"score"`
	ConnectedAt time.Time `json:"connectedAt"`
	LastSeen    time.Time `json:"lastSeen"`
	QueueLen    int       `json:"queueLen"`
}

func newPeer(hs HandshakePayload, conn net.Conn, queueSize int, outbound bool) *Peer {
	p := &Peer{
		ID:          hs.NodeID,
		Host:        hs.Host,
		Port:        hs.Port,
		Outbound:    outbound,
		conn:        conn,
		send:        make(chan []byte, queueSize),
		connectedAt: time.Now(),
		done:        make(chan struct{}),
	}
	p.touch()
	return p
}

func (p *Peer) touch() {
	p.lastSeen.Store(time.Now().UnixNano())
}

// enqueue never blocks; a full queue drops the frame.
func (p *Peer) enqueue(frame []byte) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.send <- frame:
		return true
	default:
		return false
	}
}

func (p *Peer) writeLoop(timeout time.Duration) {
	for {
		select {
		case <-p.done:
			return
		case frame := <-p.send:
			if err := writeChunked(p.conn, frame, timeout); err != nil {
				p.close()
				return
			}
		}
	}
}

func writeChunked(conn net.Conn, frame []byte, timeout time.Duration) error {
	for off := 0; off < len(frame); off += ChunkSize {
		end := off + ChunkSize
		if end > len(frame) {
			end = len(frame)
		}
		if timeout > 0 {
			if err := conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
				return err
			}
		}
		if _, err := conn.Write(frame[off:end]); err != nil {
			return err
		}
	}
	return nil
}

func (p *Peer) close() {
	p.closeOnce.Do(func() {
		close(p.done)
		p.conn.Close()
	})
}

func (p *Peer) closed() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *Peer) info(score float64) PeerInfo {
	return PeerInfo{
		ID:          p.ID,
		Host:        p.Host,
		Port:        p.Port,
		Outbound:    p.Outbound,
		Score:       score,
		ConnectedAt: p.connectedAt,
		LastSeen:    time.Unix(0, p.lastSeen.Load()),
		QueueLen:    len(p.send),
	}
}
