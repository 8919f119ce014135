package wsbroker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"proxyfleet/internal/shared/logger"
	"proxyfleet/internal/state"
)

// Peer implements state.Broker for non-writer instances: orders travel
// upstream to the hub, events arrive downstream. A peer never consumes the
// orders channel or publishes events; those belong to the writer.
//
// A lost hub connection is redialed with backoff until Close is called.
// The hub replays its event ring to every new connection, so subscribers
// resynchronize after a hub restart without extra bookkeeping.
type Peer struct {
	url string

	// writeMu guards conn for writes and for the swap on reconnect.
	writeMu sync.Mutex
	conn    *websocket.Conn

	mu          sync.Mutex
	subscribers []chan state.Event
	// backlog holds events received before the first subscription, so the
	// hub's connect-time replay is not lost to startup ordering.
	backlog []state.Event
	closed  bool
	done    chan struct{}
}

const (
	backlogLimit     = 4096
	redialMinBackoff = 500 * time.Millisecond
	redialMaxBackoff = 30 * time.Second
)

func Dial(ctx context.Context, hubURL string) (*Peer, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, hubURL, nil)
	if err != nil {
		return nil, err
	}
	p := &Peer{url: hubURL, conn: conn, done: make(chan struct{})}
	go p.readLoop()
	l := logger.WithComponent("State/WSPeer")
	l.Info().Str("hub", hubURL).Msg("Connected to broker hub.")
	return p, nil
}

func (p *Peer) readLoop() {
	l := logger.WithComponent("State/WSPeer")
	for {
		conn := p.currentConn()
		var env envelope
		if err := conn.ReadJSON(&env); err != nil {
			if p.isClosed() {
				return
			}
			l.Warn().Err(err).Msg("Hub connection lost, redialing.")
			if !p.redial(l) {
				return
			}
			continue
		}
		if env.Type != "event" || env.Event == nil {
			continue
		}
		p.mu.Lock()
		if len(p.subscribers) == 0 {
			p.backlog = append(p.backlog, *env.Event)
			if len(p.backlog) > backlogLimit {
				p.backlog = p.backlog[len(p.backlog)-backlogLimit:]
			}
			p.mu.Unlock()
			continue
		}
		for _, sub := range p.subscribers {
			select {
			case sub <- *env.Event:
			default:
				l.Warn().Uint64("sequence", env.Event.Sequence).Msg("Dropping event for slow subscriber.")
			}
		}
		p.mu.Unlock()
	}
}

// redial keeps dialing the hub until it succeeds or the peer is closed.
// Returns false once closed.
func (p *Peer) redial(l zerolog.Logger) bool {
	backoff := redialMinBackoff
	for {
		select {
		case <-p.done:
			return false
		case <-time.After(backoff):
		}
		conn, _, err := websocket.DefaultDialer.Dial(p.url, nil)
		if err != nil {
			l.Warn().Err(err).Dur("backoff", backoff).Msg("Hub redial failed.")
			backoff *= 2
			if backoff > redialMaxBackoff {
				backoff = redialMaxBackoff
			}
			continue
		}
		p.writeMu.Lock()
		p.conn = conn
		p.writeMu.Unlock()
		if p.isClosed() {
			conn.Close()
			return false
		}
		l.Info().Str("hub", p.url).Msg("Reconnected to broker hub.")
		return true
	}
}

func (p *Peer) currentConn() *websocket.Conn {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.conn
}

func (p *Peer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Peer) SubmitOrder(_ context.Context, o state.Order) error {
	if p.isClosed() {
		return errors.New("wsbroker: closed")
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.conn.WriteJSON(envelope{Type: "order", Order: &o})
}

func (p *Peer) Orders(_ context.Context) (<-chan state.Order, error) {
	return nil, errors.New("wsbroker: peer is not the writer")
}

func (p *Peer) PublishEvent(_ context.Context, _ state.Event) error {
	return errors.New("wsbroker: peer is not the writer")
}

func (p *Peer) Events(_ context.Context) (<-chan state.Event, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, errors.New("wsbroker: closed")
	}
	sub := make(chan state.Event, 4096)
	for _, e := range p.backlog {
		sub <- e
	}
	p.backlog = nil
	p.subscribers = append(p.subscribers, sub)
	return sub, nil
}

func (p *Peer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.done)
	for _, sub := range p.subscribers {
		close(sub)
	}
	p.subscribers = nil
	p.mu.Unlock()

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.conn.Close()
}
