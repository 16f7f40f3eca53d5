package stomp

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"chatlink/logger"
	"chatlink/tools/errs"
	"chatlink/tools/ids"
)

// Handler receives the body of every MESSAGE frame, keyed by its
// destination topic.
type Handler = func(destination string, body []byte)

// Options configures a Session. Zero heartbeat disables keep-alives;
// zero reconnect delay disables automatic reconnection.
type Options struct {
	// URL is the websocket broker endpoint (ws:// or wss://).
	URL string
	// Token, when set, is sent as a bearer credential on CONNECT.
	Token string
	// Heartbeat is offered for both directions of the STOMP heart-beat
	// negotiation.
	Heartbeat time.Duration
	// ReconnectDelay is the fixed pause between redial attempts after a
	// mid-session drop.
	ReconnectDelay time.Duration
}

// Session is one STOMP connection over a websocket. It redials after
// mid-session drops and replays its SUBSCRIBE set so no subscriber goes
// dark; connect failures are only ever surfaced to Connect itself.
type Session struct {
	opts Options

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	closed    bool
	subs      map[string]string // destination -> subscription id

	writeMu sync.Mutex

	onFrame     Handler
	onReconnect func()
}

func NewSession(opts Options) *Session {
	return &Session{
		opts: opts,
		subs: make(map[string]string),
	}
}

// OnFrame registers the inbound MESSAGE dispatcher. Must be set before
// Connect.
func (s *Session) OnFrame(h Handler) { s.onFrame = h }

// OnReconnect registers a hook fired after a successful redial, once
// the subscription set has been replayed.
func (s *Session) OnReconnect(fn func()) { s.onReconnect = fn }

// Connected reports whether the session is currently usable.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Connect dials the broker and performs the CONNECT/CONNECTED
// handshake. On failure the session is left disconnected so a later
// call may retry.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errs.Transport("session closed")
	}
	if s.connected {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	conn, err := s.dial(ctx)
	if err != nil {
		return err
	}

	s.install(conn)
	return nil
}

func (s *Session) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		Subprotocols:     []string{"v12.stomp", "v11.stomp"},
		HandshakeTimeout: 10 * time.Second,
	}
	conn, _, err := dialer.DialContext(ctx, s.opts.URL, nil)
	if err != nil {
		return nil, errs.TransportWrap(err, "dial broker")
	}

	hb := int64(s.opts.Heartbeat / time.Millisecond)
	connect := NewFrame(CmdConnect).
		Set(HdrAcceptVersion, "1.1,1.2").
		Set(HdrHost, hostOf(s.opts.URL)).
		Set(HdrHeartBeat, fmt.Sprintf("%d,%d", hb, hb))
	if s.opts.Token != "" {
		connect.Set(HdrAuthorization, "Bearer "+s.opts.Token)
	}

	if err := conn.WriteMessage(websocket.TextMessage, connect.Marshal()); err != nil {
		_ = conn.Close()
		return nil, errs.TransportWrap(err, "write CONNECT")
	}

	// the broker answers with CONNECTED or ERROR; heartbeats cannot
	// start before the handshake completes
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			_ = conn.Close()
			return nil, errs.TransportWrap(err, "await CONNECTED")
		}
		if IsHeartbeat(raw) {
			continue
		}
		frame, err := Unmarshal(raw)
		if err != nil {
			_ = conn.Close()
			return nil, errs.TransportWrap(err, "parse handshake frame")
		}
		switch frame.Command {
		case CmdConnected:
			_ = conn.SetReadDeadline(time.Time{})
			return conn, nil
		case CmdError:
			_ = conn.Close()
			return nil, errs.Transport("broker rejected CONNECT: " + frame.Get(HdrMessage))
		default:
			_ = conn.Close()
			return nil, errs.Transport("unexpected handshake frame " + frame.Command)
		}
	}
}

// install publishes the new connection, replays subscriptions and
// starts the read and heartbeat loops for it.
func (s *Session) install(conn *websocket.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.connected = true
	replay := make(map[string]string, len(s.subs))
	for dest, id := range s.subs {
		replay[dest] = id
	}
	s.mu.Unlock()

	for dest, id := range replay {
		if err := s.writeFrame(subscribeFrame(dest, id)); err != nil {
			logger.Warnf("[stomp] resubscribe %s failed: %v", dest, err)
		}
	}

	stop := make(chan struct{})
	go s.readLoop(conn, stop)
	if s.opts.Heartbeat > 0 {
		go s.heartbeatLoop(conn, stop)
	}
}

func subscribeFrame(dest, id string) *Frame {
	return NewFrame(CmdSubscribe).Set(HdrID, id).Set(HdrDestination, dest)
}

func (s *Session) readLoop(conn *websocket.Conn, stop chan struct{}) {
	defer close(stop)
	for {
		if s.opts.Heartbeat > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(3 * s.opts.Heartbeat))
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			s.handleDrop(conn, err)
			return
		}
		if IsHeartbeat(raw) {
			continue
		}

		frame, perr := Unmarshal(raw)
		if perr != nil {
			sample := raw
			if len(sample) > 256 {
				sample = sample[:256]
			}
			logger.Warnf("[stomp] drop unparseable frame err=%v sample=%q", perr, sample)
			continue
		}

		switch frame.Command {
		case CmdMessage:
			if s.onFrame != nil {
				s.onFrame(frame.Get(HdrDestination), frame.Body)
			}
		case CmdError:
			logger.Errorf("[stomp] broker error: %s", frame.Get(HdrMessage))
		default:
			logger.Debugf("[stomp] ignoring frame %s", frame.Command)
		}
	}
}

func (s *Session) heartbeatLoop(conn *websocket.Conn, stop chan struct{}) {
	ticker := time.NewTicker(s.opts.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			err := conn.WriteMessage(websocket.TextMessage, Heartbeat())
			s.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// handleDrop transitions to disconnected and, unless the session was
// closed deliberately, redials until it succeeds.
func (s *Session) handleDrop(conn *websocket.Conn, cause error) {
	_ = conn.Close()

	s.mu.Lock()
	// a stale loop from a connection that was already replaced must not
	// tear down its successor
	if s.conn != conn {
		s.mu.Unlock()
		return
	}
	s.connected = false
	closed := s.closed
	delay := s.opts.ReconnectDelay
	s.mu.Unlock()

	if closed || delay <= 0 {
		return
	}

	if websocket.IsCloseError(cause, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		logger.Infof("[stomp] peer closed: %v", cause)
	} else {
		logger.Warnf("[stomp] connection dropped: %v", cause)
	}

	for {
		time.Sleep(delay)

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		conn, err := s.dial(ctx)
		cancel()
		if err != nil {
			logger.Warnf("[stomp] reconnect failed: %v", err)
			continue
		}

		s.install(conn)
		if s.onReconnect != nil {
			s.onReconnect()
		}
		logger.Info("[stomp] reconnected")
		return
	}
}

func (s *Session) writeFrame(f *Frame) error {
	s.mu.Lock()
	conn, ok := s.conn, s.connected
	s.mu.Unlock()
	if !ok || conn == nil {
		return errs.Transport("not connected")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, f.Marshal()); err != nil {
		return errs.TransportWrap(err, "write "+f.Command)
	}
	return nil
}

// Subscribe opens (or records) a broker subscription for the topic.
// While disconnected the topic is only recorded; the redial path
// replays it, so the subscription survives drops.
func (s *Session) Subscribe(topic string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errs.Transport("session closed")
	}
	id, exists := s.subs[topic]
	if !exists {
		id = ids.Subscription()
		s.subs[topic] = id
	}
	connected := s.connected
	s.mu.Unlock()

	if exists || !connected {
		return nil
	}
	return s.writeFrame(subscribeFrame(topic, id))
}

// Unsubscribe drops the broker subscription for the topic.
func (s *Session) Unsubscribe(topic string) error {
	s.mu.Lock()
	id, exists := s.subs[topic]
	delete(s.subs, topic)
	connected := s.connected
	s.mu.Unlock()

	if !exists || !connected {
		return nil
	}
	return s.writeFrame(NewFrame(CmdUnsubscribe).Set(HdrID, id))
}

// Send publishes a JSON body to the destination. Fails fast with a
// transport error when the session is not ready; nothing is buffered.
func (s *Session) Send(destination string, body []byte) error {
	f := NewFrame(CmdSend).
		Set(HdrDestination, destination).
		Set(HdrContentType, "application/json")
	f.Body = body
	return s.writeFrame(f)
}

// Close tears the session down. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	connected := s.connected
	s.connected = false
	s.subs = make(map[string]string)
	s.mu.Unlock()

	if conn != nil && connected {
		s.writeMu.Lock()
		_ = conn.WriteMessage(websocket.TextMessage, NewFrame(CmdDisconnect).Marshal())
		s.writeMu.Unlock()
	}
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	return u.Hostname()
}
