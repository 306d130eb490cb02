// Package xmlgate implements the representative venue adapter: an XML
// command/response protocol over a WebSocket transport.
//
// The package splits along the venue contract:
//
//   - Session  — protocol-agnostic connection manager: command/reply
//     correlation, request pacing, server-status tracking, reconnection.
//   - Gate     — the TradingSystem: order submission, cancellation, and the
//     order table that folds venue order/trade frames into status callbacks.
//   - Feed     — the MarketDataSource: security registry, aggregated
//     subscription, level-1/book/tick parsing.
//
// One Session may back both a Gate and a Feed (the venue multiplexes both
// over one connection).
package xmlgate

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"tradekit/pkg/types"
)

const (
	writeTimeout     = 10 * time.Second // deadline for outgoing frames
	readTimeout      = 90 * time.Second // silent server triggers reconnect
	maxReconnectWait = 30 * time.Second // cap on redial backoff
	maxFatalRepeats  = 3                // consecutive failed reconnects before StopDueFatalError
)

// Config holds one adapter instance's settings from its [gate.<name>]
// section.
type Config struct {
	Name     string
	URL      string // WebSocket endpoint of the venue connector
	RestURL  string // REST endpoint for snapshots (balances)
	Login    string
	Password string
	Host     string // venue host the connector should dial
	Port     int
	Client   string // trading account
	Union    string // unified account, optional

	RQDelay         time.Duration // minimum gap between commands
	SessionTimeout  time.Duration
	RequestTimeout  time.Duration
	PollingInterval time.Duration // retry pacing advertised to the controller

	CommissionRatio float64 // venue fee as a fraction of traded volume
	DryRun          bool    // paper mode: orders are acknowledged locally
}

// FrameHandler consumes one asynchronous frame body (the full element,
// starting at its root tag).
type FrameHandler func(frame []byte, ms types.Milestones)

// commandResult is one correlated command reply.
type commandResult struct {
	Success       bool   `xml:"success,attr"`
	TransactionID int64  `xml:"transactionid,attr"`
	Message       string `xml:"message"`
}

type pendingCommand struct {
	done chan commandResult
}

// Session manages one connection to the venue connector: it serializes
// commands (paced by rqdelay), correlates replies by sequence id, routes
// asynchronous frames to registered handlers, and drives reconnection from
// <server_status> transitions.
type Session struct {
	cfg Config
	log *slog.Logger

	conn   *websocket.Conn
	connMu sync.Mutex

	handlers   map[string]FrameHandler
	handlersMu sync.RWMutex

	pending   map[int64]*pendingCommand
	pendingMu sync.Mutex
	nextSeq   atomic.Int64

	pace *Pacer

	connected      atomic.Bool
	connectSignal  chan struct{} // closed when server_status reports connected
	connectMu      sync.Mutex
	connectCmd     []byte // stored connect command for reconnection
	reconnects     atomic.Int64
	fatalRepeats   int
	onFatal        func(reason string)
	ctx            context.Context
	cancel         context.CancelFunc
	wg             sync.WaitGroup
}

// NewSession builds an unconnected session.
func NewSession(cfg Config, logger *slog.Logger) *Session {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	return &Session{
		cfg:      cfg,
		log:      logger.With("component", "session", "gate", cfg.Name),
		handlers: make(map[string]FrameHandler),
		pending:  make(map[int64]*pendingCommand),
		pace:     NewPacer(cfg.RQDelay),
	}
}

// RegisterHandler routes asynchronous frames with the given root tag.
// Must be called before Connect.
func (s *Session) RegisterHandler(tag string, h FrameHandler) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	s.handlers[tag] = h
}

// StopDueFatalError registers the adapter's last-resort hook, invoked when
// reconnection keeps failing.
func (s *Session) StopDueFatalError(fn func(reason string)) { s.onFatal = fn }

// IsConnected reports the venue-confirmed session state.
func (s *Session) IsConnected() bool { return s.connected.Load() }

// Connect dials the transport, starts the reader, and performs the venue
// login handshake. It blocks until <server_status connected="true"> arrives
// or the request timeout (x3, matching the venue's own allowance) expires.
func (s *Session) Connect(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	if err := s.dial(); err != nil {
		return types.NewCommunicationError("dial", err)
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.readLoop()
	}()

	cmd := connectCommand{
		Login:          s.cfg.Login,
		Password:       s.cfg.Password,
		Host:           s.cfg.Host,
		Port:           s.cfg.Port,
		Autopos:        false,
		Milliseconds:   true,
		UTCTime:        false,
		RQDelay:        int(s.cfg.RQDelay / time.Millisecond),
		SessionTimeout: int(s.cfg.SessionTimeout / time.Second),
		RequestTimeout: int(s.cfg.RequestTimeout / time.Second),
	}
	raw, err := xml.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal connect command: %w", err)
	}
	s.connectMu.Lock()
	s.connectCmd = raw
	s.connectMu.Unlock()

	s.log.Info("connecting to venue",
		"host", s.cfg.Host, "port", s.cfg.Port, "login", s.cfg.Login)
	s.log.Debug("connection settings",
		"rqdelay", s.cfg.RQDelay,
		"session_timeout", s.cfg.SessionTimeout,
		"request_timeout", s.cfg.RequestTimeout,
	)
	return s.sendConnect(raw)
}

// sendConnect issues the stored connect command and waits for the venue to
// confirm the session.
func (s *Session) sendConnect(raw []byte) error {
	signal := make(chan struct{})
	s.connectMu.Lock()
	s.connectSignal = signal
	s.connectMu.Unlock()

	result, err := s.SendCommand("connect", raw)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrConnect, err)
	}
	if !result.Success {
		return fmt.Errorf("%w: %s", types.ErrConnect, result.Message)
	}

	select {
	case <-signal:
		return nil
	case <-time.After(3 * s.cfg.RequestTimeout):
		return fmt.Errorf("%w: request timeout", types.ErrConnect)
	case <-s.ctx.Done():
		return s.ctx.Err()
	}
}

// Close tears the session down.
func (s *Session) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.connMu.Lock()
	conn := s.conn
	s.conn = nil
	s.connMu.Unlock()
	var err error
	if conn != nil {
		err = conn.Close()
	}
	s.wg.Wait()
	return err
}

func (s *Session) dial() error {
	conn, _, err := websocket.DefaultDialer.DialContext(s.ctx, s.cfg.URL, nil)
	if err != nil {
		return err
	}
	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Commands
// ————————————————————————————————————————————————————————————————————————

// SendCommand wraps body in a <command id=… seq=…> envelope, sends it, and
// waits for the correlated <result>. body must be a marshalled element; its
// root tag is replaced by the envelope.
func (s *Session) SendCommand(id string, body []byte) (commandResult, error) {
	seq := s.nextSeq.Add(1)

	waitCtx, cancel := context.WithTimeout(s.ctx, s.cfg.RequestTimeout)
	defer cancel()
	if err := s.pace.Wait(waitCtx); err != nil {
		return commandResult{}, types.NewCommunicationError("pace", err)
	}

	frame := buildCommandFrame(id, seq, body)

	p := &pendingCommand{done: make(chan commandResult, 1)}
	s.pendingMu.Lock()
	s.pending[seq] = p
	s.pendingMu.Unlock()
	defer func() {
		s.pendingMu.Lock()
		delete(s.pending, seq)
		s.pendingMu.Unlock()
	}()

	if err := s.write(frame); err != nil {
		return commandResult{}, types.NewCommunicationError("write command", err)
	}

	select {
	case result := <-p.done:
		return result, nil
	case <-waitCtx.Done():
		return commandResult{}, types.NewCommunicationError("command "+id, waitCtx.Err())
	}
}

func (s *Session) write(frame []byte) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("not connected")
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, frame)
}

// ————————————————————————————————————————————————————————————————————————
// Reader
// ————————————————————————————————————————————————————————————————————————

func (s *Session) readLoop() {
	for {
		s.connMu.Lock()
		conn := s.conn
		s.connMu.Unlock()
		if conn == nil || s.ctx.Err() != nil {
			return
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.log.Warn("transport read failed, redialing", "error", err)
			s.connected.Store(false)
			if !s.redial() {
				return
			}
			continue
		}
		s.dispatch(msg, types.Milestones{Received: time.Now()})
	}
}

// redial re-establishes the transport with backoff and replays the stored
// connect command.
func (s *Session) redial() bool {
	backoff := time.Second
	for {
		select {
		case <-s.ctx.Done():
			return false
		case <-time.After(backoff):
		}
		if err := s.dial(); err != nil {
			s.log.Warn("redial failed", "error", err, "backoff", backoff)
			backoff *= 2
			if backoff > maxReconnectWait {
				backoff = maxReconnectWait
			}
			continue
		}
		s.connectMu.Lock()
		raw := s.connectCmd
		s.connectMu.Unlock()
		if raw != nil {
			go func() {
				if err := s.sendConnect(raw); err != nil {
					s.log.Error("failed to re-login after redial", "error", err)
				}
			}()
		}
		return true
	}
}

func (s *Session) dispatch(frame []byte, ms types.Milestones) {
	tag, err := rootTag(frame)
	if err != nil {
		s.log.Error("malformed frame dropped", "error", err)
		return
	}
	ms.Dispatched = time.Now()

	switch tag {
	case "result":
		var result struct {
			Seq int64 `xml:"seq,attr"`
			commandResult
		}
		if err := xml.Unmarshal(frame, &result); err != nil {
			s.log.Error("malformed command result dropped", "error", err)
			return
		}
		s.pendingMu.Lock()
		p := s.pending[result.Seq]
		s.pendingMu.Unlock()
		if p != nil {
			p.done <- result.commandResult
		}

	case "server_status":
		s.onServerStatus(frame)

	case "error":
		var e struct {
			Text string `xml:",chardata"`
		}
		_ = xml.Unmarshal(frame, &e)
		s.log.Error("venue connector error", "message", e.Text)

	default:
		s.handlersMu.RLock()
		h := s.handlers[tag]
		s.handlersMu.RUnlock()
		if h == nil {
			s.log.Debug("unhandled frame", "tag", tag)
			return
		}
		h(frame, ms)
	}
}

// onServerStatus applies <server_status connected= recover= id=> semantics:
// connected=true confirms the session; recover=true means the venue is
// restoring it, wait; disconnected with a stored connect command schedules a
// reconnect; repeated failures stop the adapter.
func (s *Session) onServerStatus(frame []byte) {
	var status struct {
		Connected string `xml:"connected,attr"`
		Recover   string `xml:"recover,attr"`
		ID        string `xml:"id,attr"`
		Text      string `xml:",chardata"`
	}
	if err := xml.Unmarshal(frame, &status); err != nil {
		s.log.Error("malformed server status dropped", "error", err)
		return
	}

	isError := status.Connected != "true" && status.Connected != "false"
	isRecovery := !isError && status.Recover == "true"
	isConnected := !isError && !isRecovery && status.Connected == "true"

	switch {
	case isConnected:
		s.connected.Store(true)
		s.fatalRepeats = 0
		if s.reconnects.Add(1) > 1 {
			s.log.Warn("reconnected to venue", "id", status.ID)
		} else {
			s.log.Info("connected to venue", "id", status.ID)
		}
		s.connectMu.Lock()
		if s.connectSignal != nil {
			close(s.connectSignal)
			s.connectSignal = nil
		}
		s.connectMu.Unlock()

	case isError:
		s.connected.Store(false)
		s.log.Error("venue session error", "id", status.ID, "message", status.Text)
		s.scheduleReconnect()

	case isRecovery:
		s.connected.Store(false)
		s.log.Warn("disconnected from venue, venue is recovering the session", "id", status.ID)

	default: // connected="false"
		s.connected.Store(false)
		s.log.Warn("disconnected from venue", "id", status.ID)
		s.scheduleReconnect()
	}
}

// scheduleReconnect replays the stored connect command on a timer task.
func (s *Session) scheduleReconnect() {
	s.connectMu.Lock()
	raw := s.connectCmd
	s.connectMu.Unlock()
	if raw == nil {
		s.log.Error("failed to reconnect to venue as was never connected before")
		s.fatal("failed to reconnect to venue")
		return
	}

	time.AfterFunc(time.Second, func() {
		if s.ctx.Err() != nil {
			return
		}
		if err := s.sendConnect(raw); err != nil {
			s.log.Error("failed to reconnect to venue", "error", err)
			s.fatalRepeats++
			if s.fatalRepeats >= maxFatalRepeats {
				s.fatal("failed to reconnect to venue")
				return
			}
			s.scheduleReconnect()
		}
	})
}

func (s *Session) fatal(reason string) {
	if s.onFatal != nil {
		s.onFatal(reason)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Frame helpers
// ————————————————————————————————————————————————————————————————————————

// buildCommandFrame rewraps a marshalled element as
// <command id="…" seq="…">inner</command>.
func buildCommandFrame(id string, seq int64, body []byte) []byte {
	inner := innerXML(body)
	return []byte(fmt.Sprintf(`<command id="%s" seq="%d">%s</command>`, id, seq, inner))
}

// innerXML strips the root element's own tags, keeping its content.
func innerXML(element []byte) []byte {
	start := -1
	for i, b := range element {
		if b == '>' {
			start = i + 1
			break
		}
	}
	if start < 0 {
		return nil
	}
	if start >= 2 && element[start-2] == '/' { // self-closing root
		return nil
	}
	end := -1
	for i := len(element) - 1; i >= 0; i-- {
		if element[i] == '<' {
			end = i
			break
		}
	}
	if end < start {
		return nil
	}
	return element[start:end]
}

// rootTag returns the first element name in frame.
func rootTag(frame []byte) (string, error) {
	dec := xml.NewDecoder(bytes.NewReader(frame))
	for {
		tok, err := dec.Token()
		if err != nil {
			return "", err
		}
		if start, ok := tok.(xml.StartElement); ok {
			return start.Name.Local, nil
		}
	}
}

// connectCommand is the login payload sent inside <command id="connect">.
type connectCommand struct {
	XMLName        xml.Name `xml:"connect"`
	Login          string   `xml:"login"`
	Password       string   `xml:"password"`
	Host           string   `xml:"host"`
	Port           int      `xml:"port"`
	Autopos        bool     `xml:"autopos"`
	Milliseconds   bool     `xml:"milliseconds"`
	UTCTime        bool     `xml:"utc_time"`
	RQDelay        int      `xml:"rqdelay"`
	SessionTimeout int      `xml:"session_timeout"`
	RequestTimeout int      `xml:"request_timeout"`
}
