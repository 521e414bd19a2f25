package stream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/xiaocainiao633/codesage/internal/logging"
	"github.com/xiaocainiao633/codesage/internal/observability"
	"github.com/xiaocainiao633/codesage/internal/protocol"
	"github.com/xiaocainiao633/codesage/internal/reliability"
)

// Channel is one of the two independent push streams kept per task.
type Channel string

const (
	ChannelProgress Channel = "progress"
	ChannelAgent    Channel = "agent"
)

var Channels = []Channel{ChannelProgress, ChannelAgent}

var (
	ErrEmptyTaskID = errors.New("task id is required")
	ErrClosed      = errors.New("stream manager is closed")
)

const (
	defaultMaxAttempts      = 3
	defaultBaseDelay        = time.Second
	defaultHandshakeTimeout = 10 * time.Second
	defaultWriteTimeout     = 5 * time.Second
)

// Handler receives every forwarded envelope of one subscription. Calls for
// a single subscription never overlap.
type Handler func(protocol.Envelope)

// WaitFunc blocks for d or until ctx is done.
type WaitFunc func(ctx context.Context, d time.Duration) error

type Options struct {
	BaseURL          string
	AuthToken        string
	MaxAttempts      int
	BaseDelay        time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration

	Logger  *zap.Logger
	Metrics *observability.Metrics
	Wait    WaitFunc
}

type key struct {
	taskID  string
	channel Channel
}

type subscription struct {
	key     key
	url     string
	handler Handler

	ctx    context.Context
	cancel context.CancelFunc

	// deliverMu is held only while checking closed, so Close can act as a
	// barrier without deadlocking when called from inside the handler.
	deliverMu sync.Mutex
	closed    atomic.Bool
}

// Manager owns one push connection per (task, channel) pair and reconnects
// dropped connections with a bounded linear back-off.
type Manager struct {
	mu     sync.Mutex
	subs   map[key]*subscription
	live   map[key]*websocket.Conn
	closed bool
	wg     sync.WaitGroup

	baseURL      string
	header       http.Header
	maxAttempts  int
	baseDelay    time.Duration
	writeTimeout time.Duration
	dialer       websocket.Dialer
	wait         WaitFunc

	logger  *zap.Logger
	metrics *observability.Metrics
}

func NewManager(opts Options) (*Manager, error) {
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"))
	if err != nil || base.Host == "" {
		return nil, fmt.Errorf("invalid push base url %q", opts.BaseURL)
	}
	switch base.Scheme {
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("push base url scheme must be ws or wss, got %q", base.Scheme)
	}

	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = defaultBaseDelay
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.Wait == nil {
		opts.Wait = sleepContext
	}

	header := http.Header{}
	if token := strings.TrimSpace(opts.AuthToken); token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	return &Manager{
		subs:         make(map[key]*subscription),
		live:         make(map[key]*websocket.Conn),
		baseURL:      base.String(),
		header:       header,
		maxAttempts:  opts.MaxAttempts,
		baseDelay:    opts.BaseDelay,
		writeTimeout: opts.WriteTimeout,
		dialer: websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.HandshakeTimeout,
		},
		wait:    opts.Wait,
		logger:  logging.OrNop(opts.Logger).Named("stream"),
		metrics: opts.Metrics,
	}, nil
}

func (m *Manager) OpenProgress(taskID string, handler Handler) error {
	return m.open(taskID, ChannelProgress, handler)
}

func (m *Manager) OpenThoughts(taskID string, handler Handler) error {
	return m.open(taskID, ChannelAgent, handler)
}

// Endpoint returns the push URL for a task channel.
func (m *Manager) Endpoint(taskID string, ch Channel) string {
	return m.baseURL + "/" + string(ch) + "/" + url.PathEscape(taskID)
}

func (m *Manager) open(taskID string, ch Channel, handler Handler) error {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return ErrEmptyTaskID
	}
	if handler == nil {
		return errors.New("handler is required")
	}

	k := key{taskID: taskID, channel: ch}
	ctx, cancel := context.WithCancel(context.Background())
	sub := &subscription{
		key:     k,
		url:     m.Endpoint(taskID, ch),
		handler: handler,
		ctx:     ctx,
		cancel:  cancel,
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		return ErrClosed
	}
	prev := m.subs[k]
	prevConn := m.detachLocked(k)
	m.subs[k] = sub
	m.wg.Add(1)
	m.mu.Unlock()

	if prev != nil {
		m.logger.Debug("replacing subscription", zap.String("task_id", taskID), zap.String("channel", string(ch)))
		m.stop(prev, prevConn)
		m.metrics.ObserveStreamEvent("replaced")
	}

	go m.run(sub)
	return nil
}

// Close tears down every channel of taskID. It never blocks on the
// subscription goroutines, so handlers may call it.
func (m *Manager) Close(taskID string) {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return
	}
	for _, ch := range Channels {
		m.closeKey(key{taskID: taskID, channel: ch})
	}
}

func (m *Manager) CloseAll() {
	m.mu.Lock()
	keys := make([]key, 0, len(m.subs))
	for k := range m.subs {
		keys = append(keys, k)
	}
	m.mu.Unlock()

	for _, k := range keys {
		m.closeKey(k)
	}
}

// Shutdown closes every subscription, rejects new ones and waits for the
// subscription goroutines to exit.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.CloseAll()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) IsOpen(taskID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range Channels {
		if _, ok := m.live[key{taskID: taskID, channel: ch}]; ok {
			return true
		}
	}
	return false
}

func (m *Manager) IsChannelOpen(taskID string, ch Channel) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.live[key{taskID: taskID, channel: ch}]
	return ok
}

// IsTracked reports whether a subscription exists for the channel, live or
// waiting to reconnect.
func (m *Manager) IsTracked(taskID string, ch Channel) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.subs[key{taskID: taskID, channel: ch}]
	return ok
}

func (m *Manager) LiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}

func (m *Manager) closeKey(k key) {
	m.mu.Lock()
	sub := m.subs[k]
	if sub == nil {
		m.mu.Unlock()
		return
	}
	delete(m.subs, k)
	conn := m.detachLocked(k)
	m.mu.Unlock()

	m.stop(sub, conn)
	m.metrics.ObserveStreamEvent("closed")
	m.logger.Debug("subscription closed", zap.String("task_id", k.taskID), zap.String("channel", string(k.channel)))
}

// detachLocked removes the live connection for k, if any. Caller holds m.mu.
func (m *Manager) detachLocked(k key) *websocket.Conn {
	conn, ok := m.live[k]
	if !ok {
		return nil
	}
	delete(m.live, k)
	m.metrics.SetLiveConnections(len(m.live))
	return conn
}

func (m *Manager) stop(sub *subscription, conn *websocket.Conn) {
	sub.closed.Store(true)
	sub.cancel()
	// Barrier: a delivery that has not passed its closed check yet will
	// observe the flag.
	sub.deliverMu.Lock()
	sub.deliverMu.Unlock()

	if conn != nil {
		deadline := time.Now().Add(m.writeTimeout)
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = conn.Close()
	}
}

func (m *Manager) run(sub *subscription) {
	defer m.wg.Done()

	log := m.logger.With(zap.String("task_id", sub.key.taskID), zap.String("channel", string(sub.key.channel)))
	attempts := 0
	var droppedAt time.Time

	for {
		if sub.ctx.Err() != nil {
			return
		}

		connID := uuid.NewString()
		dialStart := time.Now()
		conn, resp, err := m.dialer.DialContext(sub.ctx, sub.url, m.header)
		if err != nil {
			if sub.ctx.Err() != nil {
				return
			}
			fields := []zap.Field{zap.String("conn_id", connID), zap.Int("attempt", attempts), zap.Error(err)}
			if resp != nil {
				fields = append(fields, zap.Int("status", resp.StatusCode))
			}
			log.Warn("push dial failed", fields...)
			m.metrics.ObserveStreamEvent("dial_failed")
		} else {
			if !m.markLive(sub, conn) {
				_ = conn.Close()
				return
			}
			now := time.Now()
			m.metrics.ObserveStage(observability.StageDial, now.Sub(dialStart))
			if !droppedAt.IsZero() {
				m.metrics.ObserveStage(observability.StageReconnectGap, now.Sub(droppedAt))
			}
			m.metrics.ObserveStreamEvent("connected")
			log.Info("push connected", zap.String("conn_id", connID), zap.Int("after_attempts", attempts))
			attempts = 0

			m.deliver(sub, protocol.NewSystem(sub.key.taskID, protocol.SystemCodeConnected, "push connection established"))
			m.readLoop(sub, conn, log.With(zap.String("conn_id", connID)), now)

			m.markDead(sub, conn)
			_ = conn.Close()
			droppedAt = time.Now()
			m.metrics.ObserveStreamEvent("disconnected")
		}

		if sub.ctx.Err() != nil {
			return
		}
		if attempts >= m.maxAttempts {
			log.Error("push reconnect exhausted", zap.Int("max_attempts", m.maxAttempts))
			m.metrics.ObserveStreamEvent("exhausted")
			m.metrics.ObserveIndicator(protocol.SystemCodeConnectionFailed)
			m.deliver(sub, protocol.NewSystem(sub.key.taskID, protocol.SystemCodeConnectionFailed,
				fmt.Sprintf("push connection failed after %d retries", m.maxAttempts)))
			m.forget(sub)
			return
		}

		attempts++
		delay := reliability.LinearBackoff(attempts, m.baseDelay)
		m.metrics.ObserveReconnectDelay(delay)
		log.Info("push reconnect scheduled", zap.Int("attempt", attempts), zap.Duration("delay", delay))
		if err := m.wait(sub.ctx, delay); err != nil {
			return
		}
		if !m.tracked(sub) {
			return
		}
	}
}

func (m *Manager) readLoop(sub *subscription, conn *websocket.Conn, log *zap.Logger, connectedAt time.Time) {
	channel := string(sub.key.channel)
	firstPayload := true
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if sub.ctx.Err() == nil {
				log.Info("push connection closed", zap.Error(err))
			}
			return
		}

		env, err := protocol.Decode(data)
		if err != nil {
			log.Warn("dropping undecodable frame", zap.Error(err), zap.Int("bytes", len(data)))
			m.metrics.ObserveDecodeError(channel)
			continue
		}
		m.metrics.ObserveEnvelope(channel, string(env.Type))

		if env.Type == protocol.TypePing {
			if err := m.writePong(conn, sub.key.taskID); err != nil {
				log.Warn("pong write failed", zap.Error(err))
			}
			continue
		}
		if firstPayload {
			firstPayload = false
			m.metrics.ObserveStage(observability.StageFirstPayload, time.Since(connectedAt))
		}
		m.deliver(sub, env)
	}
}

func (m *Manager) writePong(conn *websocket.Conn, taskID string) error {
	raw, err := protocol.Encode(protocol.NewPong(taskID))
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(m.writeTimeout))
	defer conn.SetWriteDeadline(time.Time{})
	return conn.WriteMessage(websocket.TextMessage, raw)
}

func (m *Manager) deliver(sub *subscription, env protocol.Envelope) {
	sub.deliverMu.Lock()
	if sub.closed.Load() {
		sub.deliverMu.Unlock()
		return
	}
	sub.deliverMu.Unlock()
	sub.handler(env)
}

func (m *Manager) markLive(sub *subscription, conn *websocket.Conn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subs[sub.key] != sub || sub.closed.Load() {
		return false
	}
	m.live[sub.key] = conn
	m.metrics.SetLiveConnections(len(m.live))
	return true
}

func (m *Manager) markDead(sub *subscription, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.live[sub.key] == conn {
		delete(m.live, sub.key)
		m.metrics.SetLiveConnections(len(m.live))
	}
}

func (m *Manager) tracked(sub *subscription) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subs[sub.key] == sub && !sub.closed.Load()
}

// forget drops an exhausted subscription without touching a replacement.
func (m *Manager) forget(sub *subscription) {
	m.mu.Lock()
	if m.subs[sub.key] == sub {
		delete(m.subs, sub.key)
	}
	m.mu.Unlock()
	sub.closed.Store(true)
	sub.cancel()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
