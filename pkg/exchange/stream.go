package exchange

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	handshakeTimeout      = 10 * time.Second
	streamReadTimeout     = 60 * time.Second
	streamWriteTimeout    = 10 * time.Second
	pingInterval          = 30 * time.Second
	initialReconnectDelay = time.Second
	maxReconnectDelay     = 30 * time.Second
	degradeAfterFailures  = 5
)

type subKey struct {
	kind   StreamKind
	symbol string // venue-native symbol
}

// wsWriter is the slice of *websocket.Conn subscribe frames need; tests
// substitute a recorder.
type wsWriter interface {
	WriteJSON(v interface{}) error
}

// streamClient owns one persistent venue connection. It replays the full
// subscription set after every reconnect before reporting the adapter
// Connected, and keeps the connection alive with pings.
type streamClient struct {
	venue  string
	url    string
	logger *logrus.Logger
	stats  *Stats
	state  *connState

	// sendSubscribe writes the venue-specific subscribe frames for the
	// given subscriptions on a fresh connection.
	sendSubscribe func(conn wsWriter, subs []subKey) error
	// onMessage handles one raw frame.
	onMessage func(data []byte)

	mu   sync.Mutex
	conn *websocket.Conn
	subs map[subKey]struct{}
}

func newStreamClient(venue, url string, state *connState, stats *Stats, logger *logrus.Logger) *streamClient {
	return &streamClient{
		venue:  venue,
		url:    url,
		logger: logger,
		stats:  stats,
		state:  state,
		subs:   make(map[subKey]struct{}),
	}
}

// subscribe registers a subscription and, when connected, sends the frame
// immediately. Duplicate subscribes are idempotent.
func (s *streamClient) subscribe(kind StreamKind, venueSymbol string) error {
	key := subKey{kind: kind, symbol: venueSymbol}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.subs[key]; exists {
		return nil
	}
	s.subs[key] = struct{}{}
	if s.conn != nil {
		// The full set is sent so venues whose subscribe frame replaces the
		// prior subscription keep every stream.
		if err := s.sendSubscribe(s.conn, s.subscriptionSet()); err != nil {
			return wrapError(KindTransport, s.venue, "subscribe", err)
		}
	}
	return nil
}

func (s *streamClient) unsubscribe(kind StreamKind, venueSymbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, subKey{kind: kind, symbol: venueSymbol})
}

func (s *streamClient) subscriptionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// subscriptionSet returns the registered subscriptions. Caller holds the lock.
func (s *streamClient) subscriptionSet() []subKey {
	subs := make([]subKey, 0, len(s.subs))
	for key := range s.subs {
		subs = append(subs, key)
	}
	return subs
}

// run keeps the connection up until ctx is done, reconnecting with
// exponential backoff. Repeated failures move the adapter to Degraded; a
// successful reconnect restores Connected.
func (s *streamClient) run(ctx context.Context) {
	delay := initialReconnectDelay
	failures := 0

	for {
		select {
		case <-ctx.Done():
			s.state.Set(StateDisconnected)
			return
		default:
		}

		err := s.runConnection(ctx)
		if ctx.Err() != nil {
			s.state.Set(StateDisconnected)
			return
		}

		// A connection that actually served resets the backoff. Either
		// way the venue stops reporting healthy the moment the read
		// loop exits, not on the next dial.
		if s.state.Is(StateConnected) {
			failures = 0
			delay = initialReconnectDelay
		}
		s.state.Set(StateConnecting)

		failures++
		s.stats.Reconnect()
		s.stats.RecordError(err)
		if failures >= degradeAfterFailures {
			s.state.Set(StateDegraded)
		}
		s.logger.WithError(err).WithFields(logrus.Fields{
			"venue":    s.venue,
			"failures": failures,
			"delay":    delay.String(),
		}).Warn("Stream disconnected, reconnecting")

		select {
		case <-ctx.Done():
			s.state.Set(StateDisconnected)
			return
		case <-time.After(delay):
		}
		if delay < maxReconnectDelay {
			delay *= 2
			if delay > maxReconnectDelay {
				delay = maxReconnectDelay
			}
		}
	}
}

func (s *streamClient) runConnection(ctx context.Context) error {
	s.state.Set(StateConnecting)

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return wrapError(KindTransport, s.venue, "dial", err)
	}
	defer conn.Close()

	// Replay every registered subscription before reporting Connected.
	s.mu.Lock()
	subs := s.subscriptionSet()
	if len(subs) > 0 {
		if err := s.sendSubscribe(conn, subs); err != nil {
			s.mu.Unlock()
			return wrapError(KindTransport, s.venue, "resubscribe", err)
		}
	}
	s.conn = conn
	s.mu.Unlock()

	s.state.Set(StateConnected)
	s.logger.WithFields(logrus.Fields{
		"venue":         s.venue,
		"subscriptions": len(subs),
	}).Info("Stream connected")

	defer func() {
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
	}()

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
	})

	readErr := make(chan error, 1)
	go func() {
		for {
			conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
			_, data, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			s.stats.MessageReceived()
			s.onMessage(data)
		}
	}()

	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(streamWriteTimeout))
			return ctx.Err()
		case err := <-readErr:
			return wrapError(KindTransport, s.venue, "read", err)
		case <-pingTicker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteTimeout)); err != nil {
				return wrapError(KindTransport, s.venue, "ping", err)
			}
		}
	}
}
