package receiver

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/racewire/rt-relay/internal/receiver/ports"
)

// streamListener accepts scoring-software clients on one assigned port
// and fans every delivered read line out to all of them. Grounded on
// the server's Broadcaster (per-key registry, one goroutine-safe set of
// subscribers per key) generalized from Go channels fanning out to
// receiver sessions to raw lines fanning out to local TCP clients.
type streamListener struct {
	key      ports.StreamKey
	port     int
	listener net.Listener
	logger   *slog.Logger

	mu      sync.Mutex
	clients map[int64]net.Conn
	nextID  int64
}

func newStreamListener(key ports.StreamKey, port int, logger *slog.Logger) *streamListener {
	return &streamListener{
		key:     key,
		port:    port,
		logger:  logger.With("stream", key.String(), "port", port),
		clients: make(map[int64]net.Conn),
	}
}

func (l *streamListener) start() error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", l.port))
	if err != nil {
		return fmt.Errorf("listening on port %d for %s: %w", l.port, l.key, err)
	}
	l.listener = ln
	return nil
}

// acceptLoop accepts clients until ctx is canceled or the listener is
// closed, registering each for fan-out.
func (l *streamListener) acceptLoop(ctx context.Context) {
	go func() {
		<-ctx.Done()
		l.listener.Close()
	}()

	for {
		conn, err := l.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			l.logger.Warn("accept failed", "error", err)
			return
		}
		l.register(conn)
	}
}

func (l *streamListener) register(conn net.Conn) {
	l.mu.Lock()
	id := l.nextID
	l.nextID++
	l.clients[id] = conn
	l.mu.Unlock()

	l.logger.Info("scoring client connected", "remote", conn.RemoteAddr())

	go func() {
		// The local protocol is write-only from the receiver's side; a
		// client is never expected to send anything, but reading to EOF
		// is how we notice it closed the connection.
		buf := make([]byte, 1)
		for {
			if _, err := conn.Read(buf); err != nil {
				l.unregister(id, conn)
				return
			}
		}
	}()
}

func (l *streamListener) unregister(id int64, conn net.Conn) {
	l.mu.Lock()
	delete(l.clients, id)
	l.mu.Unlock()
	conn.Close()
	l.logger.Info("scoring client disconnected", "remote", conn.RemoteAddr())
}

// broadcast writes line, newline-terminated, to every connected client.
// A client whose write fails is dropped rather than allowed to block
// the others.
func (l *streamListener) broadcast(line string) {
	l.mu.Lock()
	conns := make(map[int64]net.Conn, len(l.clients))
	for id, c := range l.clients {
		conns[id] = c
	}
	l.mu.Unlock()

	for id, conn := range conns {
		w := bufio.NewWriter(conn)
		if _, err := w.WriteString(line + "\n"); err != nil {
			l.unregister(id, conn)
			continue
		}
		if err := w.Flush(); err != nil {
			l.unregister(id, conn)
		}
	}
}

func (l *streamListener) close() {
	l.mu.Lock()
	for id, c := range l.clients {
		c.Close()
		delete(l.clients, id)
	}
	l.mu.Unlock()
	if l.listener != nil {
		l.listener.Close()
	}
}

// ListenerManager binds one streamListener per non-colliding assigned
// port and implements Sink, routing each applied read to its stream's
// listener. Collision streams are recorded but never bound — reads for
// them are silently dropped at the fan-out boundary (spec.md §4.3: "no
// listener is bound for either").
type ListenerManager struct {
	logger *slog.Logger

	mu          sync.RWMutex
	byStreamKey map[ports.StreamKey]*streamListener
}

// NewListenerManager builds an empty manager; call Reconcile to bind
// listeners for a resolved port assignment.
func NewListenerManager(logger *slog.Logger) *ListenerManager {
	return &ListenerManager{
		logger:      logger.With("component", "listener_manager"),
		byStreamKey: make(map[ports.StreamKey]*streamListener),
	}
}

// Reconcile brings the bound listener set in line with assignments:
// streams no longer present or now colliding are closed, newly
// assigned non-colliding streams get a listener bound and its accept
// loop started against ctx.
func (m *ListenerManager) Reconcile(ctx context.Context, assignments map[ports.StreamKey]ports.Assignment) {
	m.mu.Lock()
	defer m.mu.Unlock()

	wanted := make(map[ports.StreamKey]ports.Assignment, len(assignments))
	for key, a := range assignments {
		if !a.Collision {
			wanted[key] = a
		}
	}

	for key, l := range m.byStreamKey {
		if a, ok := wanted[key]; !ok || a.Port != l.port {
			l.close()
			delete(m.byStreamKey, key)
		}
	}

	for key, a := range wanted {
		if _, exists := m.byStreamKey[key]; exists {
			continue
		}
		l := newStreamListener(key, a.Port, m.logger)
		if err := l.start(); err != nil {
			m.logger.Error("failed to bind stream listener", "stream", key.String(), "port", a.Port, "error", err)
			continue
		}
		m.byStreamKey[key] = l
		go l.acceptLoop(ctx)
	}
}

// Deliver implements Sink, routing a read to its stream's listener if
// one is bound.
func (m *ListenerManager) Deliver(forwarderID, readerIP, rawReadLine string) {
	key := ports.StreamKey{ForwarderID: forwarderID, ReaderIP: readerIP}

	m.mu.RLock()
	l, ok := m.byStreamKey[key]
	m.mu.RUnlock()

	if !ok {
		return
	}
	l.broadcast(rawReadLine)
}

// CloseAll closes every bound listener and its clients.
func (m *ListenerManager) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, l := range m.byStreamKey {
		l.close()
		delete(m.byStreamKey, key)
	}
}
