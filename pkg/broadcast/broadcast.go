// Package broadcast implements the Broadcast Server (spec.md §4.7): a
// unix domain socket speaking newline-delimited JSON, fanning out
// status_update and log events to every connected client and dispatching
// client-originated command messages back to the orchestrator.
package broadcast

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/joeycumines/go-longpoll"

	"devwave/pkg/event"
	"devwave/pkg/status"
)

// clientOutboxSize bounds the per-client pending-message buffer. Writes
// beyond it are dropped rather than blocking the broadcaster — spec.md
// §4.7 only requires that a slow client eventually reconnects, not that
// it never misses a frame.
const clientOutboxSize = 256

// Message type discriminators, spec.md §4.7's wire format table.
const (
	TypeStatusUpdate    = "status_update"
	TypeLog             = "log"
	TypeCommand         = "command"
	TypeCommandResponse = "command_response"
)

// StatusUpdateMessage is broadcast whenever the Status Aggregator
// publishes a new snapshot.
type StatusUpdateMessage struct {
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Processes []ProcessStatus `json:"processes"`
	System    map[string]any  `json:"systemMetrics,omitempty"`
}

// ProcessStatus is one process's contribution to a StatusUpdateMessage.
type ProcessStatus struct {
	Name         string  `json:"name"`
	Status       string  `json:"status"`
	Pid          int     `json:"pid,omitempty"`
	RestartCount int     `json:"restartCount"`
	CPUPercent   float64 `json:"cpuPercent,omitempty"`
	RSSBytes     uint64  `json:"rssBytes,omitempty"`
}

// LogMessage is broadcast for every stdout/stderr line a supervised
// process emits.
type LogMessage struct {
	Type        string    `json:"type"`
	ProcessName string    `json:"processName"`
	Timestamp   time.Time `json:"timestamp"`
	Level       string    `json:"level"` // "stdout" or "stderr"
	Content     string    `json:"content"`
}

// CommandMessage is sent client->server to request a lifecycle action.
type CommandMessage struct {
	Type        string `json:"type"`
	Action      string `json:"action"` // "start", "stop", "restart"
	ProcessName string `json:"processName"`
}

// CommandResponseMessage answers exactly one CommandMessage, sent only to
// the client that issued it.
type CommandResponseMessage struct {
	Type    string `json:"type"`
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Dispatcher executes a client-originated command. The orchestrator
// implements this; the server calls it exactly once per received
// CommandMessage and forwards the result to the originating client.
type Dispatcher interface {
	Dispatch(ctx context.Context, action, processName string) CommandResponseMessage
}

// Server listens on a unix domain socket and serves the broadcast wire
// protocol. Zero value is not usable; construct with New.
type Server struct {
	socketPath string
	dispatcher Dispatcher

	mu       sync.Mutex
	clients  map[*ipcClient]struct{}
	listener net.Listener
}

// New builds a Server bound to socketPath. dispatcher may be nil, in
// which case command messages are rejected with a success:false response.
func New(socketPath string, dispatcher Dispatcher) *Server {
	return &Server{
		socketPath: socketPath,
		dispatcher: dispatcher,
		clients:    make(map[*ipcClient]struct{}),
	}
}

// Run removes any stale socket file, listens, and serves connections
// until ctx is cancelled. It also subscribes to bus for status:update and
// stdout/stderr events, broadcasting each as it arrives. Run blocks.
func (s *Server) Run(ctx context.Context, bus *event.Bus) error {
	if err := os.RemoveAll(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("broadcast: removing stale socket: %w", err)
	}
	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("broadcast: listen: %w", err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	defer func() {
		ln.Close()
		os.RemoveAll(s.socketPath)
	}()

	var wg sync.WaitGroup

	if bus != nil {
		sub := bus.Subscribe()
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer bus.Unsubscribe(sub)
			s.pumpEvents(ctx, sub)
		}()
	}

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			// Accept only fails here because ln was closed, either by the
			// ctx-watcher goroutine above or by our own deferred cleanup.
			wg.Wait()
			return nil
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.serve(ctx, conn)
		}()
	}
}

// pumpEvents translates bus events into broadcast wire messages.
func (s *Server) pumpEvents(ctx context.Context, sub *event.Subscriber) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			switch ev.Kind {
			case event.KindStatusUpdate:
				if snap, ok := ev.Data.(status.Snapshot); ok {
					s.broadcast(statusUpdateFromSnapshot(snap))
				}
			case event.KindStdout, event.KindStderr:
				level := "stdout"
				if ev.Kind == event.KindStderr {
					level = "stderr"
				}
				s.broadcast(LogMessage{
					Type:        TypeLog,
					ProcessName: ev.Process,
					Timestamp:   time.Now(),
					Level:       level,
					Content:     ev.Line,
				})
			}
		}
	}
}

func statusUpdateFromSnapshot(snap status.Snapshot) StatusUpdateMessage {
	processes := make([]ProcessStatus, 0, len(snap.Processes))
	for name, view := range snap.Processes {
		ps := ProcessStatus{
			Name:         name,
			Status:       string(view.Record.Status),
			RestartCount: view.Record.RestartCount,
		}
		if view.Record.HasPid {
			ps.Pid = view.Record.Pid
		}
		if view.Resource.Supported {
			ps.CPUPercent = view.Resource.CPUPercent
			ps.RSSBytes = view.Resource.RSSBytes
		}
		processes = append(processes, ps)
	}
	return StatusUpdateMessage{
		Type:      TypeStatusUpdate,
		Timestamp: snap.Timestamp,
		Processes: processes,
	}
}

// broadcast marshals msg once and fans it out to every connected client,
// dropping it for any client whose outbox is full.
func (s *Server) broadcast(msg any) {
	line, err := encodeLine(msg)
	if err != nil {
		slog.Error("broadcast: encode failed", "error", err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		select {
		case c.outbox <- line:
		default:
			slog.Warn("broadcast: dropping message for slow client", "client", c.id)
		}
	}
}

func encodeLine(msg any) ([]byte, error) {
	b, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

var clientSeq struct {
	mu sync.Mutex
	n  int
}

func nextClientID() string {
	clientSeq.mu.Lock()
	defer clientSeq.mu.Unlock()
	clientSeq.n++
	return fmt.Sprintf("client-%d", clientSeq.n)
}

// ipcClient is one connected socket's state, owned exclusively by the
// Server for the connection's lifetime and discarded on disconnect.
type ipcClient struct {
	id     string
	conn   net.Conn
	outbox chan []byte
}

func (s *Server) serve(ctx context.Context, conn net.Conn) {
	c := &ipcClient{id: nextClientID(), conn: conn, outbox: make(chan []byte, clientOutboxSize)}

	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.clients, c)
		s.mu.Unlock()
	}()

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// readLoop's Scan() only unblocks when conn is closed; tie that to
	// connCtx so a server-wide shutdown or a write failure (which cancels
	// connCtx below) doesn't leave the reader goroutine stuck forever.
	go func() {
		<-connCtx.Done()
		conn.Close()
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer cancel()
		s.writeLoop(connCtx, c)
	}()
	go func() {
		defer wg.Done()
		defer cancel()
		s.readLoop(connCtx, c)
	}()
	wg.Wait()
}

// writeLoop batch-drains c.outbox and writes each batch to the socket.
// longpoll.Channel blocks for at least one queued line (MinSize 1), then
// opportunistically drains whatever else is already buffered (MaxSize -1,
// i.e. unbounded) within PartialTimeout of the first. Each line is written
// to the socket by its own Write call.
func (s *Server) writeLoop(ctx context.Context, c *ipcClient) {
	cfg := &longpoll.ChannelConfig{MinSize: 1, MaxSize: -1, PartialTimeout: 20 * time.Millisecond}
	for {
		err := longpoll.Channel(ctx, cfg, c.outbox, func(line []byte) error {
			_, err := c.conn.Write(line)
			return err
		})
		if err != nil {
			return
		}
	}
}

// readLoop scans newline-delimited JSON command messages from the client
// and dispatches each exactly once, replying only to this client.
func (s *Server) readLoop(ctx context.Context, c *ipcClient) {
	scanner := bufio.NewScanner(c.conn)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var envelope struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(line, &envelope); err != nil {
			slog.Warn("broadcast: discarding malformed line", "client", c.id, "error", err)
			continue
		}
		if envelope.Type != TypeCommand {
			continue
		}
		var cmd CommandMessage
		if err := json.Unmarshal(line, &cmd); err != nil {
			slog.Warn("broadcast: discarding malformed command", "client", c.id, "error", err)
			continue
		}
		resp := s.dispatch(ctx, cmd)
		respLine, err := encodeLine(resp)
		if err != nil {
			slog.Error("broadcast: encoding command response failed", "error", err)
			continue
		}
		select {
		case c.outbox <- respLine:
		default:
			slog.Warn("broadcast: dropping command response for slow client", "client", c.id)
		}
	}
}

func (s *Server) dispatch(ctx context.Context, cmd CommandMessage) CommandResponseMessage {
	if s.dispatcher == nil {
		return CommandResponseMessage{Type: TypeCommandResponse, Success: false, Message: "no dispatcher configured"}
	}
	resp := s.dispatcher.Dispatch(ctx, cmd.Action, cmd.ProcessName)
	resp.Type = TypeCommandResponse
	return resp
}
