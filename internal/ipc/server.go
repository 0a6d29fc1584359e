package ipc

import (
	"context"
	"errors"
	"io"
	"log"
	"net"
	"os"
	"sync"

	"flowtrace/internal/model"
)

// Handler processes one inbound envelope. A non-nil response payload is
// sent back in an envelope carrying the request id.
type Handler func(env model.Envelope) (response any, err error)

// Server is the persistence-side IPC endpoint: it accepts publisher
// connections and routes framed envelopes to type handlers.
type Server struct {
	path string

	mu       sync.RWMutex
	handlers map[string]Handler
	ln       net.Listener

	// OnMessage observes every successfully dispatched envelope type.
	OnMessage func(msgType string)
	// OnError observes handler failures (after logging).
	OnError func(msgType string, err error)
}

// NewServer creates a server for the given unix socket path.
func NewServer(path string) *Server {
	return &Server{
		path:     path,
		handlers: make(map[string]Handler),
	}
}

// Handle registers the handler for one envelope type. Registration happens
// once at boot, before Run.
func (s *Server) Handle(msgType string, h Handler) {
	s.mu.Lock()
	s.handlers[msgType] = h
	s.mu.Unlock()
}

// Run listens on the socket and serves connections until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	// A stale socket file from a crashed process blocks the bind.
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.ln = nil
		s.mu.Unlock()
	}()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	log.Printf("[ipc] listening on %s", s.path)
	var wg sync.WaitGroup
	for {
		conn, err := ln.Accept()
		if err != nil {
			wg.Wait()
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.serveConn(ctx, conn)
		}()
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	// Writes from handler responses must not interleave.
	var writeMu sync.Mutex

	for {
		env, err := ReadEnvelope(conn)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, io.EOF) {
				log.Printf("[ipc] read: %v", err)
			}
			return
		}

		resp, err := s.Dispatch(env)
		if err != nil {
			// The message is not acked; the durable path will retry it.
			log.Printf("[ipc] handler %s (id=%s): %v", env.Type, env.ID, err)
			continue
		}
		if resp == nil {
			continue
		}

		out, err := model.NewEnvelope(env.Type, resp)
		if err != nil {
			log.Printf("[ipc] marshal response for %s: %v", env.ID, err)
			continue
		}
		out.ID = env.ID // correlate response with request
		writeMu.Lock()
		err = WriteEnvelope(conn, out)
		writeMu.Unlock()
		if err != nil {
			log.Printf("[ipc] write response for %s: %v", env.ID, err)
			return
		}
	}
}

// Listening reports whether the socket is bound and accepting, for the
// health endpoint.
func (s *Server) Listening() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ln != nil
}

// Dispatch routes one envelope to its handler. Exposed so the queue
// poller can feed the same handler set.
func (s *Server) Dispatch(env model.Envelope) (any, error) {
	s.mu.RLock()
	h, ok := s.handlers[env.Type]
	s.mu.RUnlock()
	if !ok {
		return nil, errors.New("ipc: no handler for type " + env.Type)
	}
	resp, err := h(env)
	if err != nil {
		if s.OnError != nil {
			s.OnError(env.Type, err)
		}
		return nil, err
	}
	if s.OnMessage != nil {
		s.OnMessage(env.Type)
	}
	return resp, nil
}
