// Package server implements the kubescr coordination server: a TCP service
// that checkpoint participants contact once per CRIU action so that
// interdependent containers are dumped and restored in a consistent order.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	"github.com/kubescr/kubescr/pkg/protocol"
)

const (
	DefaultAddress    = "127.0.0.1"
	DefaultPort       = 8080
	DefaultMaxRetries = 5

	defaultImagesDir = "/tmp/server-images"

	// bufferSize bounds a single request read. Large enough for any
	// dependency map a real deployment produces.
	bufferSize = 32768 * 4
)

var errDependencyPending = errors.New("dependency not yet in the requested state")

// Config holds the coordination server settings.
type Config struct {
	Address string
	Port    int

	// MaxRetries bounds every dependency wait: a waiting client polls up
	// to MaxRetries+1 times at RetryInterval before the server replies
	// with a timeout.
	MaxRetries    int
	RetryInterval time.Duration

	// ImagesDir receives checkpoint images uploaded via pre-stream.
	ImagesDir string
}

// Server coordinates checkpoint and restore across interdependent clients.
// All state is in memory; nothing survives a restart.
type Server struct {
	cfg    Config
	logger zerolog.Logger

	mu            sync.Mutex
	clients       map[string]*clientStatus
	containerDeps map[string][]string

	ln net.Listener
	wg sync.WaitGroup
}

// New creates a Server. Zero config fields take defaults; a zero port asks
// the kernel for an ephemeral one.
func New(cfg Config, logger zerolog.Logger) *Server {
	if cfg.Address == "" {
		cfg.Address = DefaultAddress
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.RetryInterval == 0 {
		cfg.RetryInterval = time.Second
	}
	if cfg.ImagesDir == "" {
		cfg.ImagesDir = defaultImagesDir
	}
	return &Server{
		cfg:           cfg,
		logger:        logger.With().Str("component", "server").Logger(),
		clients:       make(map[string]*clientStatus),
		containerDeps: make(map[string][]string),
	}
}

// Listen binds the server socket without accepting connections yet.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", net.JoinHostPort(s.cfg.Address, fmt.Sprint(s.cfg.Port)))
	if err != nil {
		return fmt.Errorf("bind %s:%d: %w", s.cfg.Address, s.cfg.Port, err)
	}
	s.ln = ln
	s.logger.Info().Stringer("addr", ln.Addr()).Msg("server listening")
	return nil
}

// Addr returns the bound address. Valid after Listen.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Serve accepts connections until ctx is canceled, handling each on its own
// goroutine. It returns after in-flight connections finish.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.ln.Close()
	}()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				return nil
			}
			s.logger.Error().Err(err).Msg("failed to accept a connection")
			continue
		}
		s.logger.Info().Stringer("peer", conn.RemoteAddr()).Msg("new client connected")
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(ctx, conn)
		}()
	}
}

// ListenAndServe combines Listen and Serve.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	log := s.logger.With().Str("conn", uuid.NewString()[:8]).Logger()

	env, err := s.readEnvelope(conn)
	if err != nil {
		log.Error().Err(err).Msg("failed to read client message")
		return
	}

	deps := env.Dependencies
	if env.DependencyMap == nil && len(deps) == 0 {
		s.mu.Lock()
		deps = s.containerDeps[env.ID]
		s.mu.Unlock()
	}

	log = log.With().Str("client", env.ID).Logger()
	log.Info().Str("action", env.Action).Strs("dependencies", deps).Msg("request received")

	switch {
	case env.IsAddDependencies():
		if env.DependencyMap == nil {
			log.Error().Msg("add_dependencies requires an object dependencies field")
			return
		}
		s.updateDependencies(env.DependencyMap, log)
		s.reply(conn, protocol.MessageAck, log)
		return

	case env.Action == protocol.ActionPostDump:
		s.handlePostDump(ctx, conn, env.ID, deps, log)
		return

	case env.Action == protocol.ActionPostRestore:
		log.Info().Msg("post-restore action received")
		s.reply(conn, protocol.MessageAck, log)
		s.removeClient(env.ID, log)
		return
	}

	msg := s.register(env.ID, env.Action, log)
	if msg != protocol.MessageAck {
		s.reply(conn, msg, log)
		return
	}

	if !s.awaitDependencies(ctx, deps, "connected", log, func(st *clientStatus, ok bool) bool {
		return ok && st.connected
	}) {
		msg = protocol.MessageTimeout
	}

	if msg == protocol.MessageAck {
		s.markReady(env.ID)
		log.Info().Msg("client is ready")

		if !s.awaitDependencies(ctx, deps, "ready", log, func(st *clientStatus, ok bool) bool {
			return ok && st.ready
		}) {
			msg = protocol.MessageTimeout
		}
	}

	s.reply(conn, msg, log)

	if msg == protocol.MessageAck {
		switch env.Action {
		case protocol.ActionPreStream:
			if err := s.receiveImages(conn, env.ID, log); err != nil {
				log.Error().Err(err).Msg("image transfer failed")
			}
		case protocol.ActionNetworkLock:
			s.markNetworkLocked(env.ID)
		case protocol.ActionNetworkUnlock:
			s.markNetworkUnlocked(env.ID)
		}
	}

	if env.Action == protocol.ActionPostStream {
		s.removeClient(env.ID, log)
	}
}

func (s *Server) readEnvelope(conn net.Conn) (protocol.Envelope, error) {
	buf := make([]byte, bufferSize)
	n, err := conn.Read(buf)
	if err != nil {
		return protocol.Envelope{}, fmt.Errorf("read request: %w", err)
	}
	if !utf8.Valid(buf[:n]) {
		return protocol.Envelope{}, errors.New("request is not valid UTF-8")
	}
	return protocol.ParseEnvelope(buf[:n])
}

// handlePostDump marks the client's local checkpoint and blocks until every
// dependency has done the same. A dependency that has already completed and
// been removed counts as done.
func (s *Server) handlePostDump(ctx context.Context, conn net.Conn, id string, deps []string, log zerolog.Logger) {
	msg := protocol.MessageAck

	s.mu.Lock()
	st, ok := s.clients[id]
	switch {
	case !ok:
		msg = protocol.MessageNotConnected
	case st.localCheckpoint:
		msg = protocol.MessageCheckpointExists
	default:
		st.localCheckpoint = true
	}
	s.mu.Unlock()

	if msg == protocol.MessageAck {
		log.Info().Msg("waiting for dependencies to complete their local checkpoints")
		if !s.awaitDependencies(ctx, deps, "checkpointed", log, func(st *clientStatus, ok bool) bool {
			return !ok || st.localCheckpoint
		}) {
			msg = protocol.MessageTimeout
		}
	}

	s.reply(conn, msg, log)
	s.removeClient(id, log)
}

// awaitDependencies polls until satisfied reports true for every listed
// dependency or the retry budget runs out. Returns false on timeout.
func (s *Server) awaitDependencies(ctx context.Context, deps []string, state string, log zerolog.Logger, satisfied func(st *clientStatus, ok bool) bool) bool {
	for _, dep := range deps {
		if dep == "" {
			continue
		}
		log.Info().Str("dependency", dep).Str("state", state).Msg("waiting for dependency")

		backoff := retry.WithMaxRetries(uint64(s.cfg.MaxRetries), retry.NewConstant(s.cfg.RetryInterval))
		err := retry.Do(ctx, backoff, func(ctx context.Context) error {
			s.mu.Lock()
			st, ok := s.clients[dep]
			done := satisfied(st, ok)
			s.mu.Unlock()
			if done {
				return nil
			}
			return retry.RetryableError(errDependencyPending)
		})
		if err != nil {
			log.Error().Str("dependency", dep).Str("state", state).Msg("timeout waiting for dependency")
			return false
		}
		log.Info().Str("dependency", dep).Str("state", state).Msg("dependency reached state")
	}
	return true
}

// receiveImages runs the server side of the pre-stream exchange: SYN/ACK,
// then a header-plus-content upload per image acknowledged with IMG_ACK,
// terminated by a bare SYN answered with a final ACK.
func (s *Server) receiveImages(conn net.Conn, id string, log zerolog.Logger) error {
	br := bufio.NewReader(conn)

	syn := make([]byte, len(protocol.MessageSyn))
	if _, err := io.ReadFull(br, syn); err != nil {
		return fmt.Errorf("read SYN: %w", err)
	}
	if string(syn) != protocol.MessageSyn {
		return fmt.Errorf("expected %s, got %q", protocol.MessageSyn, syn)
	}
	s.markLocalCheckpoint(id)
	s.reply(conn, protocol.MessageAck, log)

	if err := os.MkdirAll(s.cfg.ImagesDir, 0o755); err != nil {
		return fmt.Errorf("create images dir: %w", err)
	}

	for {
		peek, err := br.Peek(len(protocol.MessageSyn))
		if err != nil {
			return fmt.Errorf("read image header: %w", err)
		}
		if string(peek) == protocol.MessageSyn {
			if _, err := br.Discard(len(protocol.MessageSyn)); err != nil {
				return err
			}
			s.reply(conn, protocol.MessageAck, log)
			log.Info().Msg("checkpoint transfer complete")
			return nil
		}

		dec := json.NewDecoder(br)
		var hdr protocol.ImageHeader
		if err := dec.Decode(&hdr); err != nil {
			return fmt.Errorf("parse image header: %w", err)
		}
		// The decoder may have read past the header; put what it buffered
		// back in front of the image content.
		br = bufio.NewReader(io.MultiReader(dec.Buffered(), br))

		// img_name comes off the wire; never let it escape the images dir.
		name := filepath.Base(hdr.ImgName)
		path := filepath.Join(s.cfg.ImagesDir, name)

		log.Info().Str("image", name).Int64("size", hdr.ImgSize).Str("path", path).Msg("receiving image")

		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("create %s: %w", path, err)
		}
		if _, err := io.CopyN(f, br, hdr.ImgSize); err != nil {
			f.Close()
			return fmt.Errorf("receive %s: %w", name, err)
		}
		if err := f.Close(); err != nil {
			return err
		}
		s.reply(conn, protocol.MessageImgAck, log)
	}
}

func (s *Server) reply(conn net.Conn, msg string, log zerolog.Logger) {
	log.Info().Str("reply", msg).Msg("sending reply")
	if _, err := conn.Write([]byte(msg)); err != nil {
		log.Error().Err(err).Msg("failed to send reply")
	}
}

func (s *Server) register(id, action string, log zerolog.Logger) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.clients[id]; ok {
		log.Warn().Str("pending_action", st.action).Msg("client id already registered")
		return protocol.MessageAlreadyConnected
	}
	log.Info().Str("action", action).Msg("client registered")
	s.clients[id] = newClientStatus(action)
	return protocol.MessageAck
}

func (s *Server) updateDependencies(m map[string][]string, log zerolog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for component, deps := range m {
		filtered := make([]string, 0, len(deps))
		for _, dep := range deps {
			if dep != component {
				filtered = append(filtered, dep)
			}
		}
		s.containerDeps[component] = filtered
		log.Info().Str("component", component).Strs("dependencies", filtered).Msg("dependencies updated")
	}
}

func (s *Server) markReady(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.clients[id]; ok {
		st.ready = true
	}
}

func (s *Server) markLocalCheckpoint(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.clients[id]; ok {
		st.localCheckpoint = true
	}
}

func (s *Server) markNetworkLocked(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.clients[id]; ok {
		st.networkLocked = true
	}
}

func (s *Server) markNetworkUnlocked(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.clients[id]; ok {
		st.networkUnlocked = true
	}
}

func (s *Server) removeClient(id string, log zerolog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[id]; ok {
		delete(s.clients, id)
		log.Info().Msg("client removed")
	}
}
