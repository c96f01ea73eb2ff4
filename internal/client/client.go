// Package client implements the coordinator exchange performed by a
// checkpoint participant: one connection, one request, one reply.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/kubescr/kubescr/internal/pipeline"
	"github.com/kubescr/kubescr/pkg/protocol"
)

// bufferSize bounds a single reply read, matching the server side.
const bufferSize = 32768 * 4

const defaultDialTimeout = 10 * time.Second

// Options configures one client invocation.
type Options struct {
	Address      string
	Port         int
	ID           string
	Dependencies string // colon-separated
	Action       string
	ImagesDir    string
	Stream       bool

	// Timeout bounds every read and write on the connection. Zero means
	// no deadline.
	Timeout time.Duration

	// Settle is how long the streamer waits for the images directory to
	// go quiet before uploading. Zero takes the pipeline default.
	Settle time.Duration
}

// ServerError is returned when the server replies with anything but ACK.
// Reply carries the server's exact words.
type ServerError struct {
	Reply string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server replied %q", e.Reply)
}

// Run performs the client exchange for the given action: connect, send the
// envelope in a single write, read a single reply, and close the connection
// on every exit path. With Stream set it then uploads the checkpoint images
// found in ImagesDir over the same connection.
func Run(ctx context.Context, opts Options, logger zerolog.Logger) error {
	addr := net.JoinHostPort(opts.Address, fmt.Sprint(opts.Port))
	log := logger.With().Str("component", "client").Str("id", opts.ID).Logger()
	log.Info().Str("addr", addr).Str("action", opts.Action).Msg("connecting to server")

	env := protocol.Envelope{
		ID:           opts.ID,
		Action:       opts.Action,
		Dependencies: protocol.SplitDependencies(opts.Dependencies),
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	d := net.Dialer{Timeout: defaultDialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", addr, err)
	}
	defer conn.Close()

	if opts.Timeout > 0 {
		if err := conn.SetDeadline(time.Now().Add(opts.Timeout)); err != nil {
			return err
		}
	}

	reply, err := Exchange(conn, payload)
	if err != nil {
		return err
	}
	log.Info().Str("reply", reply).Msg("server responded")
	if reply != protocol.MessageAck {
		return &ServerError{Reply: reply}
	}

	if opts.Stream {
		images, err := pipeline.NewMonitor(opts.ImagesDir, opts.Settle, log).Collect(ctx)
		if err != nil {
			return fmt.Errorf("collect checkpoint images: %w", err)
		}
		if err := pipeline.Stream(conn, images, log); err != nil {
			return fmt.Errorf("stream checkpoint images: %w", err)
		}
	}

	return nil
}

// AddDependencies pushes an application dependency map to the server using
// the reserved orchestrator id. Self-references are left for the server to
// drop.
func AddDependencies(ctx context.Context, address string, port int, deps map[string][]string, logger zerolog.Logger) error {
	addr := net.JoinHostPort(address, fmt.Sprint(port))
	log := logger.With().Str("component", "client").Str("id", protocol.OrchestratorID).Logger()
	log.Info().Str("addr", addr).Int("components", len(deps)).Msg("pushing dependency map")

	payload, err := json.Marshal(protocol.Envelope{
		ID:            protocol.OrchestratorID,
		Action:        protocol.ActionAddDependencies,
		DependencyMap: deps,
	})
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	d := net.Dialer{Timeout: defaultDialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", addr, err)
	}
	defer conn.Close()

	reply, err := Exchange(conn, payload)
	if err != nil {
		return err
	}
	if reply != protocol.MessageAck {
		return &ServerError{Reply: reply}
	}
	return nil
}

// Exchange writes payload in exactly one write and reads exactly one reply.
// The reply bytes are returned untransformed.
func Exchange(conn net.Conn, payload []byte) (string, error) {
	if _, err := conn.Write(payload); err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	buf := make([]byte, bufferSize)
	n, err := conn.Read(buf)
	if err != nil {
		return "", fmt.Errorf("receive reply: %w", err)
	}
	return string(buf[:n]), nil
}
