package server_test

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/kubescr/kubescr/internal/client"
	"github.com/kubescr/kubescr/internal/server"
	"github.com/kubescr/kubescr/pkg/protocol"
)

// step is one client exchange within a scenario. Steps sharing an id run
// sequentially; different ids run concurrently, as real participants do.
type step struct {
	id     string
	deps   string
	action string
	want   string
}

type testServer struct {
	srv       *server.Server
	host      string
	port      int
	imagesDir string
}

func startServer(t *testing.T) *testServer {
	t.Helper()

	imagesDir := filepath.Join(t.TempDir(), "server-images")
	srv := server.New(server.Config{
		Address:       "127.0.0.1",
		Port:          0,
		MaxRetries:    10,
		RetryInterval: 50 * time.Millisecond,
		ImagesDir:     imagesDir,
	}, zerolog.Nop())

	if err := srv.Listen(); err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := srv.Serve(ctx); err != nil {
			t.Errorf("serve: %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	host, portStr, err := net.SplitHostPort(srv.Addr().String())
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}
	port, _ := strconv.Atoi(portStr)
	return &testServer{srv: srv, host: host, port: port, imagesDir: imagesDir}
}

func (ts *testServer) runStep(st step) error {
	err := client.Run(context.Background(), client.Options{
		Address:      ts.host,
		Port:         ts.port,
		ID:           st.id,
		Dependencies: st.deps,
		Action:       st.action,
		Timeout:      10 * time.Second,
	}, zerolog.Nop())

	if st.want == protocol.MessageAck {
		if err != nil {
			return fmt.Errorf("step {%s %s}: expected ACK, got %v", st.id, st.action, err)
		}
		return nil
	}

	var se *client.ServerError
	if !errors.As(err, &se) {
		return fmt.Errorf("step {%s %s}: expected reply %q, got %v", st.id, st.action, st.want, err)
	}
	if se.Reply != st.want {
		return fmt.Errorf("step {%s %s}: expected reply %q, got %q", st.id, st.action, st.want, se.Reply)
	}
	return nil
}

func runScenario(t *testing.T, steps []step) {
	t.Helper()
	ts := startServer(t)

	// Group by id to keep each participant's phases in order.
	phases := make(map[string][]step)
	var ids []string
	for _, st := range steps {
		if _, ok := phases[st.id]; !ok {
			ids = append(ids, st.id)
		}
		phases[st.id] = append(phases[st.id], st)
	}

	errCh := make(chan error, len(steps))
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(steps []step) {
			defer wg.Done()
			for i, st := range steps {
				// Let the dump phase drain before restoring.
				if st.action == protocol.ActionPreRestore && i > 0 && steps[i-1].action == protocol.ActionPostDump {
					time.Sleep(500 * time.Millisecond)
				}
				if err := ts.runStep(st); err != nil {
					errCh <- err
					return
				}
				time.Sleep(20 * time.Millisecond)
			}
		}(phases[id])
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Error(err)
	}
}

func TestDumpSingleClient(t *testing.T) {
	runScenario(t, []step{
		{id: "A", action: protocol.ActionPreDump, want: protocol.MessageAck},
		{id: "A", action: protocol.ActionPostDump, want: protocol.MessageAck},
	})
}

func TestRestoreSingleClient(t *testing.T) {
	runScenario(t, []step{
		{id: "A", action: protocol.ActionPreRestore, want: protocol.MessageAck},
	})
}

func TestDumpSingleClientWithNonexistentDep(t *testing.T) {
	runScenario(t, []step{
		{id: "A", deps: "B", action: protocol.ActionPreDump, want: protocol.MessageTimeout},
	})
}

func TestRestoreSingleClientWithNonexistentDep(t *testing.T) {
	runScenario(t, []step{
		{id: "A", deps: "B", action: protocol.ActionPreRestore, want: protocol.MessageTimeout},
	})
}

func TestDumpTwoInterdependentClients(t *testing.T) {
	runScenario(t, []step{
		{id: "A", deps: "B", action: protocol.ActionPreDump, want: protocol.MessageAck},
		{id: "B", deps: "A", action: protocol.ActionPreDump, want: protocol.MessageAck},
		{id: "A", deps: "B", action: protocol.ActionPostDump, want: protocol.MessageAck},
		{id: "B", deps: "A", action: protocol.ActionPostDump, want: protocol.MessageAck},
	})
}

func TestRestoreTwoInterdependentClients(t *testing.T) {
	runScenario(t, []step{
		{id: "A", deps: "B", action: protocol.ActionPreRestore, want: protocol.MessageAck},
		{id: "B", deps: "A", action: protocol.ActionPreRestore, want: protocol.MessageAck},
	})
}

func TestDumpAndRestoreThreeInterdependentClients(t *testing.T) {
	runScenario(t, []step{
		{id: "A", deps: "B:C", action: protocol.ActionPreDump, want: protocol.MessageAck},
		{id: "B", deps: "A:C", action: protocol.ActionPreDump, want: protocol.MessageAck},
		{id: "C", deps: "A:B", action: protocol.ActionPreDump, want: protocol.MessageAck},
		{id: "A", deps: "B:C", action: protocol.ActionPostDump, want: protocol.MessageAck},
		{id: "B", deps: "A:C", action: protocol.ActionPostDump, want: protocol.MessageAck},
		{id: "C", deps: "A:B", action: protocol.ActionPostDump, want: protocol.MessageAck},
		{id: "A", deps: "B:C", action: protocol.ActionPreRestore, want: protocol.MessageAck},
		{id: "B", deps: "A:C", action: protocol.ActionPreRestore, want: protocol.MessageAck},
		{id: "C", deps: "A:B", action: protocol.ActionPreRestore, want: protocol.MessageAck},
	})
}

func TestNetworkLockAndUnlock(t *testing.T) {
	// A dump lifecycle: lock the network, dump, then unlock. post-dump
	// removes the client entry, so the unlock registers afresh.
	runScenario(t, []step{
		{id: "A", action: protocol.ActionNetworkLock, want: protocol.MessageAck},
		{id: "A", action: protocol.ActionPostDump, want: protocol.MessageAck},
		{id: "A", action: protocol.ActionNetworkUnlock, want: protocol.MessageAck},
	})
}

func TestNetworkUnlockWhileStillRegistered(t *testing.T) {
	runScenario(t, []step{
		{id: "A", action: protocol.ActionNetworkLock, want: protocol.MessageAck},
		{id: "A", action: protocol.ActionNetworkUnlock, want: protocol.MessageAlreadyConnected},
	})
}

func TestPostStreamRemovesClient(t *testing.T) {
	// If post-stream left the entry behind, the following pre-dump from
	// the same id would be rejected as already connected.
	runScenario(t, []step{
		{id: "A", action: protocol.ActionPostStream, want: protocol.MessageAck},
		{id: "A", action: protocol.ActionPreDump, want: protocol.MessageAck},
	})
}

func TestMalformedRequestTerminatesOnlyThatConnection(t *testing.T) {
	ts := startServer(t)
	addr := net.JoinHostPort(ts.host, strconv.Itoa(ts.port))

	// Garbage request: the server drops the connection without replying.
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := conn.Write([]byte(`{"id": "A", "action":`)); err != nil {
		t.Fatal(err)
	}
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 64)
	if n, err := conn.Read(buf); err == nil {
		t.Fatalf("unexpected reply to a malformed request: %q", buf[:n])
	}
	conn.Close()

	// A client that disconnects before writing anything.
	conn, err = net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	conn.Close()

	// The server keeps serving.
	if err := ts.runStep(step{id: "A", action: protocol.ActionPreDump, want: protocol.MessageAck}); err != nil {
		t.Error(err)
	}
}

func TestPostDumpWithoutRegistration(t *testing.T) {
	runScenario(t, []step{
		{id: "A", action: protocol.ActionPostDump, want: protocol.MessageNotConnected},
	})
}

func TestDuplicateClientIsRejected(t *testing.T) {
	ts := startServer(t)

	// First connection parks in the dependency wait with a ghost dep,
	// keeping the id registered.
	firstDone := make(chan error, 1)
	go func() {
		firstDone <- ts.runStep(step{id: "A", deps: "ghost", action: protocol.ActionPreDump, want: protocol.MessageTimeout})
	}()

	time.Sleep(150 * time.Millisecond)
	if err := ts.runStep(step{id: "A", action: protocol.ActionPreDump, want: protocol.MessageAlreadyConnected}); err != nil {
		t.Error(err)
	}
	if err := <-firstDone; err != nil {
		t.Error(err)
	}
}

func TestStoredDependenciesFromOrchestrator(t *testing.T) {
	ts := startServer(t)

	deps := map[string][]string{
		"A": {"B", "A"}, // self-reference must be dropped
		"B": {"A"},
	}
	if err := client.AddDependencies(context.Background(), ts.host, ts.port, deps, zerolog.Nop()); err != nil {
		t.Fatalf("add dependencies: %v", err)
	}

	// Clients declare no dependencies; the stored map must drive the
	// coordination, so A and B only succeed together.
	errCh := make(chan error, 2)
	var wg sync.WaitGroup
	for _, id := range []string{"A", "B"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			errCh <- ts.runStep(step{id: id, action: protocol.ActionPreDump, want: protocol.MessageAck})
		}(id)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		if err != nil {
			t.Error(err)
		}
	}
}

func TestStoredDependenciesCauseTimeoutWhenPeerAbsent(t *testing.T) {
	ts := startServer(t)

	if err := client.AddDependencies(context.Background(), ts.host, ts.port, map[string][]string{
		"X": {"Y"},
	}, zerolog.Nop()); err != nil {
		t.Fatalf("add dependencies: %v", err)
	}

	if err := ts.runStep(step{id: "X", action: protocol.ActionPreDump, want: protocol.MessageTimeout}); err != nil {
		t.Error(err)
	}
}

func TestPreStreamImageTransfer(t *testing.T) {
	ts := startServer(t)

	imagesDir := t.TempDir()
	files := map[string]string{
		"pages-1.img": "page contents",
		"core-1.img":  "core contents",
		// A brace in the name must survive the header parse.
		"od}d-1.img": "odd contents",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(imagesDir, name), []byte(content), 0o600); err != nil {
			t.Fatal(err)
		}
	}

	err := client.Run(context.Background(), client.Options{
		Address:   ts.host,
		Port:      ts.port,
		ID:        "A",
		Action:    protocol.ActionPreStream,
		ImagesDir: imagesDir,
		Stream:    true,
		Timeout:   10 * time.Second,
		Settle:    100 * time.Millisecond,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("pre-stream client: %v", err)
	}

	for name, content := range files {
		got, err := os.ReadFile(filepath.Join(ts.imagesDir, name))
		if err != nil {
			t.Fatalf("server copy of %s: %v", name, err)
		}
		if string(got) != content {
			t.Errorf("server copy of %s = %q, want %q", name, got, content)
		}
	}

	// The streamed checkpoint is recorded, so a later post-dump must
	// report it as already created.
	if err := ts.runStep(step{id: "A", action: protocol.ActionPostDump, want: protocol.MessageCheckpointExists}); err != nil {
		t.Error(err)
	}
}
