package handler

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erp/fleetsync/internal/interfaces/http/dto"
	"github.com/erp/fleetsync/internal/interfaces/http/middleware"
)

type sseEvent struct {
	Event string
	ID    string
	Data  string
}

// openStream connects to the stream endpoint and returns a channel of parsed
// events. Cancelling the returned func disconnects.
func openStream(t *testing.T, srv *httptest.Server, tenantID string) (<-chan sseEvent, *http.Response, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+collectionPath+"/stream", nil)
	require.NoError(t, err)
	req.Header.Set(middleware.TenantHeader, tenantID)

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)

	events := make(chan sseEvent, 32)
	if resp.StatusCode != http.StatusOK {
		close(events)
		return events, resp, cancel
	}
	go func() {
		defer close(events)
		defer resp.Body.Close()
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64<<10), 1<<20)
		var ev sseEvent
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case line == "":
				events <- ev
				ev = sseEvent{}
			case strings.HasPrefix(line, "event: "):
				ev.Event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "id: "):
				ev.ID = strings.TrimPrefix(line, "id: ")
			case strings.HasPrefix(line, "data: "):
				ev.Data = strings.TrimPrefix(line, "data: ")
			}
		}
	}()
	t.Cleanup(cancel)
	return events, resp, cancel
}

// newServer serves the fixture. Open streams end before the server closes.
func newServer(t *testing.T, f *fixture) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(f.engine)
	t.Cleanup(func() {
		f.stream.Stop()
		srv.Close()
	})
	return srv
}

func nextEvent(t *testing.T, events <-chan sseEvent, name string) sseEvent {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			require.True(t, ok, "stream closed before %q", name)
			if ev.Event == name {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q event", name)
			return sseEvent{}
		}
	}
}

func waitClosed(t *testing.T, events <-chan sseEvent) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-events:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("stream was not closed")
			return
		}
	}
}

func snapshotIDs(t *testing.T, ev sseEvent) []string {
	t.Helper()
	var resp dto.CollectionResponse
	require.NoError(t, json.Unmarshal([]byte(ev.Data), &resp))
	return recordIDs(resp.Records)
}

func TestStreamHandler_PushesSnapshots(t *testing.T) {
	f := newFixture(t)
	f.store.Seed("gastos", expense("A", "t1"))
	srv := newServer(t, f)

	events, resp, disconnect := openStream(t, srv, "t1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	nextEvent(t, events, EventConnected)
	first := nextEvent(t, events, EventSnapshot)
	assert.Equal(t, []string{"A"}, snapshotIDs(t, first))
	assert.NotEmpty(t, first.ID)

	require.NoError(t, f.store.Put(context.Background(), "gastos", expense("B", "t1")))
	second := nextEvent(t, events, EventSnapshot)
	assert.ElementsMatch(t, []string{"A", "B"}, snapshotIDs(t, second))

	assert.Equal(t, 1, f.stream.ClientCount())
	require.Len(t, f.listener.Active(), 1)

	disconnect()
	assert.Eventually(t, func() bool {
		return f.stream.ClientCount() == 0 && len(f.listener.Active()) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStreamHandler_SharesRegistration(t *testing.T) {
	f := newFixture(t)
	f.store.Seed("gastos", expense("A", "t1"))
	srv := newServer(t, f)

	first, _, disconnectFirst := openStream(t, srv, "t1")
	nextEvent(t, first, EventSnapshot)

	second, _, _ := openStream(t, srv, "t1")
	replay := nextEvent(t, second, EventSnapshot)
	assert.Equal(t, []string{"A"}, snapshotIDs(t, replay))
	assert.Len(t, f.listener.Active(), 1)
	assert.Equal(t, 2, f.stream.ClientCount())

	disconnectFirst()
	assert.Eventually(t, func() bool { return f.stream.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, f.listener.Active(), 1)

	require.NoError(t, f.store.Put(context.Background(), "gastos", expense("C", "t1")))
	update := nextEvent(t, second, EventSnapshot)
	assert.ElementsMatch(t, []string{"A", "C"}, snapshotIDs(t, update))
}

func TestStreamHandler_MaxClients(t *testing.T) {
	f := newFixture(t)
	srv := newServer(t, f)

	a, _, _ := openStream(t, srv, "t1")
	nextEvent(t, a, EventConnected)
	b, _, _ := openStream(t, srv, "t1")
	nextEvent(t, b, EventConnected)

	_, resp, _ := openStream(t, srv, "t1")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var env dto.Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	require.NotNil(t, env.Error)
	assert.Equal(t, dto.ErrCodeMaxConnections, env.Error.Code)
}

func TestStreamHandler_SubscribeFailure(t *testing.T) {
	f := newFixture(t)
	f.store.FailSubscribes(assert.AnError)
	srv := newServer(t, f)

	_, resp, _ := openStream(t, srv, "t1")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, 0, f.stream.ClientCount())
}

func TestStreamHandler_Stop(t *testing.T) {
	f := newFixture(t)
	srv := newServer(t, f)

	events, _, _ := openStream(t, srv, "t1")
	nextEvent(t, events, EventConnected)

	f.stream.Stop()
	waitClosed(t, events)
	assert.Empty(t, f.listener.Active())

	_, resp, _ := openStream(t, srv, "t1")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestStreamHandler_Heartbeat(t *testing.T) {
	f := newFixture(t)
	f.stream.heartbeat = 20 * time.Millisecond
	require.NoError(t, f.stream.Start())
	assert.Error(t, f.stream.Start())

	srv := newServer(t, f)

	events, _, _ := openStream(t, srv, "t1")
	ev := nextEvent(t, events, EventHeartbeat)
	assert.Contains(t, ev.Data, "timestamp")
}
