package integration

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/featherwire/aviary/internal/domain/schema"
)

const fakeToken = "integration-token"

// fakeUpstream emulates the remote activity feed: one SSE endpoint per
// channel under /sse/{channel} plus the /active-users REST surface. Frames
// are pushed per connection so tests can emit events and sever streams at
// will.
type fakeUpstream struct {
	server *httptest.Server

	mu          sync.Mutex
	conns       map[string][]*fakeConn
	connects    map[string]int
	activeUsers http.HandlerFunc
}

type fakeConn struct {
	frames chan string
	quit   chan struct{}
	once   sync.Once
}

func (c *fakeConn) close() {
	c.once.Do(func() { close(c.quit) })
}

func newFakeUpstream() *fakeUpstream {
	up := &fakeUpstream{
		conns:    make(map[string][]*fakeConn),
		connects: make(map[string]int),
	}
	up.server = httptest.NewServer(http.HandlerFunc(up.handle))
	return up
}

func (u *fakeUpstream) URL() string { return u.server.URL }

func (u *fakeUpstream) Close() {
	u.DropAll()
	u.server.Close()
}

func (u *fakeUpstream) handle(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/active-users" {
		u.mu.Lock()
		handler := u.activeUsers
		u.mu.Unlock()
		if handler == nil {
			http.NotFound(w, r)
			return
		}
		handler(w, r)
		return
	}

	channel, ok := strings.CutPrefix(r.URL.Path, "/sse/")
	if !ok {
		http.NotFound(w, r)
		return
	}
	if r.Header.Get("Authorization") != "Bearer "+fakeToken {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	conn := &fakeConn{frames: make(chan string, 32), quit: make(chan struct{})}
	u.mu.Lock()
	u.conns[channel] = append(u.conns[channel], conn)
	u.connects[channel]++
	u.mu.Unlock()
	defer u.unregister(channel, conn)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-conn.quit:
			return
		case frame := <-conn.frames:
			fmt.Fprint(w, frame)
			flusher.Flush()
		}
	}
}

func (u *fakeUpstream) unregister(channel string, conn *fakeConn) {
	u.mu.Lock()
	defer u.mu.Unlock()
	live := u.conns[channel]
	for i, c := range live {
		if c == conn {
			u.conns[channel] = append(live[:i], live[i+1:]...)
			break
		}
	}
}

// SetActiveUsersHandler installs the /active-users response. Pass nil to
// serve 404.
func (u *fakeUpstream) SetActiveUsersHandler(h http.HandlerFunc) {
	u.mu.Lock()
	u.activeUsers = h
	u.mu.Unlock()
}

// Emit sends one event frame to every live connection on the channel.
func (u *fakeUpstream) Emit(channel string, evt schema.Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	frame := fmt.Sprintf("event: message\ndata: %s\n\n", payload)

	u.mu.Lock()
	live := append([]*fakeConn(nil), u.conns[channel]...)
	u.mu.Unlock()
	if len(live) == 0 {
		return fmt.Errorf("no live connections on channel %s", channel)
	}
	for _, conn := range live {
		select {
		case conn.frames <- frame:
		case <-conn.quit:
		}
	}
	return nil
}

// EmitRaw sends an arbitrary SSE frame body to the channel's connections.
func (u *fakeUpstream) EmitRaw(channel, frame string) {
	u.mu.Lock()
	live := append([]*fakeConn(nil), u.conns[channel]...)
	u.mu.Unlock()
	for _, conn := range live {
		select {
		case conn.frames <- frame:
		case <-conn.quit:
		}
	}
}

// Drop severs every live connection on the channel.
func (u *fakeUpstream) Drop(channel string) {
	u.mu.Lock()
	live := append([]*fakeConn(nil), u.conns[channel]...)
	u.mu.Unlock()
	for _, conn := range live {
		conn.close()
	}
}

// DropAll severs every live connection on every channel.
func (u *fakeUpstream) DropAll() {
	u.mu.Lock()
	var live []*fakeConn
	for _, conns := range u.conns {
		live = append(live, conns...)
	}
	u.mu.Unlock()
	for _, conn := range live {
		conn.close()
	}
}

// LiveConns reports the number of open streams on the channel.
func (u *fakeUpstream) LiveConns(channel string) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.conns[channel])
}

// TotalConnects reports how many times the channel endpoint was dialed.
func (u *fakeUpstream) TotalConnects(channel string) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.connects[channel]
}

// WaitForConn blocks until the channel has at least n live connections.
func (u *fakeUpstream) WaitForConn(channel string, n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if u.LiveConns(channel) >= n {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}
