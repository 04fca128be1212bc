package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/buddymirror/internal/buddygroup"
	"github.com/dreamware/buddymirror/internal/cluster"
	"github.com/dreamware/buddymirror/internal/config"
	"github.com/dreamware/buddymirror/internal/dispatch"
	"github.com/dreamware/buddymirror/internal/resync"
	"github.com/dreamware/buddymirror/internal/targetstate"
)

func testConfig(t *testing.T, mgmtd string) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Storaged.NodeID = 1
	cfg.Storaged.PublicAddr = "http://n1"
	cfg.Storaged.MgmtdAddr = mgmtd
	cfg.Storaged.Targets = map[cluster.TargetID]string{101: t.TempDir()}
	cfg.Dispatch = config.DispatchConfig{NumRetries: 0, Timeout: time.Second}
	return cfg
}

func newTestNode(t *testing.T, mgmtd string) *node {
	t.Helper()
	n, err := newNode(testConfig(t, mgmtd), dispatch.HTTPTransport{}, nil, nil)
	require.NoError(t, err)
	t.Cleanup(n.coord.Close)
	return n
}

// fakeMgmtd serves the read endpoints from fixed data and records
// registrations and consistency reports.
type fakeMgmtd struct {
	mu          sync.Mutex
	registered  []cluster.RegisterRequest
	reports     []targetstate.ConsistencyReport
	failFirst   atomic.Int32
	reportReply *dispatch.Reply

	nodes   []cluster.NodeInfo
	targets map[cluster.TargetID]cluster.NodeID
	groups  []buddygroup.Group
	states  []targetstate.View
}

func (f *fakeMgmtd) handler() http.Handler {
	mux := http.NewServeMux()
	writeJSON := func(w http.ResponseWriter, v any) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(v)
	}
	mux.HandleFunc("POST /register", func(w http.ResponseWriter, r *http.Request) {
		if f.failFirst.Add(-1) >= 0 {
			http.Error(w, "starting", http.StatusServiceUnavailable)
			return
		}
		var req cluster.RegisterRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		f.registered = append(f.registered, req)
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST /states/consistency", func(w http.ResponseWriter, r *http.Request) {
		var req targetstate.ConsistencyReport
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		f.reports = append(f.reports, req)
		reply := f.reportReply
		f.mu.Unlock()
		if reply != nil {
			w.WriteHeader(reply.Code.HTTPStatus())
			writeJSON(w, reply)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /nodes", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"nodes": f.nodes})
	})
	mux.HandleFunc("GET /targets", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"targets": f.targets})
	})
	mux.HandleFunc("GET /groups", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"groups": f.groups})
	})
	mux.HandleFunc("GET /states", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"states": f.states})
	})
	return mux
}

func TestNewNodeValidation(t *testing.T) {
	cfg := testConfig(t, "http://mgmtd")
	cfg.Storaged.NodeID = 0
	_, err := newNode(cfg, dispatch.HTTPTransport{}, nil, nil)
	assert.Error(t, err)

	cfg = testConfig(t, "http://mgmtd")
	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, nil, 0o644))
	cfg.Storaged.Targets = map[cluster.TargetID]string{101: file}
	_, err = newNode(cfg, dispatch.HTTPTransport{}, nil, nil)
	assert.Error(t, err, "target root is a file")

	cfg = testConfig(t, "http://mgmtd")
	cfg.Storaged.PublicAddr = ""
	cfg.Storaged.Listen = ":9001"
	n, err := newNode(cfg, dispatch.HTTPTransport{}, nil, nil)
	require.NoError(t, err)
	defer n.coord.Close()
	assert.Equal(t, "http://127.0.0.1:9001", n.self.Addr)
	owner, ok := n.targets.NodeOf(101)
	assert.True(t, ok)
	assert.Equal(t, cluster.NodeID(1), owner)
}

func postMessage(t *testing.T, h http.Handler, msgType string, body []byte) dispatch.Reply {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, dispatch.MessagePath(msgType), bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, "messages always answer 200")
	var reply dispatch.Reply
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reply))
	return reply
}

func envelope(t *testing.T, target cluster.TargetID, payload any) []byte {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	b, err := json.Marshal(dispatch.Envelope{Target: target, Payload: raw})
	require.NoError(t, err)
	return b
}

func TestHandleMessage(t *testing.T) {
	n := newTestNode(t, "http://mgmtd")
	h := n.routes()
	root := n.cfg.Storaged.Targets[101]
	require.NoError(t, os.WriteFile(filepath.Join(root, "chunk"), []byte("data"), 0o644))

	tests := []struct {
		name     string
		msgType  string
		body     []byte
		wantCode cluster.Code
	}{
		{
			name:     "list local target",
			msgType:  resync.MsgList,
			body:     envelope(t, 101, resync.ListRequest{Path: ""}),
			wantCode: cluster.CodeSuccess,
		},
		{
			name:     "unknown target",
			msgType:  resync.MsgList,
			body:     envelope(t, 999, resync.ListRequest{Path: ""}),
			wantCode: cluster.CodeUnknownTarget,
		},
		{
			name:     "check empty on non-empty target",
			msgType:  resync.MsgCheckEmpty,
			body:     envelope(t, 101, nil),
			wantCode: cluster.CodeNotEmpty,
		},
		{
			name:     "unknown message type",
			msgType:  "bogus",
			body:     envelope(t, 101, nil),
			wantCode: cluster.CodeInternal,
		},
		{
			name:     "bad envelope",
			msgType:  resync.MsgList,
			body:     []byte("{"),
			wantCode: cluster.CodeInternal,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reply := postMessage(t, h, tt.msgType, tt.body)
			assert.Equal(t, tt.wantCode, reply.Code, reply.Message)
		})
	}

	reply := postMessage(t, h, resync.MsgList, envelope(t, 101, resync.ListRequest{Path: ""}))
	var list resync.ListReply
	require.NoError(t, json.Unmarshal(reply.Payload, &list))
	require.Len(t, list.Entries, 1)
	assert.Equal(t, "chunk", list.Entries[0].Name)
}

func TestInfo(t *testing.T) {
	n := newTestNode(t, "http://mgmtd")
	h := n.routes()
	postMessage(t, h, resync.MsgFile, envelope(t, 101, resync.FileBlock{Path: "a", Data: []byte("hello"), Truncate: true}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/info", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var info struct {
		Node    cluster.NodeInfo `json:"node"`
		Targets []targetInfo     `json:"targets"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, cluster.NodeID(1), info.Node.ID)
	require.Len(t, info.Targets, 1)
	assert.Equal(t, uint64(5), info.Targets[0].Ops.BytesWritten)
	assert.Equal(t, "5 B", info.Targets[0].Wrote)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRegisterRetries(t *testing.T) {
	fm := &fakeMgmtd{}
	fm.failFirst.Store(2)
	srv := httptest.NewServer(fm.handler())
	defer srv.Close()

	n := newTestNode(t, srv.URL+"/")
	require.NoError(t, n.register(context.Background()))

	fm.mu.Lock()
	defer fm.mu.Unlock()
	require.Len(t, fm.registered, 1)
	assert.Equal(t, cluster.NodeInfo{ID: 1, Addr: "http://n1"}, fm.registered[0].Node)
	assert.Equal(t, []cluster.TargetID{101}, fm.registered[0].Targets)
}

func TestRegisterInterrupted(t *testing.T) {
	fm := &fakeMgmtd{}
	fm.failFirst.Store(100)
	srv := httptest.NewServer(fm.handler())
	defer srv.Close()

	n := newTestNode(t, srv.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := n.register(ctx)
	assert.True(t, errors.Is(err, cluster.ErrInterrupted), "got %v", err)
}

func TestSyncOnce(t *testing.T) {
	fm := &fakeMgmtd{
		nodes: []cluster.NodeInfo{
			{ID: 1, Addr: "http://stale-self"},
			{ID: 2, Addr: "http://n2"},
		},
		targets: map[cluster.TargetID]cluster.NodeID{101: 1, 201: 2},
		groups:  []buddygroup.Group{{ID: 1, Primary: 101, Secondary: 201}},
		states: []targetstate.View{
			{ID: 101, Reachability: targetstate.Online, Consistency: targetstate.Good},
			{ID: 201, Reachability: targetstate.Online, Consistency: targetstate.NeedsResync},
		},
	}
	srv := httptest.NewServer(fm.handler())
	defer srv.Close()

	n := newTestNode(t, srv.URL)
	n.targets.Map(301, 3)
	require.NoError(t, n.syncOnce(context.Background()))

	self, _ := n.nodes.Node(1)
	assert.Equal(t, "http://n1", self.Addr, "own address is not replaced")
	peer, ok := n.nodes.Node(2)
	require.True(t, ok)
	assert.Equal(t, "http://n2", peer.Addr)

	assert.Equal(t, map[cluster.TargetID]cluster.NodeID{101: 1, 201: 2}, n.targets.All(), "targets gone from mgmtd are unmapped")
	assert.Equal(t, cluster.TargetID(201), n.groups.Secondary(1))
	st, err := n.states.Get(201)
	require.NoError(t, err)
	assert.Equal(t, targetstate.NeedsResync, st.Consistency)

	srv.Close()
	assert.Error(t, n.syncOnce(context.Background()))
}

func TestMgmtdSink(t *testing.T) {
	fm := &fakeMgmtd{}
	srv := httptest.NewServer(fm.handler())
	defer srv.Close()

	n := newTestNode(t, srv.URL)
	sink := &mgmtdSink{node: n}

	// unknown locally: the expected old state is NEEDS_RESYNC
	require.NoError(t, sink.SetConsistency(context.Background(), 201, targetstate.Good))
	st, err := n.states.Get(201)
	require.NoError(t, err)
	assert.Equal(t, targetstate.Good, st.Consistency)

	fm.mu.Lock()
	require.Len(t, fm.reports, 1)
	assert.Equal(t, targetstate.ConsistencyReport{
		Targets: []cluster.TargetID{201},
		Old:     []targetstate.Consistency{targetstate.NeedsResync},
		New:     []targetstate.Consistency{targetstate.Good},
	}, fm.reports[0])
	reply := dispatch.NewReply(nil, errors.Wrap(cluster.ErrAgain, "state changed"))
	fm.reportReply = &reply
	fm.mu.Unlock()

	n.states.SetConsistency(202, targetstate.Bad)
	err = sink.SetConsistency(context.Background(), 202, targetstate.Good)
	assert.True(t, errors.Is(err, cluster.ErrAgain), "got %v", err)
	st, _ = n.states.Get(202)
	assert.Equal(t, targetstate.Bad, st.Consistency, "local copy unchanged on failure")
}
