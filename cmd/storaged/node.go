package main

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/dreamware/buddymirror/internal/buddygroup"
	"github.com/dreamware/buddymirror/internal/chunkstore"
	"github.com/dreamware/buddymirror/internal/cluster"
	"github.com/dreamware/buddymirror/internal/config"
	"github.com/dreamware/buddymirror/internal/dispatch"
	"github.com/dreamware/buddymirror/internal/resync"
	"github.com/dreamware/buddymirror/internal/targetstate"
)

const (
	registerAttempts = 10
	registerWait     = 400 * time.Millisecond
)

// node is one storage daemon. It serves its local targets to peers and keeps
// a read-only copy of the cluster topology and target states, pulled from
// mgmtd, for routing its own outgoing messages.
type node struct {
	cfg   config.Config
	self  cluster.NodeInfo
	mgmtd string
	clock clockwork.Clock
	lg    *zap.Logger

	local   *chunkstore.Set
	targets *cluster.TargetMap
	nodes   *cluster.NodeStore
	groups  *buddygroup.Registry
	states  *targetstate.Registry

	disp    *dispatch.Dispatcher
	coord   *resync.Coordinator
	handler *resync.Handler
}

func newNode(cfg config.Config, transport dispatch.Transport, clock clockwork.Clock, lg *zap.Logger) (*node, error) {
	if err := cfg.ValidateStoraged(); err != nil {
		return nil, err
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if lg == nil {
		lg = zap.NewNop()
	}

	addr := cfg.Storaged.PublicAddr
	if addr == "" {
		addr = "http://127.0.0.1" + cfg.Storaged.Listen
	}
	n := &node{
		cfg:     cfg,
		self:    cluster.NodeInfo{ID: cfg.Storaged.NodeID, Addr: addr},
		mgmtd:   strings.TrimRight(cfg.Storaged.MgmtdAddr, "/"),
		clock:   clock,
		lg:      lg,
		local:   chunkstore.NewSet(),
		targets: cluster.NewTargetMap(),
		nodes:   cluster.NewNodeStore(),
	}

	ids := make([]cluster.TargetID, 0, len(cfg.Storaged.Targets))
	for id := range cfg.Storaged.Targets {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		t, err := chunkstore.Open(id, cfg.Storaged.Targets[id])
		if err != nil {
			return nil, errors.Wrapf(err, "open target %d", id)
		}
		n.local.Add(t)
		n.targets.Map(id, n.self.ID)
	}
	n.nodes.Upsert(n.self)

	n.groups = buddygroup.NewRegistry(n.targets, lg)
	n.states = targetstate.NewRegistry(clock, lg)
	n.disp = dispatch.New(dispatch.Config{
		Targets:   n.targets,
		Nodes:     n.nodes,
		Groups:    n.groups,
		States:    n.states,
		Transport: transport,
		Policy: dispatch.RetryPolicy{
			NumRetries: cfg.Dispatch.NumRetries,
			Timeout:    cfg.Dispatch.Timeout,
			Backoff:    dispatch.DefaultBackoff,
			AgainWait:  cfg.Dispatch.AgainWait,
		},
		Clock:  clock,
		Logger: lg,
	})
	n.coord = resync.NewCoordinator(n.local, n.disp, &mgmtdSink{node: n},
		resync.Config{Workers: cfg.Resync.Workers, BlockSize: cfg.Resync.BlockSize}, clock, lg)
	n.handler = resync.NewHandler(n.local, n.coord, lg)
	return n, nil
}

func (n *node) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /msg/{type}", n.handleMessage)
	mux.HandleFunc("GET /info", n.handleInfo)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

// handleMessage serves one peer message. The HTTP status is always 200; the
// result travels in the Reply.
func (n *node) handleMessage(w http.ResponseWriter, r *http.Request) {
	var env dispatch.Envelope
	var reply dispatch.Reply
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		reply = dispatch.NewReply(nil, errors.Wrapf(cluster.ErrInternal, "bad envelope: %v", err))
	} else {
		reply = n.handler.Serve(r.Context(), r.PathValue("type"), env)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(reply)
}

type targetInfo struct {
	ID    cluster.TargetID          `json:"id"`
	Root  string                    `json:"root"`
	Ops   chunkstore.OperationStats `json:"ops"`
	Wrote string                    `json:"wrote"`
}

func (n *node) handleInfo(w http.ResponseWriter, r *http.Request) {
	out := struct {
		Node    cluster.NodeInfo `json:"node"`
		Targets []targetInfo     `json:"targets"`
		Jobs    []resync.Stats   `json:"jobs"`
	}{Node: n.self, Jobs: n.coord.Jobs()}
	for _, id := range n.local.IDs() {
		t, _ := n.local.Get(id)
		ops := t.Stats()
		out.Targets = append(out.Targets, targetInfo{
			ID:    id,
			Root:  t.Root,
			Ops:   ops,
			Wrote: humanize.Bytes(ops.BytesWritten),
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

// register announces the node and its targets to mgmtd, retrying while
// mgmtd is starting up.
func (n *node) register(ctx context.Context) error {
	body := cluster.RegisterRequest{Node: n.self, Targets: n.local.IDs()}
	var lastErr error
	for i := 0; i < registerAttempts; i++ {
		lastErr = cluster.PostJSON(ctx, n.mgmtd+"/register", body, nil)
		if lastErr == nil {
			n.lg.Info("registered with mgmtd",
				zap.String("mgmtd", n.mgmtd),
				zap.Int("targets", len(body.Targets)))
			return nil
		}
		n.lg.Warn("register retry", zap.Int("attempt", i+1), zap.Error(lastErr))
		select {
		case <-ctx.Done():
			return errors.Wrap(cluster.ErrInterrupted, "register")
		case <-n.clock.After(registerWait):
		}
	}
	return errors.Wrapf(lastErr, "register with %s", n.mgmtd)
}

// syncOnce pulls nodes, target mappings, groups and states from mgmtd. The
// local node and its own targets are always kept.
func (n *node) syncOnce(ctx context.Context) error {
	var nodes struct {
		Nodes []cluster.NodeInfo `json:"nodes"`
	}
	var targets struct {
		Targets map[cluster.TargetID]cluster.NodeID `json:"targets"`
	}
	var groups struct {
		Groups []buddygroup.Group `json:"groups"`
	}
	var states struct {
		States []targetstate.View `json:"states"`
	}
	for _, get := range []struct {
		path string
		out  any
	}{
		{"/nodes", &nodes},
		{"/targets", &targets},
		{"/groups", &groups},
		{"/states", &states},
	} {
		if err := cluster.GetJSON(ctx, n.mgmtd+get.path, get.out); err != nil {
			return errors.Wrapf(err, "sync %s", get.path)
		}
	}

	for _, ni := range nodes.Nodes {
		if ni.ID != n.self.ID {
			n.nodes.Upsert(ni)
		}
	}
	for t, owner := range targets.Targets {
		if _, isLocal := n.local.Get(t); !isLocal {
			n.targets.Map(t, owner)
		}
	}
	for t := range n.targets.All() {
		if _, isLocal := n.local.Get(t); isLocal {
			continue
		}
		if _, ok := targets.Targets[t]; !ok {
			n.targets.Unmap(t)
		}
	}

	var gids []cluster.GroupID
	var primaries, secondaries []cluster.TargetID
	for _, g := range groups.Groups {
		gids = append(gids, g.ID)
		primaries = append(primaries, g.Primary)
		secondaries = append(secondaries, g.Secondary)
	}
	if err := n.groups.SyncFromLists(gids, primaries, secondaries); err != nil {
		return errors.Wrap(err, "sync groups")
	}
	ids, reach, cons := targetstate.ViewsToLists(states.States)
	if err := n.states.SyncFromLists(ids, reach, cons); err != nil {
		return errors.Wrap(err, "sync states")
	}
	return nil
}

// syncLoop refreshes the local topology copy until ctx is done.
func (n *node) syncLoop(ctx context.Context) {
	for {
		if err := n.syncOnce(ctx); err != nil && ctx.Err() == nil {
			n.lg.Warn("topology sync failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-n.clock.After(n.cfg.Storaged.SyncInterval):
		}
	}
}

// mgmtdSink reports resync results to mgmtd as a compare-and-set against the
// last known consistency, so a concurrent change (for example the target
// being marked BAD) is not overwritten.
type mgmtdSink struct {
	node *node
}

func (s *mgmtdSink) SetConsistency(ctx context.Context, target cluster.TargetID, c targetstate.Consistency) error {
	old := targetstate.NeedsResync
	if st, err := s.node.states.Get(target); err == nil {
		old = st.Consistency
	}
	report := targetstate.ConsistencyReport{
		Targets: []cluster.TargetID{target},
		Old:     []targetstate.Consistency{old},
		New:     []targetstate.Consistency{c},
	}
	err := cluster.PostJSON(ctx, s.node.mgmtd+"/states/consistency", report, nil)
	if err != nil {
		return errors.Wrapf(dispatch.AdminError(err), "set target %d %s", target, c)
	}
	s.node.states.SetConsistency(target, c)
	return nil
}
