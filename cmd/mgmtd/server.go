package main

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/dreamware/buddymirror/internal/buddygroup"
	"github.com/dreamware/buddymirror/internal/cluster"
	"github.com/dreamware/buddymirror/internal/config"
	"github.com/dreamware/buddymirror/internal/coordinator"
	"github.com/dreamware/buddymirror/internal/dispatch"
	"github.com/dreamware/buddymirror/internal/resync"
	"github.com/dreamware/buddymirror/internal/snapshot"
	"github.com/dreamware/buddymirror/internal/storage"
	"github.com/dreamware/buddymirror/internal/targetstate"
)

// server owns the cluster-wide registries. All combined state and group
// changes go through failover; reads go to the registries directly.
type server struct {
	cfg   config.Config
	clock clockwork.Clock
	lg    *zap.Logger

	targets  *cluster.TargetMap
	nodes    *cluster.NodeStore
	groups   *buddygroup.Registry
	states   *targetstate.Registry
	failover *coordinator.FailoverCoordinator
	disp     *dispatch.Dispatcher
	remover  *resync.GroupRemover
	health   *coordinator.HealthMonitor
	store    storage.Store
	saver    *snapshot.Saver

	bg sync.WaitGroup
}

// newServer wires the registries and loads the last snapshot from store.
func newServer(cfg config.Config, store storage.Store, transport dispatch.Transport, clock clockwork.Clock, lg *zap.Logger) (*server, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	s := &server{
		cfg:     cfg,
		clock:   clock,
		lg:      lg,
		targets: cluster.NewTargetMap(),
		nodes:   cluster.NewNodeStore(),
		store:   store,
	}
	s.groups = buddygroup.NewRegistry(s.targets, lg)
	s.states = targetstate.NewRegistry(clock, lg)
	if err := snapshot.Load(store, s.groups, s.states); err != nil {
		return nil, err
	}

	s.failover = coordinator.NewFailoverCoordinator(s.groups, s.states, s.targets, lg)
	s.disp = dispatch.New(dispatch.Config{
		Targets:   s.targets,
		Nodes:     s.nodes,
		Groups:    s.groups,
		States:    s.states,
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
	s.remover = resync.NewGroupRemover(s.groups, nil, s.disp, lg)
	s.health = coordinator.NewHealthMonitor(cfg.Mgmtd.ProbeInterval, cfg.Mgmtd.ProbeTimeout,
		cfg.Mgmtd.MaxFailures, s.failover, lg)
	s.saver = snapshot.NewSaver(store, s.groups, s.states, cfg.Mgmtd.SaveInterval, clock, lg)
	return s, nil
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /register", s.handleRegister)
	mux.HandleFunc("GET /nodes", s.handleListNodes)
	mux.HandleFunc("GET /targets", s.handleListTargets)
	mux.HandleFunc("GET /groups", s.handleListGroups)
	mux.HandleFunc("POST /groups", s.handleAddGroup)
	mux.HandleFunc("DELETE /groups/{id}", s.handleRemoveGroup)
	mux.HandleFunc("GET /states", s.handleListStates)
	mux.HandleFunc("POST /states/consistency", s.handleConsistency)
	mux.HandleFunc("POST /resync/start", s.handleResyncStart)
	mux.HandleFunc("GET /resync/stats", s.handleResyncStats)
	mux.HandleFunc("POST /resync/abort", s.handleResyncAbort)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

// runBackground starts the health monitor, the auto-offline sweep and the
// snapshot saver. They stop when ctx is done.
func (s *server) runBackground(ctx context.Context) {
	s.bg.Add(3)
	go func() {
		defer s.bg.Done()
		s.health.Start(ctx, s.nodes.All)
	}()
	go func() {
		defer s.bg.Done()
		s.saver.Run(ctx)
	}()
	go func() {
		defer s.bg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.clock.After(s.cfg.Mgmtd.ProbeInterval):
				s.failover.RunAutoOffline(s.cfg.Mgmtd.POfflineTimeout, s.cfg.Mgmtd.OfflineTimeout)
			}
		}
	}()
}

// waitBackground blocks until every loop started by runBackground has
// returned, including the saver's final snapshot.
func (s *server) waitBackground() {
	s.bg.Wait()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError answers with the result code of err as a dispatch.Reply.
func writeError(w http.ResponseWriter, err error) {
	reply := dispatch.NewReply(nil, err)
	writeJSON(w, reply.Code.HTTPStatus(), reply)
}

func decode(w http.ResponseWriter, r *http.Request, out any) bool {
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		writeError(w, errors.Wrapf(cluster.ErrInvalidID, "bad json: %v", err))
		return false
	}
	return true
}

// handleRegister records a storage node and the targets it hosts. Every
// listed target counts as a fresh ONLINE report.
func (s *server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req cluster.RegisterRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Node.ID == 0 || req.Node.Addr == "" {
		writeError(w, errors.Wrap(cluster.ErrInvalidID, "missing id/addr"))
		return
	}
	for _, t := range req.Targets {
		if t == 0 {
			writeError(w, errors.Wrap(cluster.ErrInvalidID, "target id 0 is reserved"))
			return
		}
	}

	if s.nodes.Upsert(req.Node) {
		s.lg.Info("node registered",
			zap.Uint16("nodeID", uint16(req.Node.ID)),
			zap.String("addr", req.Node.Addr),
			zap.Int("targets", len(req.Targets)))
	}
	for _, t := range req.Targets {
		if prev, ok := s.targets.NodeOf(t); ok && prev != req.Node.ID {
			s.lg.Warn("target moved to another node",
				zap.Uint16("targetID", uint16(t)),
				zap.Uint16("from", uint16(prev)),
				zap.Uint16("to", uint16(req.Node.ID)))
		}
		s.targets.Map(t, req.Node.ID)
		s.failover.ReportReachability(t, targetstate.Online)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Nodes []cluster.NodeInfo `json:"nodes"`
	}{Nodes: s.nodes.All()})
}

func (s *server) handleListTargets(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Targets map[cluster.TargetID]cluster.NodeID `json:"targets"`
	}{Targets: s.targets.All()})
}

func (s *server) handleListGroups(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Groups []buddygroup.Group `json:"groups"`
	}{Groups: s.groups.Groups()})
}

type addGroupRequest struct {
	ID          cluster.GroupID  `json:"id"`
	Primary     cluster.TargetID `json:"primary"`
	Secondary   cluster.TargetID `json:"secondary"`
	AllowUpdate bool             `json:"allowUpdate,omitempty"`
}

func (s *server) handleAddGroup(w http.ResponseWriter, r *http.Request) {
	var req addGroupRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.groups.AddGroup(req.ID, req.Primary, req.Secondary, req.AllowUpdate); err != nil {
		writeError(w, err)
		return
	}
	g, _ := s.groups.Group(req.ID)
	writeJSON(w, http.StatusCreated, g)
}

// handleRemoveGroup runs the emptiness check on both members and removes
// the group unless ?checkOnly=true.
func (s *server) handleRemoveGroup(w http.ResponseWriter, r *http.Request) {
	id, err := cluster.ParseGroupID(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	checkOnly, _ := strconv.ParseBool(r.URL.Query().Get("checkOnly"))

	if err := s.remover.RemoveGroup(r.Context(), id, checkOnly); err != nil {
		writeError(w, err)
		return
	}
	if checkOnly {
		writeJSON(w, http.StatusOK, dispatch.NewReply(nil, nil))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleListStates(w http.ResponseWriter, r *http.Request) {
	ids, _, _ := s.states.Lists()
	out := make([]targetstate.View, 0, len(ids))
	for _, id := range ids {
		st, err := s.states.Get(id)
		if err != nil {
			continue
		}
		node, _ := s.targets.NodeOf(id)
		out = append(out, targetstate.View{
			ID:           id,
			Node:         node,
			Reachability: st.Reachability,
			Consistency:  st.Consistency,
			LastChanged:  st.LastChanged,
		})
	}
	writeJSON(w, http.StatusOK, struct {
		States []targetstate.View `json:"states"`
	}{States: out})
}

func (s *server) handleConsistency(w http.ResponseWriter, r *http.Request) {
	var req targetstate.ConsistencyReport
	if !decode(w, r, &req) {
		return
	}
	var err error
	if req.Old != nil {
		err = s.failover.ChangeConsistencyStates(req.Targets, req.Old, req.New)
	} else {
		err = s.failover.ReportConsistencyStates(req.Targets, req.New, req.SetOnline)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type resyncStartRequest struct {
	Source      cluster.TargetID `json:"source"`
	Destination cluster.TargetID `json:"destination"`
	// Full disables the modification time shortcut.
	Full bool `json:"full,omitempty"`
}

// handleResyncStart forwards a start request to the node hosting the source.
// Unless Full is set, files the destination already has and that are older
// than the last time it was ONLINE and GOOD (minus the safety threshold) are
// skipped. A destination that was never seen usable gets a full compare.
func (s *server) handleResyncStart(w http.ResponseWriter, r *http.Request) {
	var req resyncStartRequest
	if !decode(w, r, &req) {
		return
	}
	start := resync.StartRequest{Source: req.Source, Destination: req.Destination}
	if !req.Full {
		st, err := s.states.Get(req.Destination)
		if err == nil && st.Consistency == targetstate.NeedsResync && !st.LastGood.IsZero() {
			start.Since = st.LastGood.Add(-s.cfg.Resync.SafetyThreshold)
		}
	}

	var stats resync.Stats
	_, err := s.disp.Dispatch(r.Context(), dispatch.Request{
		Selector: dispatch.ToTarget(req.Source),
		Type:     resync.MsgResyncStart,
		Payload:  start,
	}, &stats)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, stats)
}

// sourceNode resolves the node that runs the job for a pair.
func (s *server) sourceNode(source cluster.TargetID) (cluster.NodeID, error) {
	node, ok := s.targets.NodeOf(source)
	if !ok {
		return 0, errors.Wrapf(cluster.ErrUnknownTarget, "target %d", source)
	}
	return node, nil
}

func (s *server) handleResyncStats(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	source, err := cluster.ParseTargetID(q.Get("source"))
	if err != nil {
		writeError(w, err)
		return
	}
	req := resync.JobRequest{Source: source}
	if d := q.Get("destination"); d != "" {
		if req.Destination, err = cluster.ParseTargetID(d); err != nil {
			writeError(w, err)
			return
		}
	}
	node, err := s.sourceNode(source)
	if err != nil {
		writeError(w, err)
		return
	}

	msg := dispatch.Request{Selector: dispatch.ToNode(node), Type: resync.MsgResyncStats, Payload: req}
	if req.Destination == 0 {
		req.Source = 0
		msg.Payload = req
		var jobs []resync.Stats
		if _, err := s.disp.Dispatch(r.Context(), msg, &jobs); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, struct {
			Jobs []resync.Stats `json:"jobs"`
		}{Jobs: jobs})
		return
	}

	var stats resync.Stats
	if _, err := s.disp.Dispatch(r.Context(), msg, &stats); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *server) handleResyncAbort(w http.ResponseWriter, r *http.Request) {
	var req resync.JobRequest
	if !decode(w, r, &req) {
		return
	}
	node, err := s.sourceNode(req.Source)
	if err != nil {
		writeError(w, err)
		return
	}
	_, err = s.disp.Dispatch(r.Context(), dispatch.Request{
		Selector: dispatch.ToNode(node),
		Type:     resync.MsgResyncAbort,
		Payload:  req,
	}, nil)
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
