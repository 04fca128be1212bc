package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/dreamware/buddymirror/internal/cluster"
	"github.com/dreamware/buddymirror/internal/targetstate"
)

// SelectorKind says how a Selector names its destination.
type SelectorKind int

const (
	TargetSelector SelectorKind = iota
	NodeSelector
	GroupSelector
)

// Selector names the destination of a request: an explicit target, an
// explicit node, or one member of a buddy group.
type Selector struct {
	Kind         SelectorKind
	Target       cluster.TargetID
	Node         cluster.NodeID
	Group        cluster.GroupID
	UseSecondary bool
}

// ToTarget selects one target regardless of its group role.
func ToTarget(id cluster.TargetID) Selector { return Selector{Kind: TargetSelector, Target: id} }

// ToNode selects a node directly. Target state gating does not apply.
func ToNode(id cluster.NodeID) Selector { return Selector{Kind: NodeSelector, Node: id} }

// ToGroup selects the primary of a group, or its secondary if useSecondary.
func ToGroup(id cluster.GroupID, useSecondary bool) Selector {
	return Selector{Kind: GroupSelector, Group: id, UseSecondary: useSecondary}
}

func (s Selector) String() string {
	switch s.Kind {
	case NodeSelector:
		return fmt.Sprintf("node %d", s.Node)
	case GroupSelector:
		if s.UseSecondary {
			return fmt.Sprintf("group %d secondary", s.Group)
		}
		return fmt.Sprintf("group %d primary", s.Group)
	default:
		return fmt.Sprintf("target %d", s.Target)
	}
}

// Request is one call through the dispatcher.
type Request struct {
	Selector Selector
	Type     string
	Payload  any

	// CheckOnly marks a read-only probe that may reach a BAD target.
	CheckOnly bool

	// Resync marks resync traffic. With an explicit target selector it may
	// reach a target that is BAD, NEEDS_RESYNC or of unknown state.
	Resync bool

	// Policy overrides the dispatcher's retry policy when set.
	Policy *RetryPolicy
}

// Outcome reports what the dispatcher observed. It is filled in on success
// and on failure as far as resolution got.
type Outcome struct {
	Target       cluster.TargetID
	Node         cluster.NodeID
	StateKnown   bool
	Reachability targetstate.Reachability
	Consistency  targetstate.Consistency
	Attempts     int
}

// GroupResolver resolves buddy group members. 0 means unknown group.
type GroupResolver interface {
	Primary(id cluster.GroupID) cluster.TargetID
	Secondary(id cluster.GroupID) cluster.TargetID
}

// StateReader returns the current state of a target.
type StateReader interface {
	Get(id cluster.TargetID) (targetstate.State, error)
}

// Config configures a Dispatcher. Targets, Nodes and Transport are required.
type Config struct {
	Targets   cluster.TargetMapper
	Nodes     cluster.NodeResolver
	Groups    GroupResolver // nil disables group selectors
	States    StateReader   // nil disables state checks
	Transport Transport
	Policy    RetryPolicy
	Clock     clockwork.Clock
	Logger    *zap.Logger
}

// Dispatcher resolves a Selector to a live endpoint and performs a call with
// state-aware fast-fail and table-driven retries. It reads the registries on
// every attempt and never writes them.
//
// Dispatch blocks for up to (NumRetries+1) x Timeout plus backoff waits and
// must not be called on a latency-sensitive path.
type Dispatcher struct {
	targets   cluster.TargetMapper
	nodes     cluster.NodeResolver
	groups    GroupResolver
	states    StateReader
	transport Transport
	policy    RetryPolicy
	clock     clockwork.Clock
	lg        *zap.Logger
}

// New returns a dispatcher over cfg. A zero Policy means DefaultRetryPolicy,
// a nil Transport HTTPTransport and a nil Clock the wall clock.
func New(cfg Config) *Dispatcher {
	d := &Dispatcher{
		targets:   cfg.Targets,
		nodes:     cfg.Nodes,
		groups:    cfg.Groups,
		states:    cfg.States,
		transport: cfg.Transport,
		policy:    cfg.Policy,
		clock:     cfg.Clock,
		lg:        cfg.Logger,
	}
	if d.transport == nil {
		d.transport = HTTPTransport{}
	}
	if d.policy.isZero() {
		d.policy = DefaultRetryPolicy()
	}
	if d.clock == nil {
		d.clock = clockwork.NewRealClock()
	}
	if d.lg == nil {
		d.lg = zap.NewNop()
	}
	d.lg = d.lg.Named("dispatch")
	return d
}

// logFlags records which failure classes were already logged during one call.
type logFlags uint8

const (
	logConnFailed logFlags = 1 << iota
	logPeerTryAgain
	logIndirectComm
	logIndirectCommNotAgain
	logRetry
	logFastFail
)

// first reports whether f is seen for the first time and marks it.
func (l *logFlags) first(f logFlags) bool {
	if *l&f != 0 {
		return false
	}
	*l |= f
	return true
}

// Dispatch sends req and decodes the peer's answer into resp.
//
// Each attempt starts from scratch: the selector is resolved again and the
// target state re-read, so a switchover between attempts is picked up. The
// returned error is nil or wraps one of cluster.ErrCommunication,
// ErrUnknownTarget, ErrUnknownNode, ErrInterrupted, or the error reported by
// the peer.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request, resp any) (Outcome, error) {
	policy := d.policy
	if req.Policy != nil {
		policy = *req.Policy
	}

	var (
		out     Outcome
		flags   logFlags
		retries int
	)
	finish := func(err error) (Outcome, error) {
		resultsTotal.WithLabelValues(string(cluster.CodeOf(err))).Inc()
		return out, err
	}

	for {
		if ctx.Err() != nil {
			return finish(errors.Wrapf(cluster.ErrInterrupted, "%s to %s", req.Type, req.Selector))
		}

		node, err := d.resolve(req.Selector, &out)
		if err != nil {
			return finish(err)
		}

		if err := d.checkState(req, &out); err != nil {
			if flags.first(logFastFail) {
				d.lg.Debug("fast-failed request",
					zap.String("type", req.Type),
					zap.Stringer("to", req.Selector),
					zap.Error(err))
			}
			return finish(err)
		}

		out.Attempts++
		attemptsTotal.WithLabelValues(req.Type).Inc()
		err = d.attempt(ctx, policy, node, out.Target, req, resp)
		if err == nil {
			if flags&logRetry != 0 {
				d.lg.Info("request succeeded after retries",
					zap.String("type", req.Type),
					zap.Stringer("to", req.Selector),
					zap.Int("attempts", out.Attempts))
			}
			return finish(nil)
		}
		if ctx.Err() != nil {
			return finish(errors.Wrapf(cluster.ErrInterrupted, "%s to %s", req.Type, req.Selector))
		}

		var pe *PeerError
		if errors.As(err, &pe) {
			switch pe.Code {
			case cluster.CodeAgain:
				if flags.first(logPeerTryAgain) {
					d.lg.Info("peer asked to try again",
						zap.String("type", req.Type), zap.Stringer("to", req.Selector))
				}
				retriesTotal.WithLabelValues("again").Inc()
				retries = 0
				if werr := d.wait(ctx, policy.AgainWait); werr != nil {
					return finish(werr)
				}
				continue
			case cluster.CodeIndirectComm:
				if flags.first(logIndirectComm) {
					d.lg.Warn("peer reported indirect communication error",
						zap.String("type", req.Type), zap.Stringer("to", req.Selector))
				}
			case cluster.CodeIndirectCommNotAgain:
				if flags.first(logIndirectCommNotAgain) {
					d.lg.Warn("peer reported indirect communication error, not retrying",
						zap.String("type", req.Type), zap.Stringer("to", req.Selector))
				}
				return finish(errors.Wrapf(cluster.ErrCommunication, "%s to %s: %v", req.Type, req.Selector, pe))
			default:
				return finish(pe)
			}
		} else if flags.first(logConnFailed) {
			d.lg.Warn("request failed",
				zap.String("type", req.Type),
				zap.Stringer("to", req.Selector),
				zap.Uint16("nodeID", uint16(node.ID)),
				zap.Error(err))
		}

		if retries >= policy.NumRetries {
			return finish(errors.Wrapf(cluster.ErrCommunication, "%s to %s after %d attempts: %v",
				req.Type, req.Selector, out.Attempts, err))
		}
		retries++
		flags.first(logRetry)
		retriesTotal.WithLabelValues("transport").Inc()
		if werr := d.wait(ctx, policy.backoff(retries)); werr != nil {
			return finish(werr)
		}
	}
}

// resolve maps the selector to a node and records the chosen target.
func (d *Dispatcher) resolve(sel Selector, out *Outcome) (cluster.NodeInfo, error) {
	out.Target = 0
	out.Node = 0

	switch sel.Kind {
	case NodeSelector:
		out.Node = sel.Node
	case GroupSelector:
		if d.groups == nil {
			return cluster.NodeInfo{}, errors.Wrapf(cluster.ErrUnknownTarget, "%s: no group registry", sel)
		}
		if sel.UseSecondary {
			out.Target = d.groups.Secondary(sel.Group)
		} else {
			out.Target = d.groups.Primary(sel.Group)
		}
		if out.Target == 0 {
			return cluster.NodeInfo{}, errors.Wrapf(cluster.ErrUnknownTarget, "%s: unknown group", sel)
		}
	default:
		out.Target = sel.Target
	}

	if out.Target != 0 {
		n, ok := d.targets.NodeOf(out.Target)
		if !ok {
			return cluster.NodeInfo{}, errors.Wrapf(cluster.ErrUnknownTarget, "target %d is not mapped", out.Target)
		}
		out.Node = n
	}
	if out.Target == 0 && sel.Kind == TargetSelector {
		return cluster.NodeInfo{}, errors.Wrap(cluster.ErrUnknownTarget, "target 0")
	}

	node, ok := d.nodes.Node(out.Node)
	if !ok {
		return cluster.NodeInfo{}, errors.Wrapf(cluster.ErrUnknownNode, "node %d", out.Node)
	}
	return node, nil
}

// checkState applies the fast-fail rules. Node selectors carry no target and
// are never gated.
func (d *Dispatcher) checkState(req Request, out *Outcome) error {
	out.StateKnown = false
	if d.states == nil || out.Target == 0 {
		return nil
	}
	resyncBypass := req.Resync && req.Selector.Kind == TargetSelector

	s, err := d.states.Get(out.Target)
	if err != nil {
		if resyncBypass {
			return nil
		}
		fastFailsTotal.WithLabelValues("unknown_state").Inc()
		return errors.Wrapf(cluster.ErrCommunication, "target %d has no known state", out.Target)
	}
	out.StateKnown = true
	out.Reachability = s.Reachability
	out.Consistency = s.Consistency

	if s.Reachability == targetstate.Offline && req.Selector.Kind == GroupSelector {
		fastFailsTotal.WithLabelValues("offline").Inc()
		return errors.Wrapf(cluster.ErrCommunication, "target %d is offline", out.Target)
	}
	if s.Consistency == targetstate.Bad && !req.CheckOnly && !resyncBypass {
		fastFailsTotal.WithLabelValues("bad").Inc()
		return errors.Wrapf(cluster.ErrCommunication, "target %d is bad", out.Target)
	}
	return nil
}

func (d *Dispatcher) attempt(ctx context.Context, policy RetryPolicy, node cluster.NodeInfo, target cluster.TargetID, req Request, resp any) error {
	if policy.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, policy.Timeout)
		defer cancel()
	}
	return d.transport.Call(ctx, node, target, req.Type, req.Payload, resp)
}

// wait sleeps on the dispatcher clock. Cancellation of ctx ends the wait with
// ErrInterrupted.
func (d *Dispatcher) wait(ctx context.Context, dur time.Duration) error {
	if dur <= 0 {
		return nil
	}
	select {
	case <-d.clock.After(dur):
		return nil
	case <-ctx.Done():
		return errors.Wrap(cluster.ErrInterrupted, "canceled while waiting to retry")
	}
}
