package resync

import (
	"context"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/dreamware/buddymirror/internal/chunkstore"
	"github.com/dreamware/buddymirror/internal/cluster"
	"github.com/dreamware/buddymirror/internal/dispatch"
)

// Handler serves the messages a storage daemon receives: the destination
// side of a resync, emptiness checks and resync control.
type Handler struct {
	targets *chunkstore.Set
	coord   *Coordinator
	lg      *zap.Logger
}

// NewHandler creates a handler for the targets in targets. coord may be nil
// on daemons that never act as a resync source.
func NewHandler(targets *chunkstore.Set, coord *Coordinator, lg *zap.Logger) *Handler {
	if lg == nil {
		lg = zap.NewNop()
	}
	return &Handler{targets: targets, coord: coord, lg: lg.Named("handler")}
}

// Serve processes one message and returns the reply to send back.
func (h *Handler) Serve(ctx context.Context, msgType string, env dispatch.Envelope) dispatch.Reply {
	payload, err := h.serve(ctx, msgType, env)
	if err != nil && !errors.Is(err, cluster.ErrNotFound) {
		h.lg.Debug("message failed",
			zap.String("type", msgType),
			zap.Uint16("targetID", uint16(env.Target)),
			zap.Error(err))
	}
	return dispatch.NewReply(payload, err)
}

func (h *Handler) serve(_ context.Context, msgType string, env dispatch.Envelope) (any, error) {
	switch msgType {
	case MsgList:
		var req ListRequest
		t, err := h.decode(env, &req)
		if err != nil {
			return nil, err
		}
		dir, err := t.Stat(req.Path)
		if err != nil {
			return nil, err
		}
		if !dir.IsDir {
			return nil, errors.Wrapf(cluster.ErrNotFound, "%s is not a directory", req.Path)
		}
		entries, err := t.List(req.Path)
		if err != nil {
			return nil, err
		}
		return ListReply{Dir: dir, Entries: entries}, nil

	case MsgFile:
		var blk FileBlock
		t, err := h.decode(env, &blk)
		if err != nil {
			return nil, err
		}
		if err := t.WriteAt(blk.Path, blk.Offset, blk.Data, blk.Truncate); err != nil {
			return nil, err
		}
		if blk.Last {
			return nil, t.SetAttrs(blk.Path, blk.Mode, blk.ModTime)
		}
		return nil, nil

	case MsgDir:
		var req DirRequest
		t, err := h.decode(env, &req)
		if err != nil {
			return nil, err
		}
		return nil, t.Mkdir(req.Path, req.Mode)

	case MsgRemove:
		var req RemoveRequest
		t, err := h.decode(env, &req)
		if err != nil {
			return nil, err
		}
		return nil, t.Remove(req.Path)

	case MsgCheckEmpty:
		t, err := h.decode(env, nil)
		if err != nil {
			return nil, err
		}
		return nil, CheckTreeEmpty(t.Root)

	case MsgResyncStart:
		var req StartRequest
		if err := dispatch.DecodeEnvelope(env, &req); err != nil {
			return nil, err
		}
		if h.coord == nil {
			return nil, errors.Wrap(cluster.ErrInternal, "resync is not enabled")
		}
		return h.coord.Start(req.Source, req.Destination, req.Since)

	case MsgResyncStats:
		var req JobRequest
		if err := dispatch.DecodeEnvelope(env, &req); err != nil {
			return nil, err
		}
		if h.coord == nil {
			return nil, errors.Wrap(cluster.ErrInternal, "resync is not enabled")
		}
		if req.Source == 0 && req.Destination == 0 {
			return h.coord.Jobs(), nil
		}
		return h.coord.Stats(req.Source, req.Destination)

	case MsgResyncAbort:
		var req JobRequest
		if err := dispatch.DecodeEnvelope(env, &req); err != nil {
			return nil, err
		}
		if h.coord == nil {
			return nil, errors.Wrap(cluster.ErrInternal, "resync is not enabled")
		}
		return nil, h.coord.Abort(req.Source, req.Destination)
	}
	return nil, errors.Wrapf(cluster.ErrInternal, "unknown message type %q", msgType)
}

// decode looks up the addressed target and unmarshals the payload into out.
func (h *Handler) decode(env dispatch.Envelope, out any) (*chunkstore.Target, error) {
	t, ok := h.targets.Get(env.Target)
	if !ok {
		return nil, errors.Wrapf(cluster.ErrUnknownTarget, "target %d is not hosted here", env.Target)
	}
	if err := dispatch.DecodeEnvelope(env, out); err != nil {
		return nil, err
	}
	return t, nil
}
