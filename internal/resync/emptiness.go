package resync

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/dreamware/buddymirror/internal/buddygroup"
	"github.com/dreamware/buddymirror/internal/chunkstore"
	"github.com/dreamware/buddymirror/internal/cluster"
	"github.com/dreamware/buddymirror/internal/dispatch"
)

// CheckTreeEmpty reports whether dir contains nothing but (recursively empty)
// directories. It returns nil if so, an error wrapping cluster.ErrNotEmpty
// at the first non-directory entry, and one marked cluster.ErrInternal if
// any directory cannot be read.
func CheckTreeEmpty(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return errors.Wrapf(errors.Mark(err, cluster.ErrInternal), "open %s", dir)
	}
	defer d.Close()

	for {
		entries, err := d.ReadDir(64)
		for _, e := range entries {
			p := filepath.Join(dir, e.Name())
			if !e.IsDir() {
				return errors.Wrapf(cluster.ErrNotEmpty, "%s", p)
			}
			if err := CheckTreeEmpty(p); err != nil {
				return err
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrapf(errors.Mark(err, cluster.ErrInternal), "read %s", dir)
		}
	}
}

// GroupRemover removes buddy groups after checking that both member targets
// hold no data.
type GroupRemover struct {
	groups *buddygroup.Registry
	local  *chunkstore.Set
	disp   Dispatcher
	lg     *zap.Logger
}

// NewGroupRemover creates a remover. Targets in local are checked on disk
// directly; all others are asked over disp. local may be nil.
func NewGroupRemover(groups *buddygroup.Registry, local *chunkstore.Set, disp Dispatcher, lg *zap.Logger) *GroupRemover {
	if lg == nil {
		lg = zap.NewNop()
	}
	return &GroupRemover{groups: groups, local: local, disp: disp, lg: lg.Named("group-remover")}
}

// RemoveGroup checks both members of a group for emptiness and, unless
// checkOnly, unmaps the group. The group is left untouched on any error.
//
// Returns nil on success, or an error wrapping cluster.ErrNotFound (unknown
// group), ErrNotEmpty, ErrInternal or ErrCommunication.
func (r *GroupRemover) RemoveGroup(ctx context.Context, groupID cluster.GroupID, checkOnly bool) error {
	g, ok := r.groups.Group(groupID)
	if !ok {
		return errors.Wrapf(cluster.ErrNotFound, "group %d", groupID)
	}

	for _, t := range []cluster.TargetID{g.Primary, g.Secondary} {
		if err := r.checkTarget(ctx, t); err != nil {
			r.lg.Info("buddy group not removable",
				zap.Uint16("groupID", uint16(groupID)),
				zap.Uint16("targetID", uint16(t)),
				zap.Error(err))
			return errors.Wrapf(err, "group %d", groupID)
		}
	}

	if checkOnly {
		return nil
	}
	if !r.groups.RemoveGroup(groupID) {
		return errors.Wrapf(cluster.ErrNotFound, "group %d", groupID)
	}
	return nil
}

func (r *GroupRemover) checkTarget(ctx context.Context, id cluster.TargetID) error {
	if t, ok := r.local.Get(id); ok {
		return CheckTreeEmpty(t.Root)
	}
	if r.disp == nil {
		return errors.Wrapf(cluster.ErrUnknownTarget, "target %d is not hosted here", id)
	}
	_, err := r.disp.Dispatch(ctx, dispatch.Request{
		Selector:  dispatch.ToTarget(id),
		Type:      MsgCheckEmpty,
		CheckOnly: true,
	}, nil)
	return err
}
