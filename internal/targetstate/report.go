package targetstate

import (
	"time"

	"github.com/dreamware/buddymirror/internal/cluster"
)

// ConsistencyReport is the body of a bulk consistency update sent by a
// storage node to the management daemon. With Old set the update is a
// compare-and-set (see Registry.ChangeConsistencyStates).
type ConsistencyReport struct {
	Targets   []cluster.TargetID `json:"targets"`
	Old       []Consistency      `json:"old,omitempty"`
	New       []Consistency      `json:"new"`
	SetOnline bool               `json:"setOnline,omitempty"`
}

// View is one row of the state listing served by the management daemon.
type View struct {
	ID           cluster.TargetID `json:"id"`
	Node         cluster.NodeID   `json:"node,omitempty"`
	Reachability Reachability     `json:"reachability"`
	Consistency  Consistency      `json:"consistency"`
	LastChanged  time.Time        `json:"lastChanged"`
}

// ViewsToLists splits a state listing into the parallel lists taken by
// Registry.SyncFromLists.
func ViewsToLists(views []View) (ids []cluster.TargetID, reach []Reachability, cons []Consistency) {
	for _, v := range views {
		ids = append(ids, v.ID)
		reach = append(reach, v.Reachability)
		cons = append(cons, v.Consistency)
	}
	return ids, reach, cons
}
