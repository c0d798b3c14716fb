package pipeline

import "fmt"

// State is a phase of a single materialization.
type State int

const (
	StateNotStarted State = iota
	StatePreparing
	StateDiscoveringImages
	StateDownloadingImages
	StateRewriting
	StatePersisting
	StateComplete
	StateAlreadyExists
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not started"
	case StatePreparing:
		return "preparing"
	case StateDiscoveringImages:
		return "discovering images"
	case StateDownloadingImages:
		return "downloading images"
	case StateRewriting:
		return "rewriting"
	case StatePersisting:
		return "persisting"
	case StateComplete:
		return "complete"
	case StateAlreadyExists:
		return "already exists"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further transitions follow s.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateAlreadyExists || s == StateFailed
}

// Progress is emitted on every phase transition and after every image.
type Progress struct {
	EntryID     int64
	State       State
	ImagesDone  int
	ImagesTotal int
	Err         error
}

// ProgressFunc receives progress notifications. MaterializeAll calls it from
// several goroutines.
type ProgressFunc func(Progress)

// Ordering is the caller's view of the entry list, used to resolve the
// previous and next entry of a bundle.
type Ordering struct {
	EntryIDs []int64
}

// Neighbors returns 0 for a missing side or an id not in the ordering.
func (o Ordering) Neighbors(entryID int64) (prev, next int64) {
	for i, id := range o.EntryIDs {
		if id != entryID {
			continue
		}
		if i > 0 {
			prev = o.EntryIDs[i-1]
		}
		if i < len(o.EntryIDs)-1 {
			next = o.EntryIDs[i+1]
		}
		return prev, next
	}
	return 0, 0
}
