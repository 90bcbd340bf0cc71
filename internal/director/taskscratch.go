package director

import "sync"

// ChangeOp is one staged mutation against a shard director's backend
// list, per spec §4.5 "staged reconfiguration".
type ChangeOp int

const (
	ChangeAdd ChangeOp = iota
	ChangeRemove
	ChangeClear
)

// Change is one entry in a director's per-task change list.
type Change struct {
	Op      ChangeOp
	Backend *Backend
	Ident   string // optional; used by ChangeRemove to match by ident
	Weight  int    // used by ChangeAdd
}

// TaskScratch is the per-request bump-workspace stand-in (§9 "Workspace")
// that holds staged change lists, keyed by director identity, plus any
// per-call shard
// parameter overrides. It is released (discarded) at request end; the
// staged changes for a director that never calls reconfigure are
// implicitly cancelled along with it. Each director identity has its own
// independent list; several directors may stage changes in the same task.
type TaskScratch struct {
	mu        sync.Mutex
	changes   map[string][]Change
	shardOpts map[string]*ParamOverride
}

// NewTaskScratch creates an empty per-request scratch workspace.
func NewTaskScratch() *TaskScratch {
	return &TaskScratch{
		changes:   make(map[string][]Change),
		shardOpts: make(map[string]*ParamOverride),
	}
}

// SetShardParams installs the task-scope parameter override for the
// shard director identified by dirID.
func (s *TaskScratch) SetShardParams(dirID string, o *ParamOverride) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shardOpts[dirID] = o
}

// shardParams returns the task-scope override for dirID, nil if unset.
func (s *TaskScratch) shardParams(dirID string) *ParamOverride {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shardOpts[dirID]
}

// Stage appends a change to dirID's list.
func (s *TaskScratch) Stage(dirID string, c Change) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.changes[dirID] = append(s.changes[dirID], c)
}

// Take returns and clears dirID's staged change list.
func (s *TaskScratch) Take(dirID string) []Change {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.changes[dirID]
	delete(s.changes, dirID)
	return c
}
