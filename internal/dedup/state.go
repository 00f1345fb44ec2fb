package dedup

import (
	"sort"

	"github.com/dvloznov/finance-dedup/internal/domain"
)

type assignment struct {
	isDup     bool
	canonical string
}

// assignmentState tracks the duplicate state of a snapshot while a bulk run
// applies groups to it. It keeps every duplicate pointing at a root and
// remembers what has already been handed to the caller so that only
// changes are emitted.
type assignmentState struct {
	records    map[string]domain.TransactionRecord
	original   map[string]assignment
	current    map[string]assignment
	emitted    map[string]assignment
	dependents map[string]map[string]struct{}
	dirty      map[string]struct{}
}

func newAssignmentState(records []domain.TransactionRecord) *assignmentState {
	s := &assignmentState{
		records:    make(map[string]domain.TransactionRecord, len(records)),
		original:   make(map[string]assignment, len(records)),
		current:    make(map[string]assignment, len(records)),
		emitted:    make(map[string]assignment, len(records)),
		dependents: make(map[string]map[string]struct{}),
		dirty:      make(map[string]struct{}),
	}
	for _, r := range records {
		a := assignment{isDup: r.IsDuplicate, canonical: r.CanonicalID}
		s.records[r.ID] = r
		s.original[r.ID] = a
		s.current[r.ID] = a
		s.emitted[r.ID] = a
		s.link(r.ID, a)
	}
	return s
}

func (s *assignmentState) link(id string, a assignment) {
	if !a.isDup || a.canonical == "" {
		return
	}
	deps, ok := s.dependents[a.canonical]
	if !ok {
		deps = make(map[string]struct{})
		s.dependents[a.canonical] = deps
	}
	deps[id] = struct{}{}
}

func (s *assignmentState) unlink(id string, a assignment) {
	if !a.isDup || a.canonical == "" {
		return
	}
	if deps, ok := s.dependents[a.canonical]; ok {
		delete(deps, id)
		if len(deps) == 0 {
			delete(s.dependents, a.canonical)
		}
	}
}

func (s *assignmentState) set(id string, a assignment) {
	old := s.current[id]
	if old == a {
		return
	}
	s.unlink(id, old)
	s.current[id] = a
	s.link(id, a)
	s.dirty[id] = struct{}{}
}

func (s *assignmentState) makeRoot(id string) {
	s.set(id, assignment{})
}

// pointTo marks id as a duplicate of root and moves everything that pointed
// at id over to root.
func (s *assignmentState) pointTo(id, root string) {
	if id == root {
		s.makeRoot(id)
		return
	}
	s.set(id, assignment{isDup: true, canonical: root})
	for _, dep := range s.sortedDependents(id) {
		s.set(dep, assignment{isDup: true, canonical: root})
	}
}

func (s *assignmentState) sortedDependents(id string) []string {
	deps := s.dependents[id]
	out := make([]string, 0, len(deps))
	for dep := range deps {
		out = append(out, dep)
	}
	sort.Slice(out, func(i, j int) bool { return lessID(out[i], out[j]) })
	return out
}

func (s *assignmentState) sortedIDs() []string {
	ids := make([]string, 0, len(s.current))
	for id := range s.current {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return lessID(ids[i], ids[j]) })
	return ids
}

// normalize repairs snapshot state that breaks the root invariant: flags
// without a canonical id, self references, cycles and chains. It returns
// the number of records it changed.
func (s *assignmentState) normalize() int {
	ids := s.sortedIDs()
	before := len(s.dirty)

	for _, id := range ids {
		a := s.current[id]
		switch {
		case !a.isDup && a.canonical != "":
			s.makeRoot(id)
		case a.isDup && (a.canonical == "" || a.canonical == id):
			s.makeRoot(id)
		}
	}

	for _, id := range ids {
		if cycle := s.cycleFrom(id); len(cycle) > 0 {
			s.makeRoot(s.earliest(cycle))
		}
	}

	for _, id := range ids {
		a := s.current[id]
		if !a.isDup {
			continue
		}
		if root := s.root(id); root != a.canonical {
			s.set(id, assignment{isDup: true, canonical: root})
		}
	}

	return len(s.dirty) - before
}

// cycleFrom returns the ids of a canonical cycle reachable from id, if any.
func (s *assignmentState) cycleFrom(id string) []string {
	pos := map[string]int{}
	var path []string
	cur := id
	for {
		a, known := s.current[cur]
		if !known || !a.isDup {
			return nil
		}
		if p, seen := pos[cur]; seen {
			return path[p:]
		}
		pos[cur] = len(path)
		path = append(path, cur)
		cur = a.canonical
	}
}

// root follows canonical ids from id. Must be called without cycles.
func (s *assignmentState) root(id string) string {
	cur := id
	for {
		a, known := s.current[cur]
		if !known || !a.isDup {
			return cur
		}
		cur = a.canonical
	}
}

func (s *assignmentState) earliest(ids []string) string {
	best := ids[0]
	for _, id := range ids[1:] {
		if recordLess(s.records[id], s.records[best]) {
			best = id
		}
	}
	return best
}

// applyGroup points every member of g at one root and returns that root.
// The root is the group's canonical record unless that record is already a
// duplicate of a root outside the group, which then anchors the whole group.
func (s *assignmentState) applyGroup(g DuplicateGroup) string {
	anchor := g.CanonicalID
	if root := s.root(g.CanonicalID); root != anchor && !containsID(g.MemberIDs, root) {
		anchor = root
	} else {
		s.makeRoot(anchor)
	}
	for _, id := range g.MemberIDs {
		if id == anchor {
			continue
		}
		s.pointTo(id, anchor)
	}
	return anchor
}

func containsID(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// flush returns updates for records whose state changed since the last
// flush, ordered by id.
func (s *assignmentState) flush() []domain.DuplicateUpdate {
	ids := make([]string, 0, len(s.dirty))
	for id := range s.dirty {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return lessID(ids[i], ids[j]) })

	var updates []domain.DuplicateUpdate
	for _, id := range ids {
		cur := s.current[id]
		if cur == s.emitted[id] {
			continue
		}
		s.emitted[id] = cur
		updates = append(updates, toUpdate(id, cur))
	}
	s.dirty = make(map[string]struct{})
	return updates
}

// emittedChanges compares everything flushed so far against the snapshot.
func (s *assignmentState) emittedChanges() (updates []domain.DuplicateUpdate, marked, repointed, cleared int) {
	for _, id := range s.sortedIDs() {
		orig, cur := s.original[id], s.emitted[id]
		if orig == cur {
			continue
		}
		updates = append(updates, toUpdate(id, cur))
		switch {
		case cur.isDup && !orig.isDup:
			marked++
		case cur.isDup:
			repointed++
		default:
			cleared++
		}
	}
	return updates, marked, repointed, cleared
}

func toUpdate(id string, a assignment) domain.DuplicateUpdate {
	return domain.DuplicateUpdate{ID: id, IsDuplicate: a.isDup, CanonicalID: a.canonical}
}
