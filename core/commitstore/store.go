// Package commitstore implements the knowledge-commit store described
// above: canonical hashing, multi-signature approval, parent-linked
// history, on-disk markdown persistence with front matter, and startup
// audit.
package commitstore

import (
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/dpcmesh/dpcnode/pkg/errkind"
)

func sortCommitsByTimeDesc(commits []*KnowledgeCommit) {
	sort.Slice(commits, func(i, j int) bool {
		return commits[i].Timestamp.After(commits[j].Timestamp)
	})
}

// Store is the in-memory, disk-backed index of every knowledge commit this
// node has accepted. It is safe for concurrent use.
type Store struct {
	dataDir string
	resolve CertResolver

	mu      sync.RWMutex
	byID    map[string]*KnowledgeCommit
	pending *PendingPool
}

// Open audits dataDir's knowledge/ directory, loads every commit that
// passed the audit into memory, and returns the populated Store alongside
// the audit Report so the caller can log or surface any anomalies found.
func Open(dataDir string, resolve CertResolver) (*Store, *Report, error) {
	report, err := Audit(dataDir, resolve)
	if err != nil {
		return nil, nil, err
	}
	s := &Store{
		dataDir: dataDir,
		resolve: resolve,
		byID:    make(map[string]*KnowledgeCommit, len(report.Commits)),
		pending: NewPendingPool(0),
	}
	for id, c := range report.Commits {
		s.byID[id] = c
	}
	for _, issue := range report.Issues {
		log.WithFields(log.Fields{"path": issue.Path, "commit_id": issue.CommitID, "kind": issue.Kind}).
			WithError(issue.Err).Warn("knowledge commit audit finding")
	}
	return s, report, nil
}

// Get returns a previously accepted commit by id.
func (s *Store) Get(commitID string) (*KnowledgeCommit, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.byID[commitID]
	return c, ok
}

// PendingCount reports how many commits are buffered awaiting a parent.
func (s *Store) PendingCount() int { return s.pending.Len() }

// Apply validates, persists, and indexes a fully signed commit. If the
// commit's parent is not yet known, it is buffered in the pending pool
// instead of rejected outright (gossip delivery order is not guaranteed)
// and ErrUnknownParent is returned. Once a commit is applied, any buffered
// children waiting on it are applied transitively.
func (s *Store) Apply(c *KnowledgeCommit) error {
	if err := ValidateInvariants(c); err != nil {
		return err
	}
	if c.CommitHash == "" {
		if err := Finalize(c); err != nil {
			return err
		}
	} else {
		want := c.CommitHash
		if err := Finalize(c); err != nil {
			return err
		}
		if c.CommitHash != want {
			return errkind.New(errkind.CommitHashInvalid, "supplied commit_hash does not match recomputed value")
		}
	}
	if s.resolve != nil {
		if err := VerifyAllSignatures(c, s.resolve); err != nil {
			return err
		}
	}

	s.mu.Lock()
	if c.ParentCommitID != "" {
		if _, ok := s.byID[c.ParentCommitID]; !ok {
			s.mu.Unlock()
			s.pending.Add(c)
			return ErrUnknownParent
		}
	}
	s.mu.Unlock()

	if _, err := persistCommit(s.dataDir, c); err != nil {
		return err
	}

	s.mu.Lock()
	s.byID[c.CommitID] = c
	s.mu.Unlock()
	s.pending.Remove(c.CommitID)

	for _, child := range s.pending.ReadyChildren(c.CommitID) {
		if err := s.Apply(child); err != nil && !errkind.Is(err, errkind.ParentMissing) {
			log.WithField("commit_id", child.CommitID).WithError(err).
				Warn("failed to apply buffered child commit")
		}
	}
	return nil
}

// List returns every accepted commit, most recently timestamped first.
func (s *Store) List() []*KnowledgeCommit {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*KnowledgeCommit, 0, len(s.byID))
	for _, c := range s.byID {
		out = append(out, c)
	}
	sortCommitsByTimeDesc(out)
	return out
}
