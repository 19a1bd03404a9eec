package snapshot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

const (
	stateFile   = "state.cbor"
	previewFile = "preview.txt"
)

// GitStore persists snapshots as commits in one git repository per document,
// keeping the full history of converged states rather than only the latest.
// The version counter is the commit count.
type GitStore struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func NewGitStore(baseDir string) *GitStore {
	return &GitStore{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

func (s *GitStore) documentLock(documentID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[documentID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[documentID] = lock
	}
	return lock
}

func (s *GitStore) repoPath(documentID string) string {
	return filepath.Join(s.baseDir, sanitizePathComponent(documentID))
}

// sanitizePathComponent maps a document ID onto a filesystem-safe directory
// name, hex-escaping anything outside [A-Za-z0-9._-].
func sanitizePathComponent(id string) string {
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			fmt.Fprintf(&b, "%%%04x", r)
		}
	}
	return b.String()
}

func (s *GitStore) Load(_ context.Context, documentID string) ([]byte, error) {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	state, err := os.ReadFile(filepath.Join(s.repoPath(documentID), stateFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot state: %w", err)
	}
	return state, nil
}

func (s *GitStore) Save(_ context.Context, documentID string, state []byte, preview string) error {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	path := s.repoPath(documentID)
	repo, err := s.ensureRepo(path)
	if err != nil {
		return err
	}

	if err := os.WriteFile(filepath.Join(path, stateFile), state, 0o644); err != nil {
		return fmt.Errorf("write snapshot state: %w", err)
	}
	if err := os.WriteFile(filepath.Join(path, previewFile), []byte(preview), 0o644); err != nil {
		return fmt.Errorf("write snapshot preview: %w", err)
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}
	if _, err := worktree.Add(stateFile); err != nil {
		return fmt.Errorf("git add state: %w", err)
	}
	if _, err := worktree.Add(previewFile); err != nil {
		return fmt.Errorf("git add preview: %w", err)
	}

	status, err := worktree.Status()
	if err != nil {
		return fmt.Errorf("worktree status: %w", err)
	}
	if status.IsClean() {
		// Same converged state as last save; nothing to commit.
		return nil
	}

	_, err = worktree.Commit(fmt.Sprintf("Snapshot of %s", documentID), &git.CommitOptions{
		Author: &object.Signature{
			Name:  "loom",
			Email: "collab@loom.local",
			When:  time.Now(),
		},
	})
	if err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}
	return nil
}

func (s *GitStore) ensureRepo(path string) (*git.Repository, error) {
	repo, err := git.PlainOpen(path)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("open repo: %w", err)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err = git.PlainInit(path, false)
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	return repo, nil
}

func (s *GitStore) Meta(_ context.Context, documentID string) (Meta, error) {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	path := s.repoPath(documentID)
	repo, err := git.PlainOpen(path)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return Meta{}, ErrNotFound
	}
	if err != nil {
		return Meta{}, fmt.Errorf("open repo: %w", err)
	}

	head, err := repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return Meta{}, ErrNotFound
	}
	if err != nil {
		return Meta{}, fmt.Errorf("read HEAD: %w", err)
	}

	commits, err := repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return Meta{}, fmt.Errorf("read log: %w", err)
	}
	var version int64
	var updatedAt time.Time
	err = commits.ForEach(func(c *object.Commit) error {
		if version == 0 {
			updatedAt = c.Author.When
		}
		version++
		return nil
	})
	if err != nil {
		return Meta{}, fmt.Errorf("walk log: %w", err)
	}

	preview, err := os.ReadFile(filepath.Join(path, previewFile))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return Meta{}, fmt.Errorf("read preview: %w", err)
	}

	return Meta{
		DocumentID: documentID,
		Version:    version,
		Preview:    string(preview),
		UpdatedAt:  updatedAt,
	}, nil
}

func (s *GitStore) Delete(_ context.Context, documentID string) error {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	if err := os.RemoveAll(s.repoPath(documentID)); err != nil {
		return fmt.Errorf("delete snapshot repo: %w", err)
	}
	return nil
}
