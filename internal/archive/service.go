// Package archive keeps a git history of every rundown that reached the
// locked state, one repository per rundown.
package archive

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"cuesheet/internal/rundown"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

const contentFile = "rundown.json"

var ErrNoArchive = errors.New("rundown has no archive")

// Record is the content committed for one locked rundown.
type Record struct {
	RundownID    string         `json:"rundownId"`
	Status       rundown.Status `json:"status"`
	LockedBy     string         `json:"lockedBy"`
	LockedAt     time.Time      `json:"lockedAt"`
	TotalSeconds int            `json:"totalSeconds"`
	State        rundown.State  `json:"state"`
}

type CommitInfo struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

// Commit writes rec as rundown.json and commits it, creating the repository
// on first use.
func (s *Service) Commit(rec Record, author, message string) (CommitInfo, error) {
	lock := s.rundownLock(rec.RundownID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.openOrInit(rec.RundownID)
	if err != nil {
		return CommitInfo{}, err
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return CommitInfo{}, fmt.Errorf("open worktree: %w", err)
	}

	payload, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return CommitInfo{}, fmt.Errorf("marshal archive record: %w", err)
	}
	if err := os.WriteFile(filepath.Join(s.repoPath(rec.RundownID), contentFile), append(payload, '\n'), 0o644); err != nil {
		return CommitInfo{}, fmt.Errorf("write %s: %w", contentFile, err)
	}
	if _, err := worktree.Add(contentFile); err != nil {
		return CommitInfo{}, fmt.Errorf("git add %s: %w", contentFile, err)
	}

	hash, err := worktree.Commit(message, &git.CommitOptions{
		AllowEmptyCommits: true,
		Author: &object.Signature{
			Name:  author,
			Email: fmt.Sprintf("%s@cuesheet.local", sanitizeEmail(author)),
			When:  time.Now(),
		},
	})
	if err != nil {
		return CommitInfo{}, fmt.Errorf("commit archive: %w", err)
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return CommitInfo{}, fmt.Errorf("read commit object: %w", err)
	}
	return toCommitInfo(commitObj), nil
}

// History lists archive commits newest first. A non-positive limit returns
// all of them.
func (s *Service) History(rundownID string, limit int) ([]CommitInfo, error) {
	lock := s.rundownLock(rundownID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(rundownID)
	if err != nil {
		return nil, err
	}
	head, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("resolve head: %w", err)
	}
	iter, err := repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]CommitInfo, 0)
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toCommitInfo(commitObj))
		if limit > 0 && len(items) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// Content reads the archived record at hash, which may be abbreviated.
func (s *Service) Content(rundownID, hash string) (Record, error) {
	lock := s.rundownLock(rundownID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(rundownID)
	if err != nil {
		return Record{}, err
	}
	resolved, err := resolveHash(repo, hash)
	if err != nil {
		return Record{}, err
	}
	commitObj, err := repo.CommitObject(resolved)
	if err != nil {
		return Record{}, fmt.Errorf("read commit %s: %w", hash, err)
	}
	return readRecord(commitObj)
}

func (s *Service) repoPath(rundownID string) string {
	return filepath.Join(s.baseDir, rundownID)
}

func (s *Service) rundownLock(rundownID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[rundownID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[rundownID] = lock
	return lock
}

func (s *Service) open(rundownID string) (*git.Repository, error) {
	repo, err := git.PlainOpen(s.repoPath(rundownID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, ErrNoArchive
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	return repo, nil
}

func (s *Service) openOrInit(rundownID string) (*git.Repository, error) {
	repo, err := s.open(rundownID)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, ErrNoArchive) {
		return nil, err
	}
	path := s.repoPath(rundownID)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err = git.PlainInit(path, false)
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("main"))); err != nil {
		return nil, fmt.Errorf("set HEAD to main: %w", err)
	}
	return repo, nil
}

func readRecord(commitObj *object.Commit) (Record, error) {
	file, err := commitObj.File(contentFile)
	if err != nil {
		return Record{}, fmt.Errorf("load %s from commit: %w", contentFile, err)
	}
	reader, err := file.Reader()
	if err != nil {
		return Record{}, fmt.Errorf("open content reader: %w", err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return Record{}, fmt.Errorf("read content bytes: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("decode archived rundown: %w", err)
	}
	return rec, nil
}

func toCommitInfo(commitObj *object.Commit) CommitInfo {
	return CommitInfo{
		Hash:      commitObj.Hash.String()[:7],
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "user"
	}
	return string(out)
}

func resolveHash(repo *git.Repository, hash string) (plumbing.Hash, error) {
	if len(hash) == 40 {
		return plumbing.NewHash(hash), nil
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("resolve hash %s: %w", hash, err)
	}
	return *resolved, nil
}
