package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"cuesheet/internal/archive"
	"cuesheet/internal/config"
	"cuesheet/internal/history"
	"cuesheet/internal/metrics"
	"cuesheet/internal/rbac"
	"cuesheet/internal/rundown"
	"cuesheet/internal/session"
	"cuesheet/internal/util"

	"github.com/redis/go-redis/v9"
)

// Deps are the collaborators a Service is built from. Only Redis is required.
type Deps struct {
	Redis    *redis.Client
	History  history.Store
	Sessions *session.RedisStore
	Archive  *archive.Service
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
	Catalog  rundown.Catalog
	// Seed builds the rundown written to an empty remote store.
	Seed func() (rundown.State, error)
	// Ping checks optional backing services for readiness.
	Ping func(context.Context) error
}

// Service owns one Workspace per joined session.
type Service struct {
	cfg      config.Config
	redis    *redis.Client
	history  history.Store
	sessions *session.RedisStore
	archive  *archive.Service
	metrics  *metrics.Metrics
	logger   *slog.Logger
	catalog  rundown.Catalog
	seed     func() (rundown.State, error)
	ping     func(context.Context) error
	now      func() time.Time

	mu         sync.Mutex
	workspaces map[string]*Workspace
	// revoked holds sessions that left through this process; an attach that
	// raced with Leave must not publish them again.
	revoked map[string]struct{}
	closed  bool
}

func New(cfg config.Config, deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		cfg:        cfg,
		redis:      deps.Redis,
		history:    deps.History,
		sessions:   deps.Sessions,
		archive:    deps.Archive,
		metrics:    deps.Metrics,
		logger:     logger,
		catalog:    deps.Catalog,
		seed:       deps.Seed,
		ping:       deps.Ping,
		now:        func() time.Time { return time.Now().UTC() },
		workspaces: make(map[string]*Workspace),
		revoked:    make(map[string]struct{}),
	}
	if s.history == nil {
		s.history = history.NewRedisStore(deps.Redis, cfg.KeyPrefix)
	}
	if s.sessions == nil {
		s.sessions = session.NewRedisStoreWithClient(deps.Redis, cfg.KeyPrefix, cfg.SessionTTL)
	}
	if s.seed == nil {
		s.seed = DefaultSeed(cfg.TemplateFile)
	}
	return s
}

// DefaultSeed builds the initial rundown from a template file, or from the
// embedded default template when filename is empty.
func DefaultSeed(filename string) func() (rundown.State, error) {
	return func() (rundown.State, error) {
		var (
			tmpl rundown.Template
			err  error
		)
		if filename != "" {
			tmpl, err = rundown.LoadTemplateFile(filename)
		} else {
			tmpl, err = rundown.BuiltinTemplate("default")
		}
		if err != nil {
			return rundown.State{}, err
		}
		return tmpl.State(func() string { return util.NewID("seg") }), nil
	}
}

// Ping checks redis and any optional backing service.
func (s *Service) Ping(ctx context.Context) error {
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	if s.ping != nil {
		if err := s.ping(ctx); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	}
	return nil
}

type JoinInput struct {
	DisplayName string `json:"displayName"`
	Role        string `json:"role"`
	RundownID   string `json:"rundownId"`
}

var rundownIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,63}$`)

// Join creates a session and connects its workspace to the shared rundown.
func (s *Service) Join(ctx context.Context, input JoinInput) (session.Session, View, error) {
	name := strings.TrimSpace(input.DisplayName)
	if name == "" {
		return session.Session{}, View{}, validationError("displayName is required")
	}
	rundownID := strings.TrimSpace(input.RundownID)
	if rundownID == "" {
		rundownID = s.cfg.DefaultRundown
	}
	if !rundownIDPattern.MatchString(rundownID) {
		return session.Session{}, View{}, validationError("rundownId may contain letters, digits, '-' and '_' only")
	}
	sess := session.Session{
		ID:          util.NewID("sess"),
		DisplayName: name,
		Role:        string(rbac.Normalize(strings.ToLower(strings.TrimSpace(input.Role)))),
		RundownID:   rundownID,
		JoinedAt:    s.now(),
	}
	if err := s.sessions.Save(ctx, sess); err != nil {
		return session.Session{}, View{}, err
	}
	w, err := s.attach(ctx, sess)
	if err != nil {
		_ = s.sessions.Revoke(context.WithoutCancel(ctx), sess.ID)
		return session.Session{}, View{}, err
	}
	s.logger.Info("session joined", "session", sess.ID, "rundown", rundownID, "role", sess.Role)
	return sess, w.View(), nil
}

// Workspace returns the live workspace for a session, reconnecting it if the
// session is still valid but not attached to this process. Every call
// re-reads the stored session, which extends its expiry and drops a
// workspace whose session was revoked elsewhere.
func (s *Service) Workspace(ctx context.Context, sessionID string) (*Workspace, error) {
	if sessionID == "" {
		return nil, session.ErrNotFound
	}
	sess, err := s.sessions.Lookup(ctx, sessionID)
	if errors.Is(err, session.ErrNotFound) {
		if w := s.detach(sessionID); w != nil {
			w.close(context.WithoutCancel(ctx))
			s.logger.Info("session expired", "session", sessionID)
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	w, ok := s.workspaces[sessionID]
	s.mu.Unlock()
	if ok {
		return w, nil
	}
	return s.attach(ctx, sess)
}

// detach removes the session's workspace from the map without closing it.
func (s *Service) detach(sessionID string) *Workspace {
	s.mu.Lock()
	w, ok := s.workspaces[sessionID]
	delete(s.workspaces, sessionID)
	count := len(s.workspaces)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	s.metrics.SetActiveSessions(count)
	return w
}

func (s *Service) attach(ctx context.Context, sess session.Session) (*Workspace, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errors.New("service is shutting down")
	}
	if w, ok := s.workspaces[sess.ID]; ok {
		s.mu.Unlock()
		return w, nil
	}
	s.mu.Unlock()

	w, err := openWorkspace(ctx, s, sess)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if _, gone := s.revoked[sess.ID]; gone || s.closed {
		s.mu.Unlock()
		w.close(context.WithoutCancel(ctx))
		if gone {
			return nil, session.ErrNotFound
		}
		return nil, errors.New("service is shutting down")
	}
	if existing, ok := s.workspaces[sess.ID]; ok {
		s.mu.Unlock()
		w.close(context.WithoutCancel(ctx))
		return existing, nil
	}
	s.workspaces[sess.ID] = w
	count := len(s.workspaces)
	s.mu.Unlock()
	s.metrics.SetActiveSessions(count)
	return w, nil
}

// Leave revokes the session, then disconnects its workspace. The session is
// marked revoked in this process before anything else so a concurrent
// reconnect cannot attach it again.
func (s *Service) Leave(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	s.revoked[sessionID] = struct{}{}
	s.mu.Unlock()

	err := s.sessions.Revoke(ctx, sessionID)
	if w := s.detach(sessionID); w != nil {
		w.close(context.WithoutCancel(ctx))
	}
	if err != nil {
		return err
	}
	s.logger.Info("session left", "session", sessionID)
	return nil
}

// Sessions lists attached sessions ordered by join time.
func (s *Service) Sessions() []session.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]session.Session, 0, len(s.workspaces))
	for _, w := range s.workspaces {
		out = append(out, w.session)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JoinedAt.Before(out[j].JoinedAt) })
	return out
}

// Shutdown detaches every workspace. Sessions stay valid so clients can
// resume against another process.
func (s *Service) Shutdown(ctx context.Context) {
	s.mu.Lock()
	s.closed = true
	workspaces := make([]*Workspace, 0, len(s.workspaces))
	for _, w := range s.workspaces {
		workspaces = append(workspaces, w)
	}
	s.workspaces = make(map[string]*Workspace)
	s.mu.Unlock()

	for _, w := range workspaces {
		w.close(ctx)
	}
	s.metrics.SetActiveSessions(0)
}

// Archive lists archived commits for a rundown.
func (s *Service) Archive(rundownID string, limit int) ([]archive.CommitInfo, error) {
	if s.archive == nil {
		return nil, domainError(http.StatusNotFound, "ARCHIVE_DISABLED", "Archive is not configured", nil)
	}
	items, err := s.archive.History(rundownID, limit)
	if errors.Is(err, archive.ErrNoArchive) {
		return []archive.CommitInfo{}, nil
	}
	return items, err
}
