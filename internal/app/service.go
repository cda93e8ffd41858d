package app

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"pulseboard/api/internal/adapt"
	"pulseboard/api/internal/dashboard"
	"pulseboard/api/internal/query"
	"pulseboard/api/internal/rbac"
	"pulseboard/api/internal/search"
	"pulseboard/api/internal/session"
	"pulseboard/api/internal/theme"
)

// ScopeStore persists each user's active organization.
type ScopeStore interface {
	SetActiveOrganization(ctx context.Context, userID, organizationID string) error
	ActiveOrganization(ctx context.Context, userID string) (string, error)
	ClearActiveOrganization(ctx context.Context, userID string) error
}

type RoleResolver interface {
	RoleIn(ctx context.Context, userID, organizationID string) (rbac.Role, error)
}

type PulseSearcher interface {
	Search(ctx context.Context, q search.Query) search.Response
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

type Deps struct {
	// BackendFor returns the live-query backend acting as userID.
	BackendFor func(userID string) query.Backend
	Persister  adapt.Persister
	Adapter    adapt.Adapter
	Roles      RoleResolver
	Scopes     ScopeStore
	Search     PulseSearcher
	// Checks are reported by /api/ready, keyed by name.
	Checks map[string]Pinger
	// PreviewUserID's dashboard also drives PreviewSink.
	PreviewUserID string
	PreviewSink   theme.Sink
	Logger        *logrus.Logger
}

type Options struct {
	PulseLogLimit int
	AdaptTimeout  time.Duration
	// IdleTTL is how long a dashboard without live clients is kept.
	IdleTTL time.Duration
}

// hosted is a running dashboard. started is closed once its initial inputs
// are applied; nothing else touches dash before that.
type hosted struct {
	dash     *dashboard.Dashboard
	started  chan struct{}
	clients  int
	lastUsed time.Time
}

// Service hosts one dashboard per signed-in user and routes scope changes to
// them.
type Service struct {
	deps Deps
	opts Options
	log  *logrus.Entry
	now  func() time.Time

	mu         sync.Mutex
	dashboards map[string]*hosted
	closed     bool
}

func New(deps Deps, opts Options) *Service {
	if opts.IdleTTL <= 0 {
		opts.IdleTTL = 5 * time.Minute
	}
	return &Service{
		deps:       deps,
		opts:       opts,
		log:        deps.Logger.WithField("component", "app"),
		now:        time.Now,
		dashboards: make(map[string]*hosted),
	}
}

func (s *Service) acquire(ctx context.Context, userID string, client bool) (*dashboard.Dashboard, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
	}

	if h := s.existing(userID, client); h != nil {
		<-h.started
		return h.dash, nil
	}

	activeID, err := s.deps.Scopes.ActiveOrganization(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load active organization: %w", err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, domainError(http.StatusServiceUnavailable, "SHUTTING_DOWN", "Server is shutting down", nil)
	}
	if h, ok := s.dashboards[userID]; ok {
		s.touch(h, client)
		s.mu.Unlock()
		<-h.started
		return h.dash, nil
	}

	var sinks []theme.Sink
	if s.deps.PreviewSink != nil && userID == s.deps.PreviewUserID {
		sinks = append(sinks, s.deps.PreviewSink)
	}
	dash := dashboard.New(dashboard.Deps{
		Backend:    s.deps.BackendFor(userID),
		Persister:  s.deps.Persister,
		Adapter:    s.deps.Adapter,
		Logger:     s.deps.Logger,
		ThemeSinks: sinks,
	}, dashboard.Options{
		PulseLogLimit: s.opts.PulseLogLimit,
		AdaptTimeout:  s.opts.AdaptTimeout,
	})
	h := &hosted{dash: dash, started: make(chan struct{}), lastUsed: s.now()}
	if client {
		h.clients = 1
	}
	s.dashboards[userID] = h
	s.mu.Unlock()

	// subscribing may block on the backend; other users are not held up
	dash.SetInputs(context.WithoutCancel(ctx), query.Inputs{UserID: userID, ActiveOrganizationID: activeID})
	close(h.started)

	s.log.WithFields(logrus.Fields{"user_id": userID, "active_organization_id": activeID}).Info("dashboard started")
	return dash, nil
}

// existing returns userID's hosted dashboard, marking it used.
func (s *Service) existing(userID string, client bool) *hosted {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.dashboards[userID]
	if !ok {
		return nil
	}
	s.touch(h, client)
	return h
}

// touch must be called with s.mu held.
func (s *Service) touch(h *hosted, client bool) {
	h.lastUsed = s.now()
	if client {
		h.clients++
	}
}

// State returns userID's dashboard snapshot, starting the dashboard if needed.
func (s *Service) State(ctx context.Context, userID string) (dashboard.Snapshot, error) {
	dash, err := s.acquire(ctx, userID, false)
	if err != nil {
		return dashboard.Snapshot{}, err
	}
	return dash.State(), nil
}

// Connect pins userID's dashboard for a live client until release is called.
func (s *Service) Connect(ctx context.Context, userID string) (*dashboard.Dashboard, func(), error) {
	dash, err := s.acquire(ctx, userID, true)
	if err != nil {
		return nil, nil, err
	}
	var once sync.Once
	release := func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if h, ok := s.dashboards[userID]; ok && h.dash == dash {
				h.clients--
				h.lastUsed = s.now()
			}
		})
	}
	return dash, release, nil
}

// SetScope stores userID's active organization. Other instances learn about
// it over the scope channel; the local dashboard is updated right away.
func (s *Service) SetScope(ctx context.Context, userID, organizationID string) error {
	organizationID = strings.TrimSpace(organizationID)
	var err error
	if organizationID == "" {
		err = s.deps.Scopes.ClearActiveOrganization(ctx, userID)
	} else {
		err = s.deps.Scopes.SetActiveOrganization(ctx, userID, organizationID)
	}
	if err != nil {
		return err
	}
	s.ApplyScope(ctx, session.ScopeChange{UserID: userID, OrganizationID: organizationID})
	return nil
}

// ApplyScope forwards a scope change to the user's dashboard, if one is
// running here.
func (s *Service) ApplyScope(ctx context.Context, change session.ScopeChange) {
	s.mu.Lock()
	h, ok := s.dashboards[change.UserID]
	s.mu.Unlock()
	if !ok {
		return
	}
	<-h.started
	h.dash.SetActiveOrganization(ctx, change.OrganizationID)
}

// Search looks through the pulse log of the user's active organization.
func (s *Service) Search(ctx context.Context, userID string, q search.Query) (search.Response, error) {
	activeID, err := s.deps.Scopes.ActiveOrganization(ctx, userID)
	if err != nil {
		return search.Response{}, fmt.Errorf("load active organization: %w", err)
	}
	if activeID == "" {
		return search.Response{}, errNoActiveOrganization
	}
	role, err := s.deps.Roles.RoleIn(ctx, userID, activeID)
	if err != nil {
		return search.Response{}, fmt.Errorf("resolve role: %w", err)
	}
	if !rbac.Can(role, rbac.ActionList) {
		return search.Response{}, errForbidden
	}
	q.OrganizationID = activeID
	return s.deps.Search.Search(ctx, q), nil
}

// Ready runs every configured check and returns the failures by name.
func (s *Service) Ready(ctx context.Context) (names []string, failures map[string]error) {
	failures = make(map[string]error)
	for name, check := range s.deps.Checks {
		names = append(names, name)
		if err := check.Ping(ctx); err != nil {
			failures[name] = err
		}
	}
	sort.Strings(names)
	return names, failures
}

// Dashboards reports how many dashboards are running.
func (s *Service) Dashboards() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.dashboards)
}

// Run evicts idle dashboards until ctx is done, then closes everything.
func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(max(s.opts.IdleTTL/2, 10*time.Millisecond))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.Close()
			return nil
		case <-ticker.C:
			s.evictIdle()
		}
	}
}

func (s *Service) evictIdle() {
	cutoff := s.now().Add(-s.opts.IdleTTL)
	var idle []*dashboard.Dashboard

	s.mu.Lock()
	for userID, h := range s.dashboards {
		if h.clients <= 0 && h.lastUsed.Before(cutoff) {
			idle = append(idle, h.dash)
			delete(s.dashboards, userID)
			s.log.WithField("user_id", userID).Debug("dashboard evicted")
		}
	}
	s.mu.Unlock()

	for _, dash := range idle {
		dash.Close()
	}
}

// Close stops every dashboard. Later requests fail.
func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	all := s.dashboards
	s.dashboards = make(map[string]*hosted)
	s.mu.Unlock()

	for _, h := range all {
		h.dash.Close()
	}
}
