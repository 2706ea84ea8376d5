package controller

import (
	"context"
	"log/slog"
	"slices"
	"strings"

	"github.com/dgnsrekt/tabwarden/internal/debugger"
	"github.com/dgnsrekt/tabwarden/internal/registry"
	"github.com/dgnsrekt/tabwarden/internal/types"
)

// TabView is a tab as reported to API callers.
type TabView struct {
	ID       types.TabID `json:"id"`
	URL      string      `json:"url"`
	Title    string      `json:"title"`
	Current  bool        `json:"current"`
	Tracked  bool        `json:"tracked"`
	Attached bool        `json:"attached"`
}

// SessionView is one tab's debugger bookkeeping.
type SessionView struct {
	TabID types.TabID `json:"tab_id"`
	debugger.State
}

// CleanupResult lists the sessions released by Cleanup.
type CleanupResult struct {
	Released []types.TabID `json:"released"`
}

// Service validates caller input and shapes registry results for the API.
type Service struct {
	registry *registry.Registry
	sessions *debugger.Manager
}

func NewService(reg *registry.Registry, sessions *debugger.Manager) *Service {
	return &Service{registry: reg, sessions: sessions}
}

func (s *Service) requireNonEmpty(value, fieldName string) error {
	if strings.TrimSpace(value) == "" {
		return &registry.CodedError{Code: registry.CodeValidation, Message: fieldName + " is required"}
	}
	return nil
}

func (s *Service) requireTabID(id types.TabID) error {
	if id <= types.NoTab {
		return &registry.CodedError{Code: registry.CodeValidation, Message: "tab_id must be positive"}
	}
	return nil
}

func (s *Service) handleView(h registry.Handle) TabView {
	return TabView{
		ID:       h.TabID(),
		URL:      h.URL(),
		Title:    h.Title(),
		Current:  h.TabID() == s.registry.CurrentTabID(),
		Tracked:  true,
		Attached: h.Attached(),
	}
}

// ListTabs reports every open tab with its tracking and debugger status.
func (s *Service) ListTabs(ctx context.Context) ([]TabView, error) {
	infos, err := s.registry.TabInfos(ctx)
	if err != nil {
		return nil, err
	}
	current := s.registry.CurrentTabID()
	tracked := s.registry.TrackedTabIDs()
	states := s.sessions.Snapshot()

	out := make([]TabView, 0, len(infos))
	for _, info := range infos {
		out = append(out, TabView{
			ID:       info.ID,
			URL:      info.URL,
			Title:    info.Title,
			Current:  info.ID == current,
			Tracked:  slices.Contains(tracked, info.ID),
			Attached: states[info.ID].IsAttached,
		})
	}
	return out, nil
}

// CurrentTab returns the current tab, acquiring one if needed.
func (s *Service) CurrentTab(ctx context.Context, forceNewTab bool) (TabView, error) {
	h, err := s.registry.AcquireCurrent(ctx, forceNewTab)
	if err != nil {
		return TabView{}, err
	}
	return s.handleView(h), nil
}

func (s *Service) OpenTab(ctx context.Context, url string) (TabView, error) {
	if err := s.requireNonEmpty(url, "url"); err != nil {
		return TabView{}, err
	}
	h, err := s.registry.OpenTab(ctx, strings.TrimSpace(url))
	if err != nil {
		return TabView{}, err
	}
	return s.handleView(h), nil
}

func (s *Service) SwitchTab(ctx context.Context, id types.TabID) (TabView, error) {
	if err := s.requireTabID(id); err != nil {
		return TabView{}, err
	}
	h, err := s.registry.SwitchTab(ctx, id)
	if err != nil {
		return TabView{}, err
	}
	return s.handleView(h), nil
}

func (s *Service) CloseTab(ctx context.Context, id types.TabID) error {
	if err := s.requireTabID(id); err != nil {
		return err
	}
	return s.registry.CloseTab(ctx, id)
}

// Navigate loads url in the current tab and reports the tab it ended up in.
func (s *Service) Navigate(ctx context.Context, url string) (TabView, error) {
	if err := s.requireNonEmpty(url, "url"); err != nil {
		return TabView{}, err
	}
	if err := s.registry.NavigateTo(ctx, strings.TrimSpace(url)); err != nil {
		return TabView{}, err
	}
	return s.CurrentTab(ctx, false)
}

func (s *Service) BrowserState(ctx context.Context, opts registry.StateOptions) (registry.BrowserState, error) {
	return s.registry.State(ctx, opts)
}

// Sessions reports debugger bookkeeping ordered by tab id.
func (s *Service) Sessions() []SessionView {
	states := s.sessions.Snapshot()
	out := make([]SessionView, 0, len(states))
	for id, st := range states {
		out = append(out, SessionView{TabID: id, State: st})
	}
	slices.SortFunc(out, func(a, b SessionView) int { return int(a.TabID - b.TabID) })
	return out
}

// Cleanup releases every tracked handle and then detaches any session the
// browser still reports, including ones opened outside this process.
func (s *Service) Cleanup(ctx context.Context) CleanupResult {
	released := s.registry.TrackedTabIDs()
	s.registry.CleanupAll(ctx)
	s.sessions.ForceDetachAll(ctx)
	slog.Info("controller cleanup done", "released", len(released))
	return CleanupResult{Released: released}
}
