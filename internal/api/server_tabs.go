package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/dgnsrekt/tabwarden/internal/controller"
	"github.com/dgnsrekt/tabwarden/internal/registry"
	"github.com/dgnsrekt/tabwarden/internal/types"
)

type tabOutput struct {
	Body controller.TabView
}

type tabIDInput struct {
	TabID int `path:"tab_id" doc:"Browser tab id"`
}

type urlInput struct {
	Body struct {
		URL string `json:"url" required:"true" doc:"Absolute URL to load"`
	}
}

func registerHealthHandlers(api huma.API) {
	type healthOutput struct {
		Body struct {
			Status string `json:"status"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "health", Method: http.MethodGet, Path: "/health", Summary: "Health check", Tags: []string{"Health"}},
		func(ctx context.Context, input *struct{}) (*healthOutput, error) {
			out := &healthOutput{}
			out.Body.Status = "ok"
			return out, nil
		})
}

func registerTabHandlers(api huma.API, svc Service) {
	type listTabsOutput struct {
		Body struct {
			Tabs []controller.TabView `json:"tabs"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "list-tabs", Method: http.MethodGet, Path: "/api/v1/tabs", Summary: "List open tabs", Tags: []string{"Tabs"}},
		func(ctx context.Context, input *struct{}) (*listTabsOutput, error) {
			tabs, err := svc.ListTabs(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &listTabsOutput{}
			out.Body.Tabs = tabs
			return out, nil
		})

	huma.Register(api, huma.Operation{OperationID: "get-current-tab", Method: http.MethodGet, Path: "/api/v1/tabs/current", Summary: "Get or acquire the current tab", Tags: []string{"Tabs"}},
		func(ctx context.Context, input *struct {
			ForceNew bool `query:"force_new" doc:"Open a fresh tab at the home page and make it current"`
		}) (*tabOutput, error) {
			tab, err := svc.CurrentTab(ctx, input.ForceNew)
			if err != nil {
				return nil, mapErr(err)
			}
			return &tabOutput{Body: tab}, nil
		})

	huma.Register(api, huma.Operation{OperationID: "open-tab", Method: http.MethodPost, Path: "/api/v1/tabs", Summary: "Open a tab and make it current", Tags: []string{"Tabs"}},
		func(ctx context.Context, input *urlInput) (*tabOutput, error) {
			tab, err := svc.OpenTab(ctx, input.Body.URL)
			if err != nil {
				return nil, mapErr(err)
			}
			return &tabOutput{Body: tab}, nil
		})

	huma.Register(api, huma.Operation{OperationID: "switch-tab", Method: http.MethodPost, Path: "/api/v1/tabs/{tab_id}/switch", Summary: "Activate a tab and make it current", Tags: []string{"Tabs"}},
		func(ctx context.Context, input *tabIDInput) (*tabOutput, error) {
			tab, err := svc.SwitchTab(ctx, types.TabID(input.TabID))
			if err != nil {
				return nil, mapErr(err)
			}
			return &tabOutput{Body: tab}, nil
		})

	huma.Register(api, huma.Operation{OperationID: "close-tab", Method: http.MethodDelete, Path: "/api/v1/tabs/{tab_id}", Summary: "Close a tab", Tags: []string{"Tabs"}, DefaultStatus: http.StatusNoContent},
		func(ctx context.Context, input *tabIDInput) (*struct{}, error) {
			if err := svc.CloseTab(ctx, types.TabID(input.TabID)); err != nil {
				return nil, mapErr(err)
			}
			return &struct{}{}, nil
		})

	huma.Register(api, huma.Operation{OperationID: "navigate", Method: http.MethodPost, Path: "/api/v1/navigate", Summary: "Navigate the current tab", Tags: []string{"Tabs"}},
		func(ctx context.Context, input *urlInput) (*tabOutput, error) {
			tab, err := svc.Navigate(ctx, input.Body.URL)
			if err != nil {
				return nil, mapErr(err)
			}
			return &tabOutput{Body: tab}, nil
		})

	type stateOutput struct {
		Body registry.BrowserState
	}
	huma.Register(api, huma.Operation{OperationID: "get-state", Method: http.MethodGet, Path: "/api/v1/state", Summary: "Current page state and open tabs", Tags: []string{"Tabs"}},
		func(ctx context.Context, input *struct {
			UseVision bool `query:"use_vision"`
		}) (*stateOutput, error) {
			state, err := svc.BrowserState(ctx, registry.StateOptions{UseVision: input.UseVision})
			if err != nil {
				return nil, mapErr(err)
			}
			return &stateOutput{Body: state}, nil
		})
}

func registerSessionHandlers(api huma.API, svc Service) {
	type sessionsOutput struct {
		Body struct {
			Sessions []controller.SessionView `json:"sessions"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "list-debugger-sessions", Method: http.MethodGet, Path: "/api/v1/debugger", Summary: "Debugger session bookkeeping per tab", Tags: []string{"Debugger"}},
		func(ctx context.Context, input *struct{}) (*sessionsOutput, error) {
			out := &sessionsOutput{}
			out.Body.Sessions = svc.Sessions()
			return out, nil
		})

	type cleanupOutput struct {
		Body controller.CleanupResult
	}
	huma.Register(api, huma.Operation{OperationID: "cleanup", Method: http.MethodPost, Path: "/api/v1/cleanup", Summary: "Detach every session and reset tracking", Tags: []string{"Debugger"}},
		func(ctx context.Context, input *struct{}) (*cleanupOutput, error) {
			return &cleanupOutput{Body: svc.Cleanup(ctx)}, nil
		})
}
