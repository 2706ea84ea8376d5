package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/dgnsrekt/tabwarden/internal/cdpcontrol"
	"github.com/dgnsrekt/tabwarden/internal/controller"
	"github.com/dgnsrekt/tabwarden/internal/registry"
	"github.com/dgnsrekt/tabwarden/internal/types"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type Service interface {
	ListTabs(ctx context.Context) ([]controller.TabView, error)
	CurrentTab(ctx context.Context, forceNewTab bool) (controller.TabView, error)
	OpenTab(ctx context.Context, url string) (controller.TabView, error)
	SwitchTab(ctx context.Context, id types.TabID) (controller.TabView, error)
	CloseTab(ctx context.Context, id types.TabID) error
	Navigate(ctx context.Context, url string) (controller.TabView, error)
	BrowserState(ctx context.Context, opts registry.StateOptions) (registry.BrowserState, error)
	Sessions() []controller.SessionView
	Cleanup(ctx context.Context) controller.CleanupResult
}

// NewServer builds the API router. events, when set, is mounted at
// /api/v1/events to stream tab events.
func NewServer(svc Service, events http.Handler) http.Handler {
	router := chi.NewMux()
	router.Use(middleware.RequestID)
	router.Use(requestLogger)
	router.Use(middleware.Recoverer)

	cfg := huma.DefaultConfig("tabwarden API", "1.0.0")
	cfg.DocsPath = ""
	api := humachi.New(router, cfg)

	page := docsPage{Title: cfg.Info.Title, SpecURL: "/openapi.json"}
	if events != nil {
		page.EventsURL = "/api/v1/events"
		router.Method(http.MethodGet, page.EventsURL, events)
	}
	docs := renderDocs(page)
	router.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if _, err := w.Write(docs); err != nil {
			slog.Debug("docs response write failed", "error", err)
		}
	})

	registerHealthHandlers(api)
	registerTabHandlers(api, svc)
	registerSessionHandlers(api, svc)

	return router
}

// mapErr turns coded errors into HTTP problems. Registry codes are checked
// first since they wrap backend errors as their cause.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var regErr *registry.CodedError
	if errors.As(err, &regErr) {
		switch regErr.Code {
		case registry.CodeValidation:
			return huma.Error400BadRequest(regErr.Message)
		case registry.CodePolicyRejected:
			return huma.Error403Forbidden(regErr.Message)
		case registry.CodeResourceUnavailable:
			return huma.Error404NotFound(regErr.Message)
		case registry.CodeSettleTimeout:
			return huma.Error504GatewayTimeout(regErr.Message)
		default:
			return huma.Error500InternalServerError(fmt.Sprintf("%s: %s", regErr.Code, regErr.Message))
		}
	}
	var cdpErr *cdpcontrol.CodedError
	if errors.As(err, &cdpErr) {
		switch cdpErr.Code {
		case cdpcontrol.CodeTabNotFound:
			return huma.Error404NotFound(cdpErr.Message)
		case cdpcontrol.CodeEvalTimeout:
			return huma.Error504GatewayTimeout(cdpErr.Message)
		case cdpcontrol.CodeCDPUnavailable, cdpcontrol.CodeProtocol, cdpcontrol.CodeEvalFailure:
			return huma.Error502BadGateway(cdpErr.Message)
		default:
			return huma.Error500InternalServerError(fmt.Sprintf("%s: %s", cdpErr.Code, cdpErr.Message))
		}
	}
	return huma.Error500InternalServerError(err.Error())
}
