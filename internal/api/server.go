// Package api serves the injector's status and control endpoints.
package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/dgnsrekt/markbridge/internal/injector"
	"github.com/dgnsrekt/markbridge/internal/relay"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Service is the injector surface exposed over HTTP.
type Service interface {
	Tabs() []injector.Tab
	TrackedTabs() []injector.TabID
	InjectIntoAllMatchingTabs(ctx context.Context) error
	InjectTab(ctx context.Context, id injector.TabID) injector.Outcome
	IsLoaded(ctx context.Context, id injector.TabID) bool
}

type tabIDInput struct {
	TabID int `path:"tab_id" minimum:"1" doc:"Host-assigned tab id"`
}

type tabStatus struct {
	ID      injector.TabID `json:"id"`
	URL     string         `json:"url"`
	Tracked bool           `json:"tracked"`
}

type tabsOutput struct {
	Body struct {
		Tabs    []tabStatus      `json:"tabs"`
		Tracked []injector.TabID `json:"tracked"`
	}
}

type injectAllOutput struct {
	Body struct {
		Status  string           `json:"status"`
		Tracked []injector.TabID `json:"tracked"`
	}
}

type injectTabOutput struct {
	Body struct {
		TabID   injector.TabID `json:"tab_id"`
		Outcome string         `json:"outcome" enum:"injected,already_loaded,restricted,failed"`
	}
}

type loadedOutput struct {
	Body struct {
		TabID  injector.TabID `json:"tab_id"`
		Loaded bool           `json:"loaded"`
	}
}

type healthOutput struct {
	Body struct {
		Status     string `json:"status"`
		Tracked    int    `json:"tracked"`
		SSEClients int    `json:"sse_clients"`
	}
}

const apiTitle = "markbridge injector API"

// NewServer builds the HTTP handler. broker may be nil, in which case the
// event stream route is not mounted.
func NewServer(svc Service, broker *relay.Broker) http.Handler {
	router := chi.NewMux()
	router.Use(middleware.RequestID)
	router.Use(requestLogger)
	router.Use(middleware.Recoverer)

	cfg := huma.DefaultConfig(apiTitle, "1.0.0")
	cfg.DocsPath = ""
	api := humachi.New(router, cfg)

	router.Get("/docs", docsHandler(apiTitle, "/openapi.json"))
	if broker != nil {
		router.Get("/api/v1/events", relay.SSEHandler(broker))
	}

	huma.Register(api, huma.Operation{OperationID: "health", Method: http.MethodGet, Path: "/health", Summary: "Health check", Tags: []string{"Health"}},
		func(ctx context.Context, input *struct{}) (*healthOutput, error) {
			out := &healthOutput{}
			out.Body.Status = "ok"
			out.Body.Tracked = len(svc.TrackedTabs())
			if broker != nil {
				out.Body.SSEClients = broker.ClientCount()
			}
			return out, nil
		})

	huma.Register(api, huma.Operation{OperationID: "list-tabs", Method: http.MethodGet, Path: "/api/v1/tabs", Summary: "List known tabs and which have the bridge loaded", Tags: []string{"Tabs"}},
		func(ctx context.Context, input *struct{}) (*tabsOutput, error) {
			tracked := svc.TrackedTabs()
			set := make(map[injector.TabID]bool, len(tracked))
			for _, id := range tracked {
				set[id] = true
			}
			out := &tabsOutput{}
			out.Body.Tabs = []tabStatus{}
			for _, t := range svc.Tabs() {
				out.Body.Tabs = append(out.Body.Tabs, tabStatus{ID: t.ID, URL: t.URL, Tracked: set[t.ID]})
			}
			out.Body.Tracked = nonNil(tracked)
			return out, nil
		})

	huma.Register(api, huma.Operation{OperationID: "inject-all", Method: http.MethodPost, Path: "/api/v1/inject", Summary: "Inject into every matching tab", Tags: []string{"Inject"}},
		func(ctx context.Context, input *struct{}) (*injectAllOutput, error) {
			if err := svc.InjectIntoAllMatchingTabs(ctx); err != nil {
				return nil, mapErr(err)
			}
			out := &injectAllOutput{}
			out.Body.Status = "ok"
			out.Body.Tracked = nonNil(svc.TrackedTabs())
			return out, nil
		})

	huma.Register(api, huma.Operation{OperationID: "inject-tab", Method: http.MethodPost, Path: "/api/v1/tabs/{tab_id}/inject", Summary: "Inject into one tab", Tags: []string{"Inject"}},
		func(ctx context.Context, input *tabIDInput) (*injectTabOutput, error) {
			id := injector.TabID(input.TabID)
			outcome := svc.InjectTab(ctx, id)
			if outcome == injector.OutcomeTabGone {
				return nil, huma.Error404NotFound("tab not found")
			}
			out := &injectTabOutput{}
			out.Body.TabID = id
			out.Body.Outcome = outcome.String()
			return out, nil
		})

	huma.Register(api, huma.Operation{OperationID: "tab-loaded", Method: http.MethodGet, Path: "/api/v1/tabs/{tab_id}/loaded", Summary: "Check whether the bridge is live in a tab", Tags: []string{"Tabs"}},
		func(ctx context.Context, input *tabIDInput) (*loadedOutput, error) {
			out := &loadedOutput{}
			out.Body.TabID = injector.TabID(input.TabID)
			out.Body.Loaded = svc.IsLoaded(ctx, out.Body.TabID)
			return out, nil
		})

	return router
}

func nonNil(ids []injector.TabID) []injector.TabID {
	if ids == nil {
		return []injector.TabID{}
	}
	return ids
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	switch injector.KindOf(err) {
	case injector.KindTabNotFound:
		return huma.Error404NotFound(err.Error())
	case injector.KindConnectionLost:
		return huma.Error502BadGateway(err.Error())
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return huma.Error504GatewayTimeout(err.Error())
	}
	return huma.Error502BadGateway(err.Error())
}
