//go:build integration

package integration

import (
	"bufio"
	"context"
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestListTabsIncludesTrackedTab(t *testing.T) {
	listing, err := env.listTabs()
	if err != nil {
		t.Fatal(err)
	}
	for _, tab := range listing.Tabs {
		if tab.ID == env.TabID {
			if !tab.Tracked {
				t.Fatalf("tab %d listed as untracked", tab.ID)
			}
			return
		}
	}
	t.Fatalf("tab %d missing from listing %+v", env.TabID, listing.Tabs)
}

func TestTabLoaded(t *testing.T) {
	resp := env.GET(t, env.tabPath("/loaded"))
	requireStatus(t, resp, http.StatusOK)
	result := decodeJSON[struct {
		Loaded bool `json:"loaded"`
	}](t, resp)
	requireField(t, result.Loaded, true, "loaded")
}

func TestInjectTabIsIdempotent(t *testing.T) {
	for i := 0; i < 2; i++ {
		resp := env.POST(t, env.tabPath("/inject"))
		requireStatus(t, resp, http.StatusOK)
		result := decodeJSON[struct {
			Outcome string `json:"outcome"`
		}](t, resp)
		requireField(t, result.Outcome, "already_loaded", "outcome")
	}
}

func TestInjectUnknownTab(t *testing.T) {
	resp := env.POST(t, "/api/v1/tabs/999999/inject")
	requireStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()
}

func TestInjectAllPublishesPassSignal(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, env.BaseURL+"/api/v1/events?kinds=pass", nil)
	if err != nil {
		t.Fatal(err)
	}
	stream, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("open event stream: %v", err)
	}
	defer stream.Body.Close()
	requireStatus(t, stream, http.StatusOK)

	resp := env.POST(t, "/api/v1/inject")
	requireStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	sc := bufio.NewScanner(stream.Body)
	for sc.Scan() {
		if strings.HasPrefix(sc.Text(), "event: pass") {
			return
		}
	}
	t.Fatalf("no pass event received: %v", sc.Err())
}
