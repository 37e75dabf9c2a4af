package rotate

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
)

func newFakeClash(t *testing.T, nodes []string) (*httptest.Server, *string) {
	t.Helper()
	var selected string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/proxies/GLOBAL" {
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer s3cret" {
			t.Errorf("Authorization = %q, want bearer token", got)
		}

		switch r.Method {
		case http.MethodGet:
			json.NewEncoder(w).Encode(map[string]any{"all": nodes, "now": selected})
		case http.MethodPut:
			body, _ := io.ReadAll(r.Body)
			var payload struct {
				Name string `json:"name"`
			}
			if err := json.Unmarshal(body, &payload); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			selected = payload.Name
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}))
	return server, &selected
}

func TestProxiesFiltersMenuEntries(t *testing.T) {
	server, _ := newFakeClash(t, []string{
		"剩余流量：100GB",
		"套餐到期：2026-01-01",
		"距离下次重置剩余：10 天",
		"直连",
		"自动选择",
		"故障转移",
		"香港 01",
		"日本 02",
	})
	defer server.Close()

	client := NewClient(Config{APIURL: server.URL, Secret: "s3cret", Group: "GLOBAL"})
	nodes, err := client.Proxies(context.Background())
	if err != nil {
		t.Fatalf("Proxies failed: %v", err)
	}

	want := []string{"香港 01", "日本 02"}
	if !reflect.DeepEqual(nodes, want) {
		t.Errorf("nodes = %v, want %v", nodes, want)
	}
}

func TestSwitchSelectsNode(t *testing.T) {
	server, selected := newFakeClash(t, []string{"香港 01"})
	defer server.Close()

	client := NewClient(Config{APIURL: server.URL, Secret: "s3cret", Group: "GLOBAL"})
	if err := client.Switch(context.Background(), "香港 01"); err != nil {
		t.Fatalf("Switch failed: %v", err)
	}
	if *selected != "香港 01" {
		t.Errorf("selected = %q, want 香港 01", *selected)
	}
}

func TestRotatePicksSelectableNode(t *testing.T) {
	server, selected := newFakeClash(t, []string{"自动选择", "香港 01", "日本 02"})
	defer server.Close()

	client := NewClient(Config{APIURL: server.URL, Secret: "s3cret", Group: "GLOBAL"})
	name, err := client.Rotate(context.Background())
	if err != nil {
		t.Fatalf("Rotate failed: %v", err)
	}
	if name != "香港 01" && name != "日本 02" {
		t.Errorf("rotated to menu entry %q", name)
	}
	if *selected != name {
		t.Errorf("server selected %q, client reported %q", *selected, name)
	}
}

func TestRotateNoSelectableNodes(t *testing.T) {
	server, _ := newFakeClash(t, []string{"自动选择", "剩余流量：1GB"})
	defer server.Close()

	client := NewClient(Config{APIURL: server.URL, Secret: "s3cret", Group: "GLOBAL"})
	if _, err := client.Rotate(context.Background()); err == nil {
		t.Fatalf("expected an error when only menu entries are selectable")
	}
}

func TestProxiesUnexpectedStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	client := NewClient(Config{APIURL: server.URL, Group: "GLOBAL"})
	if _, err := client.Proxies(context.Background()); err == nil {
		t.Fatalf("expected an error for a 401 response")
	}
}
