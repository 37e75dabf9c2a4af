package rotate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Entries of a Clash selector group that are menu items rather than actual
// exit nodes (traffic info, plan expiry, direct, auto-select, fallback).
var nonNodeMarkers = []string{"流量", "套餐", "重置", "直连", "自动", "故障"}

// Config locates the Clash controller API and the selector group to rotate.
type Config struct {
	APIURL     string
	Secret     string
	Group      string
	HTTPClient *http.Client
}

// Client switches the exit node of a Clash selector group. The crawl
// controller never calls this itself; rotation is an operator-level action
// driven by the CLI layer after a budget or ban pause.
type Client struct {
	cfg Config
}

// NewClient creates a rotation client with defaults filled in.
func NewClient(cfg Config) *Client {
	if cfg.APIURL == "" {
		cfg.APIURL = "http://127.0.0.1:9090"
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 5 * time.Second}
	}
	return &Client{cfg: cfg}
}

func (c *Client) groupURL() string {
	return strings.TrimRight(c.cfg.APIURL, "/") + "/proxies/" + url.PathEscape(c.cfg.Group)
}

func (c *Client) authorize(req *http.Request) {
	if c.cfg.Secret != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Secret)
	}
}

// Proxies lists the selectable exit nodes of the group, with menu entries
// filtered out.
func (c *Client) Proxies(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.groupURL(), nil)
	if err != nil {
		return nil, err
	}
	c.authorize(req)

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rotate: list proxies: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rotate: list proxies: unexpected status %s", resp.Status)
	}

	var payload struct {
		All []string `json:"all"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("rotate: decode proxy list: %w", err)
	}

	var nodes []string
	for _, name := range payload.All {
		if isNode(name) {
			nodes = append(nodes, name)
		}
	}
	return nodes, nil
}

// Switch selects the named node for the group.
func (c *Client) Switch(ctx context.Context, name string) error {
	body, err := json.Marshal(map[string]string{"name": name})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.groupURL(), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("rotate: switch to %s: %w", name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("rotate: switch to %s: unexpected status %s", name, resp.Status)
	}
	return nil
}

// Rotate picks a random node and switches to it, returning the chosen name.
func (c *Client) Rotate(ctx context.Context) (string, error) {
	nodes, err := c.Proxies(ctx)
	if err != nil {
		return "", err
	}
	if len(nodes) == 0 {
		return "", fmt.Errorf("rotate: group %q has no selectable nodes", c.cfg.Group)
	}

	name := nodes[rand.Intn(len(nodes))]
	if err := c.Switch(ctx, name); err != nil {
		return "", err
	}
	return name, nil
}

func isNode(name string) bool {
	for _, marker := range nonNodeMarkers {
		if strings.Contains(name, marker) {
			return false
		}
	}
	return true
}
