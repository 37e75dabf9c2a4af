package lookup

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// Defaults mirror how the antping result page actually behaves: it renders
// asynchronously behind a spinner and a percentage counter, and reports a
// hard 24h ban in page text rather than via status codes.
var (
	DefaultBlockedMarkers  = []string{"请求次数超过限制", "24小时后重试"}
	DefaultLoadingMarkers  = []string{"Loading", "ant-spin-spinning"}
	DefaultNoRecordMarkers = []string{"0 个 IP", "0个IP"}
)

var progressPattern = regexp.MustCompile(`(\d+)%`)

// errBlockedStatus marks an HTTP status that already proves a rate limit,
// before any page content is inspected.
var errBlockedStatus = errors.New("lookup: blocked by status code")

// Config configures the antping page client. All marker lists are
// configurable because the detection heuristic is tied to the service's
// current markup and will need replacing when that markup changes.
type Config struct {
	BaseURL      string
	HTTPClient   *http.Client
	UserAgent    string
	PollInterval time.Duration
	SettleDelay  time.Duration
	StableChecks int

	BlockedMarkers  []string
	LoadingMarkers  []string
	NoRecordMarkers []string
}

// AntpingClient resolves AAAA answers by polling the antping DNS result page
// until it finishes rendering. It implements Client.
type AntpingClient struct {
	cfg Config
}

// NewAntpingClient creates a client with defaults filled in.
func NewAntpingClient(cfg Config) *AntpingClient {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = 2 * time.Second
	}
	if cfg.StableChecks <= 0 {
		cfg.StableChecks = 2
	}
	if len(cfg.BlockedMarkers) == 0 {
		cfg.BlockedMarkers = DefaultBlockedMarkers
	}
	if len(cfg.LoadingMarkers) == 0 {
		cfg.LoadingMarkers = DefaultLoadingMarkers
	}
	if len(cfg.NoRecordMarkers) == 0 {
		cfg.NoRecordMarkers = DefaultNoRecordMarkers
	}
	return &AntpingClient{cfg: cfg}
}

// Lookup polls the result page for domain until the loading indicator is gone
// and the extracted address set is stable, then classifies what it sees.
// The caller bounds the whole wait through ctx; hitting the deadline yields a
// Timeout outcome, not an error.
func (c *AntpingClient) Lookup(ctx context.Context, domain string) (Outcome, error) {
	query := url.Values{}
	query.Set("host", domain)
	query.Set("type", "AAAA")
	pageURL := c.cfg.BaseURL + "?" + query.Encode()

	var lastAddrs []string
	stable := 0
	emptyPolls := 0

	for {
		text, err := c.fetchText(ctx, pageURL)
		if err != nil {
			if errors.Is(err, errBlockedStatus) {
				return Outcome{Kind: Blocked}, nil
			}
			if ctx.Err() != nil {
				return Outcome{Kind: Timeout}, nil
			}
			return Outcome{Kind: Transient}, nil
		}

		if containsAny(text, c.cfg.BlockedMarkers) {
			return Outcome{Kind: Blocked}, nil
		}

		if c.stillLoading(text) {
			if !sleepCtx(ctx, c.cfg.PollInterval) {
				return Outcome{Kind: Timeout}, nil
			}
			continue
		}

		// Loading finished; give the page a moment to render the answer rows.
		if !sleepCtx(ctx, c.cfg.SettleDelay) {
			return c.finish(lastAddrs), nil
		}
		text, err = c.fetchText(ctx, pageURL)
		if err != nil {
			if errors.Is(err, errBlockedStatus) {
				return Outcome{Kind: Blocked}, nil
			}
			if ctx.Err() != nil {
				return c.finish(lastAddrs), nil
			}
			return Outcome{Kind: Transient}, nil
		}

		addrs := ExtractIPv6(text)
		switch {
		case len(addrs) > 0:
			if len(addrs) == len(lastAddrs) && equal(addrs, lastAddrs) {
				stable++
				if stable >= c.cfg.StableChecks {
					return Outcome{Kind: Success, Addrs: addrs}, nil
				}
			} else {
				stable = 1
			}
			lastAddrs = addrs
		case containsAny(text, c.cfg.NoRecordMarkers):
			return Outcome{Kind: Empty}, nil
		default:
			// No addresses and no explicit zero-count marker; the answer rows
			// may still be rendering.
			emptyPolls++
			if emptyPolls >= c.cfg.StableChecks+1 {
				return Outcome{Kind: Empty}, nil
			}
		}

		if !sleepCtx(ctx, c.cfg.PollInterval) {
			return c.finish(lastAddrs), nil
		}
	}
}

// Close releases the pooled connections that make up the lookup session.
func (c *AntpingClient) Close() error {
	c.cfg.HTTPClient.CloseIdleConnections()
	return nil
}

// finish resolves the outcome when the deadline expires mid-poll: a stable-ish
// result beats reporting a timeout for a page that clearly had answers.
func (c *AntpingClient) finish(lastAddrs []string) Outcome {
	if len(lastAddrs) > 0 {
		return Outcome{Kind: Success, Addrs: lastAddrs}
	}
	return Outcome{Kind: Timeout}
}

func (c *AntpingClient) stillLoading(text string) bool {
	if containsAny(text, c.cfg.LoadingMarkers) {
		return true
	}
	if m := progressPattern.FindStringSubmatch(text); m != nil {
		if pct, err := strconv.Atoi(m[1]); err == nil && pct < 100 {
			return true
		}
	}
	return false
}

func (c *AntpingClient) fetchText(ctx context.Context, pageURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", err
	}
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusForbidden {
		return "", errBlockedStatus
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("lookup: unexpected status %s", resp.Status)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return "", err
	}
	doc.Find("script,style,noscript").Remove()
	return doc.Text(), nil
}

func containsAny(text string, markers []string) bool {
	for _, m := range markers {
		if m != "" && strings.Contains(text, m) {
			return true
		}
	}
	return false
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// sleepCtx waits for d or until ctx is done; returns false when interrupted.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
