package cli

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jessevdk/go-flags"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration
type Config struct {
	// Input/Output
	InputFile    string `short:"i" long:"input" description:"Input .xlsx workbook with domains in column A" required:"true" yaml:"input"`
	OutputFile   string `short:"o" long:"output" description:"Output workbook (defaults to <input>_with_ipv6.xlsx)" yaml:"output"`
	SheetName    string `long:"sheet" description:"Worksheet name (defaults to the active sheet)" yaml:"sheet"`
	ResultHeader string `long:"result-header" description:"Header of the result column" default:"AAAA (live)" yaml:"result_header"`
	ProgressDir  string `long:"progress-dir" description:"Directory for progress and dedup files" default:"." yaml:"progress_dir"`
	JournalFile  string `long:"journal" description:"JSONL journal of per-row outcomes (empty disables)" default:"lookups.jsonl" yaml:"journal"`

	// Crawl window
	StartIndex int  `long:"start-index" description:"First zero-based row index to process" default:"0" yaml:"start_index"`
	EndIndex   int  `long:"end-index" description:"Last zero-based row index to process (-1 = end of sheet)" default:"-1" yaml:"end_index"`
	Restart    bool `long:"restart" description:"Ignore saved progress and start over" yaml:"restart"`
	Rotated    bool `long:"rotated" description:"Assert the exit IP was rotated since the last run; clears the saved per-IP counter" yaml:"rotated"`

	// Rate limiting / retries
	RequestsPerIP int `long:"requests-per-ip" description:"Lookups per exit IP before pausing for rotation (0 = unlimited)" default:"20" yaml:"requests_per_ip"`
	RetryCeiling  int `long:"retries" description:"Total attempts per row before it is marked failed" default:"3" yaml:"retries"`
	RetryBackoff  int `long:"retry-backoff" description:"Seconds between attempts on the same row" default:"3" yaml:"retry_backoff"`
	RequestDelay  int `long:"request-delay" description:"Politeness delay between rows in seconds" default:"3" yaml:"request_delay"`
	RowTimeout    int `long:"row-timeout" description:"Per-row lookup deadline in seconds" default:"120" yaml:"row_timeout"`
	PersistEvery  int `long:"persist-every" description:"Save progress every N committed rows" default:"1" yaml:"persist_every"`
	FlushEvery    int `long:"flush-every" description:"Save the workbook every N committed rows" default:"10" yaml:"flush_every"`

	// Lookup service
	ServiceURL     string   `long:"service-url" description:"DNS lookup page base URL" default:"https://antping.com/dns" yaml:"service_url"`
	HTTPTimeout    int      `long:"http-timeout" description:"HTTP request timeout in seconds" default:"30" yaml:"http_timeout"`
	PollInterval   int      `long:"poll-interval" description:"Seconds between result page polls" default:"3" yaml:"poll_interval"`
	BlockedMarkers []string `long:"blocked-marker" description:"Page text that indicates a rate-limit ban (repeatable)" yaml:"blocked_markers"`

	// Proxy / rotation
	ProxyURL    string `long:"proxy" description:"HTTP proxy endpoint for lookups (empty disables)" yaml:"proxy"`
	AutoRotate  bool   `long:"auto-rotate" description:"Rotate the Clash exit node and continue when the budget runs out" yaml:"auto_rotate"`
	ClashAPI    string `long:"clash-api" description:"Clash controller API address" default:"http://127.0.0.1:9090" yaml:"clash_api"`
	ClashGroup  string `long:"clash-group" description:"Clash selector group to rotate" default:"GLOBAL" yaml:"clash_group"`
	ClashSecret string `long:"clash-secret" description:"Clash controller API secret" yaml:"clash_secret"`

	// Dedup
	BloomFilterSize uint64  `long:"bloom-size" description:"Bloom filter size (number of expected domains)" default:"1000000" yaml:"bloom_size"`
	BloomFilterFP   float64 `long:"bloom-fp" description:"Bloom filter false positive rate" default:"0.01" yaml:"bloom_fp"`

	// UI / observability
	ShowDashboard bool   `long:"dashboard" description:"Show interactive TUI dashboard" yaml:"dashboard"`
	MetricsAddr   string `long:"metrics-addr" description:"Prometheus exporter listen address (empty disables)" yaml:"metrics_addr"`
	Version       bool   `short:"v" long:"version" description:"Print version and exit" yaml:"-"`

	ConfigFile string `short:"c" long:"config" description:"YAML file with configuration defaults" yaml:"-"`

	// Real durations (not parsed from flags directly)
	RetryBackoffDuration time.Duration `no-flag:"true" yaml:"-"`
	RequestDelayDuration time.Duration `no-flag:"true" yaml:"-"`
	RowTimeoutDuration   time.Duration `no-flag:"true" yaml:"-"`
	HTTPTimeoutDuration  time.Duration `no-flag:"true" yaml:"-"`
	PollIntervalDuration time.Duration `no-flag:"true" yaml:"-"`

	// Real bloom filter size (uint)
	RealBloomFilterSize uint `no-flag:"true" yaml:"-"`
}

// ParseFlags parses command line flags, layered over an optional YAML config
// file: explicit flags win over the file, the file wins over built-in defaults.
func ParseFlags() (*Config, error) {
	cfg := &Config{}

	parser := flags.NewParser(cfg, flags.Default)
	parser.Usage = "[OPTIONS]"

	if _, err := parser.Parse(); err != nil {
		if flags.WroteHelp(err) {
			os.Exit(0)
		}
		return nil, err
	}

	if cfg.ConfigFile != "" {
		layered := &Config{}
		data, err := os.ReadFile(cfg.ConfigFile)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, layered); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", cfg.ConfigFile, err)
		}
		// Re-parse so explicit flags override file values.
		reparser := flags.NewParser(layered, flags.Default)
		if _, err := reparser.Parse(); err != nil {
			return nil, err
		}
		cfg = layered
	}

	if cfg.OutputFile == "" {
		cfg.OutputFile = derivedOutputPath(cfg.InputFile)
	}

	cfg.RetryBackoffDuration = time.Duration(cfg.RetryBackoff) * time.Second
	cfg.RequestDelayDuration = time.Duration(cfg.RequestDelay) * time.Second
	cfg.RowTimeoutDuration = time.Duration(cfg.RowTimeout) * time.Second
	cfg.HTTPTimeoutDuration = time.Duration(cfg.HTTPTimeout) * time.Second
	cfg.PollIntervalDuration = time.Duration(cfg.PollInterval) * time.Second
	cfg.RealBloomFilterSize = uint(cfg.BloomFilterSize)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if !strings.HasSuffix(strings.ToLower(c.InputFile), ".xlsx") {
		return fmt.Errorf("input must be an .xlsx workbook, got %s", c.InputFile)
	}

	if c.StartIndex < 0 {
		return fmt.Errorf("start index must be >= 0, got %d", c.StartIndex)
	}

	if c.EndIndex >= 0 && c.EndIndex < c.StartIndex {
		return fmt.Errorf("end index %d is before start index %d", c.EndIndex, c.StartIndex)
	}

	if c.RequestsPerIP < 0 {
		return fmt.Errorf("requests per IP must be >= 0, got %d", c.RequestsPerIP)
	}

	if c.RetryCeiling <= 0 {
		return fmt.Errorf("retry ceiling must be > 0, got %d", c.RetryCeiling)
	}

	if c.RowTimeoutDuration <= 0 {
		return fmt.Errorf("row timeout must be > 0, got %s", c.RowTimeoutDuration)
	}

	if c.HTTPTimeoutDuration <= 0 {
		return fmt.Errorf("HTTP timeout must be > 0, got %s", c.HTTPTimeoutDuration)
	}

	if c.PersistEvery <= 0 {
		return fmt.Errorf("persist interval must be > 0 rows, got %d", c.PersistEvery)
	}

	if c.FlushEvery <= 0 {
		return fmt.Errorf("flush interval must be > 0 rows, got %d", c.FlushEvery)
	}

	if c.BloomFilterFP <= 0 || c.BloomFilterFP >= 1 {
		return fmt.Errorf("bloom filter false positive rate must be between 0 and 1, got %f", c.BloomFilterFP)
	}

	if c.AutoRotate && c.ClashGroup == "" {
		return fmt.Errorf("auto-rotate requires a clash selector group")
	}

	return nil
}

// Resume reports whether the run should continue from saved progress.
func (c *Config) Resume() bool {
	return !c.Restart
}

func derivedOutputPath(input string) string {
	ext := ".xlsx"
	base := strings.TrimSuffix(input, ext)
	return base + "_with_ipv6" + ext
}
