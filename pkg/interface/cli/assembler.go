package cli

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/WangYihang/IPv6-Lookup-Crawler/pkg/budget"
	"github.com/WangYihang/IPv6-Lookup-Crawler/pkg/common"
	"github.com/WangYihang/IPv6-Lookup-Crawler/pkg/crawler"
	"github.com/WangYihang/IPv6-Lookup-Crawler/pkg/dedup"
	"github.com/WangYihang/IPv6-Lookup-Crawler/pkg/journal"
	"github.com/WangYihang/IPv6-Lookup-Crawler/pkg/lookup"
	"github.com/WangYihang/IPv6-Lookup-Crawler/pkg/metrics"
	"github.com/WangYihang/IPv6-Lookup-Crawler/pkg/progress"
	"github.com/WangYihang/IPv6-Lookup-Crawler/pkg/rotate"
	"github.com/WangYihang/IPv6-Lookup-Crawler/pkg/sheet"
)

// Assembler assembles all components for the application
type Assembler struct {
	config *Config
}

// NewAssembler creates a new assembler
func NewAssembler(config *Config) *Assembler {
	return &Assembler{config: config}
}

// App is the fully wired application: the crawl controller plus the
// operator-level collaborators (rotation, dedup persistence) that live
// outside the controller by design.
type App struct {
	Config     *Config
	Controller *crawler.Controller
	Rotator    *rotate.Client
	RowCount   int

	cache     *dedup.Cache
	cachePM   *dedup.PersistenceManager
	bloomPath string
	sink      *sheet.Sink
	journal   *journal.Writer
	client    *lookup.AntpingClient
}

// sinkSource picks the workbook the result sink opens. A resumed run re-opens
// the previous output when it exists: resume never re-looks-up committed rows,
// so their values must come from the file that already has them. The domain
// list itself is always read from the input.
func sinkSource(cfg *Config) string {
	if cfg.Resume() {
		if _, err := os.Stat(cfg.OutputFile); err == nil {
			return cfg.OutputFile
		}
	}
	return cfg.InputFile
}

// Assemble wires the controller with all its dependencies. The observer may
// be nil (plain console mode attaches one later via the returned App).
func (a *Assembler) Assemble(observer crawler.Observer) (*App, error) {
	cfg := a.config
	runID := progress.RunIDFromPath(cfg.InputFile)

	rows, err := sheet.ReadRows(cfg.InputFile, cfg.SheetName)
	if err != nil {
		return nil, fmt.Errorf("failed to load domain rows: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("no domain rows found in %s", cfg.InputFile)
	}

	sink, err := sheet.NewSink(sinkSource(cfg), cfg.OutputFile, cfg.SheetName, cfg.ResultHeader)
	if err != nil {
		return nil, fmt.Errorf("failed to create result sink: %w", err)
	}

	proxyURL := cfg.ProxyURL
	if proxyURL != "" && !common.CheckProxyAvailable(proxyURL, time.Second) {
		fmt.Fprintf(os.Stderr, "Warning: proxy %s is unreachable, continuing without it\n", proxyURL)
		proxyURL = ""
	}

	httpClient, err := common.NewHTTPClient(common.ClientConfig{
		Timeout:  cfg.HTTPTimeoutDuration,
		ProxyURL: proxyURL,
	})
	if err != nil {
		sink.Close()
		return nil, fmt.Errorf("failed to create HTTP client: %w", err)
	}

	client := lookup.NewAntpingClient(lookup.Config{
		BaseURL:        cfg.ServiceURL,
		HTTPClient:     httpClient,
		UserAgent:      common.GetRandomUserAgent(),
		PollInterval:   cfg.PollIntervalDuration,
		BlockedMarkers: cfg.BlockedMarkers,
	})

	store := progress.NewStore(cfg.ProgressDir)
	tracker := budget.NewTracker(cfg.RequestsPerIP)

	cache := dedup.NewCache(cfg.RealBloomFilterSize, cfg.BloomFilterFP)
	bloomPath := filepath.Join(cfg.ProgressDir, runID+".bloom")
	if err := cache.LoadFromFile(bloomPath); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "Warning: failed to load dedup filter: %v\n", err)
	}
	cachePM := dedup.NewPersistenceManager(cache, time.Minute)
	cachePM.StartPeriodicSave(bloomPath)

	var m *metrics.Metrics
	if cfg.MetricsAddr != "" {
		m = metrics.New()
		go func() {
			if err := metrics.Exporter(cfg.MetricsAddr); err != nil {
				log.Printf("metrics exporter: %v", err)
			}
		}()
	}

	var jw *journal.Writer
	if cfg.JournalFile != "" {
		jw, err = journal.NewWriter(cfg.JournalFile)
		if err != nil {
			sink.Close()
			cachePM.Stop()
			return nil, fmt.Errorf("failed to open journal: %w", err)
		}
	}

	controller := crawler.New(crawler.Config{
		RunID:             runID,
		StartIndex:        cfg.StartIndex,
		EndIndex:          cfg.EndIndex,
		Resume:            cfg.Resume(),
		RotationConfirmed: cfg.Rotated,
		RetryCeiling:      cfg.RetryCeiling,
		RetryBackoff:      cfg.RetryBackoffDuration,
		RowTimeout:        cfg.RowTimeoutDuration,
		RequestDelay:      cfg.RequestDelayDuration,
		PersistEvery:      cfg.PersistEvery,
		FlushEvery:        cfg.FlushEvery,
	}, crawler.Deps{
		Rows:     rows,
		Client:   client,
		Sink:     sink,
		Store:    store,
		Tracker:  tracker,
		Cache:    cache,
		Journal:  jw,
		Metrics:  m,
		Observer: observer,
	})

	var rotator *rotate.Client
	if cfg.AutoRotate {
		rotator = rotate.NewClient(rotate.Config{
			APIURL: cfg.ClashAPI,
			Secret: cfg.ClashSecret,
			Group:  cfg.ClashGroup,
		})
	}

	return &App{
		Config:     cfg,
		Controller: controller,
		Rotator:    rotator,
		RowCount:   len(rows),
		cache:      cache,
		cachePM:    cachePM,
		bloomPath:  bloomPath,
		sink:       sink,
		journal:    jw,
		client:     client,
	}, nil
}

// Run executes the crawl. With auto-rotate enabled, a budget pause rotates
// the Clash exit node, confirms the rotation to the controller and resumes;
// every other terminal status is returned to the caller as-is.
func (app *App) Run(ctx context.Context) (crawler.Report, error) {
	for {
		report, err := app.Controller.Run(ctx)
		if report.Status != crawler.StatusPausedBudget || app.Rotator == nil || ctx.Err() != nil {
			return report, err
		}

		node, rerr := app.Rotator.Rotate(ctx)
		if rerr != nil {
			log.Printf("auto-rotate failed, staying paused: %v", rerr)
			return report, err
		}
		log.Printf("switched exit node to %q, resuming at row %d", node, report.NextIndex)

		// Give the proxy a moment to settle on the new node.
		select {
		case <-ctx.Done():
			return report, err
		case <-time.After(3 * time.Second):
		}

		if cerr := app.Controller.ConfirmRotation(); cerr != nil {
			log.Printf("failed to persist budget reset: %v", cerr)
			return report, err
		}
	}
}

// Close releases every resource acquired during assembly, on all exit paths.
func (app *App) Close() {
	app.cachePM.Stop()
	if err := app.cache.SaveToFile(app.bloomPath); err != nil {
		log.Printf("failed to save dedup filter: %v", err)
	}
	if app.journal != nil {
		app.journal.Close()
	}
	app.client.Close()
	app.sink.Close()
}
