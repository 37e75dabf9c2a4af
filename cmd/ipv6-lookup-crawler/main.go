package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/WangYihang/IPv6-Lookup-Crawler/pkg/common"
	"github.com/WangYihang/IPv6-Lookup-Crawler/pkg/crawler"
	"github.com/WangYihang/IPv6-Lookup-Crawler/pkg/interface/cli"
	"github.com/WangYihang/IPv6-Lookup-Crawler/pkg/interface/presenter"
	tea "github.com/charmbracelet/bubbletea"
)

func main() {
	os.Exit(run())
}

// run carries the whole program so deferred cleanup (dedup filter save,
// journal close) still happens before the exit code is set.
func run() int {
	// Parse command line flags
	config, err := cli.ParseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if config.Version {
		fmt.Println(common.PV.String())
		return 0
	}

	// Create assembler
	assembler := cli.NewAssembler(config)

	// Assemble the crawl controller with all dependencies
	app, err := assembler.Assemble(nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer app.Close()

	// Setup context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle interrupt signals; the controller finishes the in-flight row,
	// persists progress and then stops.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		fmt.Fprintln(os.Stderr, "\nReceived interrupt signal, finishing the current row...")
		cancel()
	}()

	var report crawler.Report

	if config.ShowDashboard {
		dashboard := presenter.NewDashboard()
		app.Controller.SetObserver(dashboard)

		p := tea.NewProgram(dashboard, tea.WithAltScreen())

		// Run crawl in background
		done := make(chan struct{})
		go func() {
			defer close(done)
			report, _ = app.Run(ctx)
			p.Quit()
		}()

		// Start TUI
		if _, err := p.Run(); err != nil {
			fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
			return 1
		}

		// A user quit reaches here with the crawl still on its current row;
		// cancel and wait for it to persist before touching report or closing.
		cancel()
		<-done
	} else {
		fmt.Fprintln(os.Stderr, "Starting IPv6 lookup crawl...")
		bar := presenter.NewConsoleBar(app.RowCount)
		app.Controller.SetObserver(bar)

		report, _ = app.Run(ctx)
		bar.Done()
	}

	fmt.Fprintf(os.Stderr, "Run finished: %s (last completed row %d)\n",
		report.Status, report.LastCompletedIndex)
	fmt.Fprintf(os.Stderr, "success=%d no-record=%d failed=%d skipped=%d duplicate=%d\n",
		report.Counters.Success, report.Counters.Empty, report.Counters.Failed,
		report.Counters.Skipped, report.Counters.Duplicate)

	switch {
	case report.Status == crawler.StatusCompleted:
		return 0
	case report.Status.Recoverable():
		fmt.Fprintln(os.Stderr, "Rotate the exit IP (or wait out the ban window), then re-run with --rotated to resume.")
		return 2
	default:
		if report.Err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", report.Err)
		}
		return 1
	}
}
