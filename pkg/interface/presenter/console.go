package presenter

import (
	"os"
	"sync"

	"github.com/WangYihang/IPv6-Lookup-Crawler/pkg/common"
	"github.com/WangYihang/IPv6-Lookup-Crawler/pkg/crawler"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
)

// ConsoleBar renders run progress as a single mpb bar on stderr for
// non-dashboard mode. Implements crawler.Observer.
type ConsoleBar struct {
	p   *mpb.Progress
	bar *mpb.Bar
	mu  sync.Mutex
}

// NewConsoleBar creates a bar sized to the row total.
func NewConsoleBar(total int) *ConsoleBar {
	width := common.TerminalWidth
	if width <= 0 {
		width = 80
	}

	p := mpb.New(
		mpb.WithOutput(os.Stderr),
		mpb.WithWidth(width/2),
	)
	bar := p.AddBar(int64(total),
		mpb.PrependDecorators(
			decor.Name("rows", decor.WCSyncWidth),
		),
		mpb.AppendDecorators(
			decor.CountersNoUnit("[%d / %d]", decor.WCSyncWidth),
			decor.Percentage(decor.WCSyncSpace),
			decor.OnComplete(
				decor.AverageETA(decor.ET_STYLE_GO, decor.WCSyncSpace), "done",
			),
		),
	)
	return &ConsoleBar{p: p, bar: bar}
}

// OnProgress implements crawler.Observer
func (c *ConsoleBar) OnProgress(s crawler.Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bar.SetCurrent(int64(s.LastCompletedIndex + 1))
}

// Done finalizes the bar; call it once the run has reached a terminal state.
func (c *ConsoleBar) Done() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bar.SetTotal(-1, true)
	c.p.Wait()
}
