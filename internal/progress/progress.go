// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package progress displays the progress of an epoch on the terminal: a progress bar over the batches,
// and a table with the current metrics (e.g.: nll, bpd and lr) below it.
//
// Updates are drawn asynchronously, so a slow terminal never holds back the training.
package progress

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
)

// Metric is a name and its current formatted value.
type Metric struct {
	Name, Value string
}

// MaxUpdateFrequency is the minimum time between terminal redraws.
var MaxUpdateFrequency = time.Millisecond * 200

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	tableBorderColor  = "#705090"
)

type update struct {
	amount, done int
	metrics      []Metric
}

// Bar displays the progress over a known number of steps (batches).
type Bar struct {
	out        io.Writer
	termenv    *termenv.Output
	bar        *progressbar.ProgressBar
	statsStyle lipgloss.Style
	statsTable *lgtable.Table

	numSteps, done  int
	numLinesPrinted int
	updates         chan update
	drawerDone      sync.WaitGroup
	start           time.Time
}

// New creates and starts drawing a progress Bar to out, titled description, for numSteps steps.
// Call Finish at the end.
func New(out io.Writer, description string, numSteps int) *Bar {
	b := &Bar{
		out:        out,
		termenv:    termenv.NewOutput(out),
		numSteps:   numSteps,
		statsStyle: lipgloss.NewStyle().PaddingLeft(8),
		updates:    make(chan update, 100),
		start:      time.Now(),
	}
	b.statsTable = lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return rightAlignedStyle
			}
			return normalStyle
		})
	b.bar = progressbar.NewOptions(numSteps,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWriter(out),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("batches"),
		progressbar.OptionSetTheme(progressbar.ThemeASCII),
	)
	b.drawerDone.Add(1)
	go b.drawLoop()
	return b
}

// Update advances the bar by amount steps, and sets the metrics displayed.
func (b *Bar) Update(amount int, metrics ...Metric) {
	b.done += amount
	b.updates <- update{amount: amount, done: b.done, metrics: metrics}
}

// Finish waits for pending updates to be drawn and ends the display.
func (b *Bar) Finish() {
	close(b.updates)
	b.drawerDone.Wait()
	_ = b.bar.Finish()
	_, _ = fmt.Fprintln(b.out)
}

// drawLoop draws the updates as they come, collapsing the ones that accumulated while drawing.
func (b *Bar) drawLoop() {
	defer b.drawerDone.Done()
	for u := range b.updates {
		amount := u.amount
	exhaust:
		for {
			select {
			case next, ok := <-b.updates:
				if !ok {
					break exhaust
				}
				amount += next.amount
				u = next
			default:
				break exhaust
			}
		}
		b.draw(amount, u.done, u.metrics)
		time.Sleep(MaxUpdateFrequency)
	}
}

func (b *Bar) draw(amount, done int, metrics []Metric) {
	b.statsTable.Data(lgtable.NewStringData())
	b.statsTable.Row("Batch", fmt.Sprintf("%s of %s", humanize.Comma(int64(done)), humanize.Comma(int64(b.numSteps))))
	b.statsTable.Row("Elapsed", commandline.FormatDuration(time.Since(b.start)))
	for _, m := range metrics {
		b.statsTable.Row(m.Name, m.Value)
	}
	b.termenv.HideCursor()
	if b.numLinesPrinted > 0 {
		b.termenv.CursorPrevLine(b.numLinesPrinted)
	}
	_, _ = fmt.Fprintln(b.out, b.statsStyle.Render(b.statsTable.String()))
	_ = b.bar.Add(amount)
	_, _ = fmt.Fprintln(b.out)
	b.termenv.ShowCursor()
	// Table rows plus its top and bottom borders, plus the bar line.
	b.numLinesPrinted = 2 + len(metrics) + 2 + 1
}
