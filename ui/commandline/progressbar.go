// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/infer/pkg/ml/mcmc"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
)

// ExtraMetricFn is any function that will give extra values to display along the progress bar.
// It is called at each time the progress bar is updated, and it should return a name and the current value when it is called.
type ExtraMetricFn func() (name, value string)

// RefreshPeriod is the maximum time between terminal updates.
var RefreshPeriod = time.Second * 3

// ProgressbarStyle to use. Defaults to the ASCII version.
// Consider "progressbar.ThemeUnicode" for a prettier version.
// But it requires some of the graphical symbols to be supported.
var ProgressbarStyle = progressbar.ThemeASCII

// ProgressBar is an mcmc.ProgressSink that displays a progress bar of the sampling steps, with a table of
// statistics of the chain (acceptance rate, log-probability, etc.) above it.
type ProgressBar struct {
	out              io.Writer
	numSteps         int
	lastStepReported int
	nextUpdateStep   int
	lastUpdate       time.Time
	bar              *progressbar.ProgressBar

	// lipgloss-based rich and asynchronous display for the command-line.
	termenv          *termenv.Output
	statsStyle       lipgloss.Style
	statsTable       *lgtable.Table
	isFirstOutput    bool
	updates          chan progressBarUpdate
	asyncUpdatesDone sync.WaitGroup

	extraMetricFns []ExtraMetricFn
}

var _ mcmc.ProgressSink = (*ProgressBar)(nil)

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	headerStyle       = lipgloss.NewStyle().Padding(0, 1).Bold(true).Reverse(true)
	tableBorderColor  = "#705090"
)

type progressBarUpdate struct {
	amount int
	stats  mcmc.Stats
}

// maxUpdateFrequency is the time between updates to the commandline display of stats.
const maxUpdateFrequency = time.Millisecond * 200

// NewProgressBar creates a progress bar writing to os.Stdout. Use it with mcmc.Generator.WithProgress.
//
// Optionally, one can provide extraMetrics: functions that are called at every update of
// the progress bar and should return a name (title) and a value to be included in the
// updated print-out.
func NewProgressBar(extraMetrics ...ExtraMetricFn) *ProgressBar {
	return NewProgressBarTo(os.Stdout, extraMetrics...)
}

// NewProgressBarTo is like NewProgressBar, but writes to out.
func NewProgressBarTo(out io.Writer, extraMetrics ...ExtraMetricFn) *ProgressBar {
	return &ProgressBar{
		out:            out,
		extraMetricFns: extraMetrics,
		statsStyle:     lipgloss.NewStyle().PaddingLeft(8),
	}
}

// Start implements mcmc.ProgressSink.
func (pBar *ProgressBar) Start(total int) {
	pBar.lastStepReported = 0
	pBar.numSteps = total
	if total < 0 {
		pBar.numSteps = -1 // Spinner: unknown number of steps.
	}
	pBar.nextUpdateStep = max(pBar.numSteps/1000, 1)
	pBar.lastUpdate = time.Now()
	pBar.bar = progressbar.NewOptions(pBar.numSteps,
		progressbar.OptionSetDescription("      [bold]"),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetTheme(ProgressbarStyle),
		progressbar.OptionSetWriter(pBar.out),
	)
	pBar.isFirstOutput = true
	pBar.termenv = termenv.NewOutput(pBar.out)
	pBar.statsTable = newTable()
	pBar.updates = make(chan progressBarUpdate, 100) // Large buffer so things are not blocked.
	pBar.asyncUpdatesDone.Add(1)
	go pBar.drawUpdates()
}

// drawUpdates asynchronously draws the updates, so sampling is not slowed down by the terminal.
func (pBar *ProgressBar) drawUpdates() {
	defer pBar.asyncUpdatesDone.Done()
	for update := range pBar.updates {
		// Exhaust the updates in the buffer:
		amount := update.amount
	exhaust:
		for {
			select {
			case newUpdate, ok := <-pBar.updates:
				if !ok {
					break exhaust
				}
				amount += newUpdate.amount
				update = newUpdate
			default:
				break exhaust
			}
		}

		// Create the table to be printed.
		pBar.statsTable.Data(lgtable.NewStringData())
		rows := pBar.statsRows(update.stats)
		for _, row := range rows {
			pBar.statsTable.Row(row[0], row[1])
		}

		// For command-line, we clear the previous lines that will be overwritten.
		pBar.termenv.HideCursor()
		if !pBar.isFirstOutput {
			numLinesToBackup := len(rows) + 2 + 2
			pBar.termenv.CursorPrevLine(numLinesToBackup)
		}
		pBar.isFirstOutput = false

		// Print update.
		_, _ = fmt.Fprintln(pBar.out, pBar.statsStyle.Render(pBar.statsTable.String()))
		_ = pBar.bar.Add(amount) // Prints progress bar line.
		_, _ = fmt.Fprint(pBar.out, "\033[J\n")
		pBar.termenv.ShowCursor()
		time.Sleep(maxUpdateFrequency)
	}
}

// statsRows returns the name and value of each statistic displayed.
func (pBar *ProgressBar) statsRows(stats mcmc.Stats) [][2]string {
	steps := humanize.Comma(int64(stats.Steps))
	if pBar.numSteps > 0 {
		steps = fmt.Sprintf("%s of %s", steps, humanize.Comma(int64(pBar.numSteps)))
	}
	rows := [][2]string{
		{"Steps", steps},
		{"Samples", humanize.Comma(int64(stats.Samples))},
		{"Acceptance rate", fmt.Sprintf("%.1f%%", 100*stats.AcceptanceRate)},
		{"Log-probability", humanize.FormatFloat("#,###.####", stats.LogProb)},
		{"Speed", FormatRate(stats.Steps, stats.Elapsed, "steps")},
		{"Elapsed", FormatDuration(stats.Elapsed)},
	}
	for _, extraMetric := range pBar.extraMetricFns {
		name, value := extraMetric()
		rows = append(rows, [2]string{name, value})
	}
	return rows
}

// Update implements mcmc.ProgressSink. The display is refreshed at most 1000 times along the steps, or every
// RefreshPeriod.
func (pBar *ProgressBar) Update(stats mcmc.Stats) {
	if pBar.updates == nil {
		return
	}
	amount := stats.Steps - pBar.lastStepReported
	if amount <= 0 {
		return
	}
	if stats.Steps < pBar.nextUpdateStep && time.Since(pBar.lastUpdate) < RefreshPeriod {
		return
	}
	select {
	case pBar.updates <- progressBarUpdate{amount: amount, stats: stats}:
		pBar.lastStepReported = stats.Steps
		pBar.lastUpdate = time.Now()
		pBar.nextUpdateStep = stats.Steps + max(pBar.numSteps/1000, 1)
	default:
		// Display is behind: the steps are accumulated into the next update.
	}
}

// Finish implements mcmc.ProgressSink.
func (pBar *ProgressBar) Finish(stats mcmc.Stats) {
	if pBar.updates == nil {
		return
	}
	if amount := stats.Steps - pBar.lastStepReported; amount > 0 {
		pBar.updates <- progressBarUpdate{amount: amount, stats: stats}
		pBar.lastStepReported = stats.Steps
	}
	close(pBar.updates)
	pBar.asyncUpdatesDone.Wait()
	pBar.updates = nil
	if pBar.termenv != nil {
		pBar.termenv.ShowCursor()
	}
	_, _ = fmt.Fprintln(pBar.out)
}
