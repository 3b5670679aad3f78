package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"livecam/internal/analysis"
	"livecam/internal/config"
	"livecam/internal/pipeline"
)

const timestampLayout = "15:04:05.000"

type watchOptions struct {
	SourceID string
	Interval time.Duration
	Duration time.Duration
	Progress bool
}

var watchOpts watchOptions

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print frame, submission and result events to the console",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWatch(cmd.Context(), cfg, watchOpts)
	},
}

func init() {
	watchCmd.Flags().StringVarP(&watchOpts.SourceID, "source", "s", "", "Source ID to open (overrides source.id)")
	watchCmd.Flags().DurationVarP(&watchOpts.Interval, "interval", "i", 0, "Analyze one frame per interval (overrides the trigger configuration)")
	watchCmd.Flags().DurationVarP(&watchOpts.Duration, "duration", "d", 0, "Stop after this long (0 runs until interrupted)")
	watchCmd.Flags().BoolVarP(&watchOpts.Progress, "progress", "p", false, "Count frames on a spinner instead of printing each one")
	rootCmd.AddCommand(watchCmd)
}

// console serializes output from the event loop and the analysis goroutine
type console struct {
	mu  sync.Mutex
	out io.Writer
	bar *progressbar.ProgressBar
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bar != nil {
		c.bar.Clear()
	}
	fmt.Fprintf(c.out, format+"\n", args...)
}

func (c *console) frame(f *pipeline.VideoFrame) {
	if c.bar != nil {
		c.mu.Lock()
		c.bar.Add(1)
		c.mu.Unlock()
		return
	}
	c.printf("New frame acquired at %s", f.Metadata.Timestamp.Format(timestampLayout))
}

func (c *console) result(r *pipeline.Result[analysis.Result]) {
	acquired := r.Frame.Metadata.Timestamp.Format(timestampLayout)
	switch r.Outcome.Status {
	case pipeline.OutcomeTimedOut:
		c.printf("API call timed out.")
	case pipeline.OutcomeFailed:
		c.printf("API call threw an exception: %v", r.Outcome.Err)
	default:
		c.printf("New result received for frame acquired at %s. %d faces detected", acquired, len(r.Outcome.Value.Faces))
	}
}

func runWatch(ctx context.Context, cfg *config.Config, opts watchOptions) error {
	if opts.SourceID != "" {
		cfg.Source.ID = opts.SourceID
	}
	if opts.Interval > 0 {
		cfg.Trigger.Mode = pipeline.TriggerModeInterval
		cfg.Trigger.Interval = opts.Interval
	}

	out := &console{out: os.Stdout}
	if opts.Progress {
		out.bar = progressbar.NewOptions(-1,
			progressbar.OptionSetDescription("Frames"),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionShowCount(),
			progressbar.OptionSpinnerType(14),
		)
	}

	submitting := func(fn pipeline.AnalysisFunc[analysis.Result]) pipeline.AnalysisFunc[analysis.Result] {
		return func(ctx context.Context, frame *pipeline.VideoFrame) (analysis.Result, error) {
			out.printf("Submitting frame acquired at %s", frame.Metadata.Timestamp.Format(timestampLayout))
			return fn(ctx, frame)
		}
	}

	c, err := buildPipeline(cfg, submitting)
	if err != nil {
		return err
	}
	defer c.Close()

	frames, unsubFrames := c.grabber.Frames(8)
	defer unsubFrames()
	results, unsubResults := c.grabber.Results(4)
	defer unsubResults()

	if err := c.grabber.Start(ctx, cfg.Source.Selector()); err != nil {
		if errors.Is(err, pipeline.ErrSourceUnavailable) {
			return fmt.Errorf("no cameras found: %w", err)
		}
		return err
	}
	defer c.grabber.Stop()

	fmt.Fprintln(os.Stderr, "Press Ctrl+C to stop...")

	var deadline <-chan time.Time
	if opts.Duration > 0 {
		timer := time.NewTimer(opts.Duration)
		defer timer.Stop()
		deadline = timer.C
	}

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-deadline:
			return nil
		case <-ticker.C:
			if !c.grabber.IsRunning() {
				out.printf("Source ended")
				return nil
			}
		case frame := <-frames:
			out.frame(frame)
		case result := <-results:
			out.result(result)
		}
	}
}
