package main

import (
	"errors"
	"fmt"

	"livecam/internal/analysis"
	"livecam/internal/config"
	"livecam/internal/motion"
	"livecam/internal/opencv"
	"livecam/internal/pipeline"
	"livecam/internal/pipeline/strategies"
)

// components are the parts shared by serve and watch
type components struct {
	provider pipeline.SourceProvider
	detector *opencv.CascadeDetector // nil when the local detector is disabled
	analyzer analysis.Analyzer       // nil when frames are only streamed
	grabber  *pipeline.Grabber[analysis.Result]
}

func newProvider(cfg *config.Config) pipeline.SourceProvider {
	if cfg.Source.Provider == config.ProviderOpenCV {
		return opencv.NewCaptureProvider(cfg.Source.OpenCV)
	}
	return pipeline.NewFFmpegProvider(cfg.Source.FFmpeg)
}

// buildPipeline creates the grabber and everything it runs. wrap, when set,
// decorates the analysis function.
func buildPipeline(cfg *config.Config, wrap func(pipeline.AnalysisFunc[analysis.Result]) pipeline.AnalysisFunc[analysis.Result]) (*components, error) {
	c := &components{provider: newProvider(cfg)}

	opts := []pipeline.Option[analysis.Result]{pipeline.WithName[analysis.Result]("Grabber")}

	if cfg.LocalDetector.Enabled {
		detector, err := opencv.NewCascadeDetector(cfg.LocalDetector.CascadeConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to load local detector: %w", err)
		}
		c.detector = detector
		opts = append(opts, pipeline.WithLocalDetector[analysis.Result](detector))
	}

	analyzer, err := analysis.New(cfg.Analysis)
	switch {
	case errors.Is(err, pipeline.ErrNoAnalysisFunction):
		logger.Printf("No analysis backend configured, streaming only")
		cfg.Trigger.Mode = pipeline.TriggerModeDisabled
	case err != nil:
		c.Close()
		return nil, fmt.Errorf("failed to create %s analyzer: %w", cfg.Analysis.Backend, err)
	default:
		c.analyzer = analyzer
		fn := pipeline.AnalysisFunc[analysis.Result](analyzer.Analyze)
		if wrap != nil {
			fn = wrap(fn)
		}
		opts = append(opts, pipeline.WithAnalysisFunction[analysis.Result](fn, cfg.Analysis.Timeout))
	}

	factory := strategies.NewStrategyFactory(motion.NewDetector(motion.Config{Sensitivity: cfg.Trigger.Sensitivity}))
	policy, err := factory.Create(cfg.Trigger)
	if err != nil {
		c.Close()
		return nil, err
	}
	opts = append(opts, pipeline.WithTriggerPolicy[analysis.Result](policy))

	c.grabber = pipeline.NewGrabber[analysis.Result](c.provider, opts...)
	return c, nil
}

// Close stops the grabber and releases the detector and analyzer
func (c *components) Close() {
	if c.grabber != nil {
		c.grabber.Close()
	}
	if c.analyzer != nil {
		if err := c.analyzer.Close(); err != nil {
			logger.Printf("Failed to close analyzer: %v", err)
		}
	}
	if c.detector != nil {
		c.detector.Close()
	}
}
