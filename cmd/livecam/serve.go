package main

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"livecam/internal/api"
	"livecam/internal/auth"
	"livecam/internal/config"
	"livecam/internal/database"
	"livecam/internal/emitter"
	"livecam/internal/notify"
	"livecam/internal/overlay"
	"livecam/internal/pipeline"
	"livecam/internal/stream"
	"livecam/internal/viewer"
	"livecam/internal/ws"
)

type serveOptions struct {
	Addr      string
	Start     bool
	Resume    bool
	SourceID  string
	Trigger   string
	NoJournal bool
}

var serveOpts serveOptions

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the viewer: MJPEG streams, WebSocket results and the control API",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := applyServeFlags(cfg, serveOpts); err != nil {
			return err
		}
		return runServe(cmd.Context(), cfg, serveOpts)
	},
}

func init() {
	serveCmd.Flags().StringVarP(&serveOpts.Addr, "addr", "a", "", "HTTP listen address (overrides http.addr)")
	serveCmd.Flags().BoolVar(&serveOpts.Start, "start", false, "Start acquisition immediately")
	serveCmd.Flags().BoolVar(&serveOpts.Resume, "resume", false, "With --start, reopen the source used last time")
	serveCmd.Flags().StringVarP(&serveOpts.SourceID, "source", "s", "", "Source ID to open (overrides source.id)")
	serveCmd.Flags().StringVarP(&serveOpts.Trigger, "trigger", "t", "", "Trigger mode: disabled, interval, continuous, regions_changed, motion, hybrid")
	serveCmd.Flags().BoolVar(&serveOpts.NoJournal, "no-journal", false, "Do not record outcomes in the database")
	rootCmd.AddCommand(serveCmd)
}

func applyServeFlags(cfg *config.Config, opts serveOptions) error {
	if opts.Addr != "" {
		cfg.HTTP.Addr = opts.Addr
	}
	if opts.SourceID != "" {
		cfg.Source.ID = opts.SourceID
	}
	if opts.Trigger != "" {
		cfg.Trigger.Mode = pipeline.TriggerMode(opts.Trigger)
	}
	if opts.NoJournal {
		cfg.Database.Path = ""
	}
	return cfg.Validate()
}

func runServe(ctx context.Context, cfg *config.Config, opts serveOptions) error {
	c, err := buildPipeline(cfg, nil)
	if err != nil {
		return err
	}
	defer c.Close()

	renderer, err := overlay.NewRenderer()
	if err != nil {
		return err
	}

	authenticator, err := auth.NewAuthenticator(cfg.Auth)
	if err != nil {
		return err
	}

	streams := stream.NewManager(stream.Live, stream.Annotated)
	hub := ws.NewHub()
	defer hub.Close()

	v := viewer.New(c.grabber, c.analyzer, renderer, streams, hub, viewer.Options{
		Correlation: cfg.Correlation,
		JPEGQuality: cfg.Overlay.JPEGQuality,
		ShowTags:    cfg.Overlay.ShowTags,
		AutoStop:    autoStop(cfg),
		Retention:   cfg.Database.Retention,
	})

	var db *database.Database
	var outcomes api.OutcomeLister
	if cfg.Database.Path != "" {
		db, err = database.New(cfg.Database.Path)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.Migrate(); err != nil {
			return err
		}
		v.SetJournal(db)
		outcomes = db
	}

	var publishers viewer.Publishers
	if cfg.MQTT.Enabled {
		em := emitter.NewMQTTEmitter(cfg.MQTT)
		if err := em.Connect(ctx); err != nil {
			// The client keeps retrying in the background
			logger.Printf("MQTT broker not reachable yet: %v", err)
		}
		defer em.Disconnect()
		publishers = append(publishers, em)
	}
	if cfg.Telegram.Enabled {
		annotated := streams.Stream(stream.Annotated)
		tn := notify.NewTelegramNotifier(cfg.Telegram, notify.SnapshotFunc(func() []byte {
			frame, _ := annotated.CurrentFrame()
			return frame
		}))
		defer tn.Wait()
		publishers = append(publishers, tn)
	}
	if len(publishers) > 0 {
		v.SetPublisher(publishers)
	}

	wsHandler := ws.NewHandler(hub)
	wsHandler.OnConnect = func() any { return v.StatusMessage() }

	srv := api.NewServer(v, streams, wsHandler, outcomes, authenticator, logger)
	srv.LogMounts()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return v.Run(gctx)
	})
	g.Go(func() error {
		return srv.ListenAndServe(gctx, cfg.HTTP.Addr, cfg.HTTP.ShutdownTimeout)
	})
	g.Go(func() error {
		<-gctx.Done()
		if err := v.Stop(); err != nil && !errors.Is(err, pipeline.ErrNotRunning) {
			return err
		}
		return nil
	})

	if opts.Start {
		sel := cfg.Source.Selector()
		if opts.Resume && sel.ID == "" && db != nil {
			if last, err := db.GetSetting("last_source"); err == nil && last != "" {
				sel.ID = last
			}
		}
		if err := v.Start(ctx, sel); err != nil {
			logger.Printf("Failed to start acquisition: %v", err)
		}
	}

	return g.Wait()
}

func autoStop(cfg *config.Config) time.Duration {
	if !cfg.AutoStop.Enabled {
		return 0
	}
	return cfg.AutoStop.Duration
}
