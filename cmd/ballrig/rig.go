package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/banshee-data/ballrig/internal/config"
	"github.com/banshee-data/ballrig/internal/db"
	"github.com/banshee-data/ballrig/internal/diag"
	"github.com/banshee-data/ballrig/internal/ingest"
	"github.com/banshee-data/ballrig/internal/monitoring"
	"github.com/banshee-data/ballrig/internal/timeutil"
	"github.com/banshee-data/ballrig/internal/treadmill"
)

// rig wires one ingestion session to its diagnostics sinks.
type rig struct {
	cfg      *config.RigConfig
	clock    timeutil.Clock
	session  *ingest.Session
	recorder *diag.Recorder
	db       *db.DB
	closers  []io.Closer
}

func newRig(cfg *config.RigConfig, clock timeutil.Clock) (*rig, error) {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	r := &rig{cfg: cfg, clock: clock}

	var sinks []diag.Sink
	if name := cfg.GetJSONLinesFile(); name != "" && cfg.GetLogDir() != "" {
		sink, err := diag.NewRotatingJSONLinesSink(cfg.GetLogDir(), name, monitoring.RotateOptions{
			MaxSizeMB:  cfg.GetMaxSizeMB(),
			MaxBackups: cfg.GetMaxBackups(),
		})
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, sink)
		r.closers = append(r.closers, sink)
	}
	if path := cfg.GetDBPath(); path != "" {
		d, err := db.NewDB(path)
		if err != nil {
			r.close()
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		r.db = d
		sinks = append(sinks, d)
		r.closers = append(r.closers, d)
	}

	r.recorder = diag.NewRecorder(diag.Options{
		QueueSize:     cfg.GetQueueSize(),
		FlushInterval: cfg.GetFlushInterval(),
		Clock:         clock,
	}, sinks...)

	sc := cfg.SessionConfig()
	sc.Diagnostics = r.recorder
	sc.Clock = clock
	sc.Transport.Pcap.Clock = clock
	s, err := ingest.NewSession(sc)
	if err != nil {
		r.close()
		return nil, err
	}
	r.session = s
	return r, nil
}

func (r *rig) close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i].Close(); err != nil {
			log.Printf("close: %v", err)
		}
	}
	r.closers = nil
}

func (r *rig) attachAdminRoutes(mux *http.ServeMux) error {
	r.session.AttachAdminRoutes(mux)
	r.recorder.AttachAdminRoutes(mux)
	if r.db != nil {
		return r.db.AttachAdminRoutes(mux)
	}
	return nil
}

// start launches the recorder and opens the session. The returned wait
// function stops both and blocks until the recorder has flushed.
func (r *rig) start(ctx context.Context) (wait func(), err error) {
	recCtx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.recorder.Run(recCtx)
	}()

	stop := func() {
		r.session.Stop()
		cancel()
		wg.Wait()
	}

	if err := r.session.Start(ctx); err != nil {
		stop()
		return nil, err
	}
	if r.db != nil {
		if err := r.db.StartSession(r.session.ID(), r.session.Endpoint(), r.session.Variant().Name, r.clock.Now()); err != nil {
			log.Printf("failed to record session start: %v", err)
		}
	}
	log.Printf("session %s started on %s (%s)", r.session.ID(), r.session.Endpoint(), r.session.Variant().Name)

	return func() {
		stop()
		if r.db != nil {
			if err := r.db.EndSession(r.session.ID(), r.session.State().String(), r.clock.Now()); err != nil {
				log.Printf("failed to record session end: %v", err)
			}
		}
		log.Printf("session %s ended: %s", r.session.ID(), r.session.Stats().Summary())
	}, nil
}

// run drives the consumer tick until ctx is done or the session reaches a
// terminal state. A failed session is reported as an error.
func (r *rig) run(ctx context.Context, tick time.Duration) error {
	wait, err := r.start(ctx)
	if err != nil {
		return err
	}
	defer wait()

	cal := r.cfg.GetCalibration()
	var pose treadmill.Pose
	ticker := r.clock.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			pose, _ = r.session.Update(pose, cal, tick)
			if st := r.session.State(); st.Terminal() {
				if st == ingest.StateFailed {
					return fmt.Errorf("session failed: %w", r.session.Err())
				}
				return nil
			}
		}
	}
}
