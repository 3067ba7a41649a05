// Command ballrig streams ball-treadmill motion from a sensor or socket,
// integrates it into a pose and records per-tick diagnostics. With
// -mode=calibrate it estimates an axis scale factor interactively.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/banshee-data/ballrig/internal/config"
	"github.com/banshee-data/ballrig/internal/monitoring"
	"github.com/banshee-data/ballrig/internal/timeutil"
	"github.com/banshee-data/ballrig/internal/transport"
	"github.com/banshee-data/ballrig/internal/treadmill"
	"github.com/banshee-data/ballrig/internal/version"
)

var (
	configPath  = flag.String("config", "", "Rig configuration file (.yaml, .yml or .json)")
	mode        = flag.String("mode", "run", "run | calibrate")
	kind        = flag.String("transport", "", "Override transport kind (serial, tcp-client, tcp-server, udp, pcap, disabled)")
	device      = flag.String("device", "", "Override serial device or pcap capture path")
	host        = flag.String("host", "", "Override socket host")
	port        = flag.Int("port", 0, "Override socket or pcap UDP port")
	variant     = flag.String("variant", "", "Override sensor variant (optical12, pixart6)")
	listen      = flag.String("listen", "", "Override admin listen address; empty disables the admin server")
	logDir      = flag.String("log-dir", "", "Override log directory")
	dbPath      = flag.String("db", "", "Override diagnostics database path")
	tick        = flag.Duration("tick", 20*time.Millisecond, "Consumer tick interval")
	axis        = flag.String("axis", string(treadmill.AxisPitch), "Calibration axis: pitch, roll or yaw")
	revolutions = flag.Float64("revolutions", 10, "Ball revolutions per calibration trial")
	trials      = flag.Int("trials", 3, "Number of calibration trials")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if err := applyOverrides(cfg); err != nil {
		log.Fatalf("invalid flags: %v", err)
	}

	if dir := cfg.GetLogDir(); dir != "" {
		closer, err := monitoring.SetupRotatingLog(dir, monitoring.RotateOptions{
			MaxSizeMB:  cfg.GetMaxSizeMB(),
			MaxBackups: cfg.GetMaxBackups(),
		})
		if err != nil {
			log.Fatalf("failed to set up logging: %v", err)
		}
		defer closer.Close()
	}

	log.Print(version.String())
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Printf("ballrig: %v", err)
		stop()
		os.Exit(1)
	}
	log.Printf("Graceful shutdown complete")
}

func loadConfig(path string) (*config.RigConfig, error) {
	if path == "" {
		return &config.RigConfig{}, nil
	}
	return config.LoadRigConfig(path)
}

// applyOverrides copies explicitly set flags over the file configuration.
func applyOverrides(cfg *config.RigConfig) error {
	var err error
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "transport":
			cfg.Transport.Kind = kind
		case "device":
			cfg.Transport.Path = device
		case "host":
			cfg.Transport.Host = host
		case "port":
			cfg.Transport.Port = port
		case "variant":
			cfg.Sensor.Variant = variant
		case "listen":
			cfg.AdminListen = listen
		case "log-dir":
			cfg.Diagnostics.LogDir = logDir
		case "db":
			cfg.Diagnostics.DBPath = dbPath
		case "tick":
			if *tick <= 0 {
				err = fmt.Errorf("tick must be positive, got %v", *tick)
			}
		}
	})
	if err != nil {
		return err
	}
	return cfg.Validate()
}

func run(ctx context.Context, cfg *config.RigConfig) error {
	r, err := newRig(cfg, timeutil.RealClock{})
	if err != nil {
		return err
	}
	defer r.close()

	if addr := cfg.GetAdminListen(); addr != "" {
		mux := http.NewServeMux()
		if err := r.attachAdminRoutes(mux); err != nil {
			return err
		}
		server := &http.Server{Addr: addr, Handler: mux}
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("admin server: %v", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				log.Printf("HTTP server shutdown error: %v", err)
				server.Close()
			}
		}()
		log.Printf("admin routes on http://%s/debug/", addr)
	}

	switch *mode {
	case "run":
		if r.cfg.GetKind() == transport.KindPcap {
			log.Printf("replaying %s", r.cfg.GetTransport().Pcap.Path)
		}
		return r.run(ctx, *tick)
	case "calibrate":
		_, err := r.calibrate(ctx, os.Stdin, os.Stdout, treadmill.Axis(*axis), *revolutions, *trials, *tick)
		return err
	default:
		return fmt.Errorf("unknown mode %q", *mode)
	}
}
