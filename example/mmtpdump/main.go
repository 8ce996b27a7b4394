package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"m7s.live/atsc3"
	"m7s.live/atsc3/pkg"
	"m7s.live/atsc3/pkg/config"
	"m7s.live/atsc3/pkg/fmp4"
	"m7s.live/atsc3/pkg/ingest"
	"m7s.live/atsc3/pkg/task"
)

type Config struct {
	Log     pkg.LogConfig
	Session atsc3.Config
	UDP     config.UDP
	Pcap    ingest.PcapConfig
	Metrics string `default:":9100" desc:"metrics listen address, empty disables"`
	Samples bool   `desc:"print one line per emitted sample"`
}

func main() {
	confPath := flag.String("c", "", "config file")
	file := flag.String("mp4", "", "demux a fragmented mp4 file instead of listening")
	seek := flag.Duration("seek", 0, "with -mp4, seek before demuxing")
	accurate := flag.Bool("accurate", false, "with -seek, start display at the exact time")
	flag.Parse()

	var conf Config
	if _, err := config.Load(&conf, "MMTPDUMP", *confPath); err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	logger, _, err := pkg.NewLogger(conf.Log)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	if *file != "" {
		err = demuxFile(ctx, *file, *seek, *accurate, &conf, reg, logger)
	} else {
		err = live(ctx, &conf, reg, logger)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("exit", "error", err)
		os.Exit(1)
	}
}

func serveMetrics(ctx context.Context, g *errgroup.Group, addr string, reg *prometheus.Registry, logger *slog.Logger) {
	if addr == "" {
		return
	}
	srv := &http.Server{Addr: addr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})}
	g.Go(func() error {
		logger.Info("metrics listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

func live(ctx context.Context, conf *Config, reg *prometheus.Registry, logger *slog.Logger) error {
	out := newPrinter(conf.Samples, logger)
	s, err := atsc3.NewSession(conf.Session, out, logger)
	if err != nil {
		return err
	}
	reg.MustRegister(s)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	if err = s.Start(ctx); err != nil {
		return err
	}
	serveMetrics(ctx, g, conf.Metrics, reg, logger)
	if conf.Pcap.File != "" {
		g.Go(func() error {
			err := replay(ctx, s, &conf.Pcap)
			s.Stop(task.ErrTaskComplete)
			return err
		})
	} else {
		r := &ingest.UDPReceiver{UDP: conf.UDP, Handler: s.HandleDatagram}
		if err = s.AddTask(r, s.With("component", "udp")).WaitStarted(); err != nil {
			s.Stop(err)
			return err
		}
	}
	g.Go(func() error {
		defer cancel()
		err := s.WaitStopped()
		out.summary()
		if errors.Is(err, task.ErrTaskComplete) || errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	return g.Wait()
}

func replay(ctx context.Context, s *atsc3.Session, conf *ingest.PcapConfig) error {
	filter, err := conf.Filter()
	if err != nil {
		return err
	}
	f, err := os.Open(conf.File)
	if err != nil {
		return err
	}
	defer f.Close()
	n, err := ingest.ReadPcap(ctx, f, filter, s.HandleDatagram)
	if err != nil {
		return err
	}
	s.Info("capture replayed", "file", conf.File, "datagrams", n)
	return s.Finish(ctx)
}

func demuxFile(ctx context.Context, path string, seek time.Duration, accurate bool, conf *Config, reg *prometheus.Registry, logger *slog.Logger) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	seeks := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "atsc3_file_seeks_total", Help: "Seeks requested on a file"}, []string{"result"})
	reg.MustRegister(seeks)
	out := newPrinter(conf.Samples, logger)
	defer out.summary()
	d := fmp4.NewDemuxer(f, fmp4.Options{
		Seekable:         true,
		BuildIndexOnSeek: true,
		Increment:        conf.Session.Increment,
		MaxPreload:       conf.Session.MaxPreload,
	}, out, logger.With("file", path))
	if err = d.Init(); err != nil {
		return err
	}
	logger.Info("opened", "file", path, "length", d.Length(), "fragmented", d.Fragmented, "tracks", len(d.Tracks), "fps", d.FPS())
	if seek > 0 {
		if err = d.SeekTime(seek, accurate); err != nil {
			seeks.WithLabelValues("failed").Inc()
			return err
		}
		seeks.WithLabelValues("ok").Inc()
	}
	for ctx.Err() == nil {
		st, err := d.Demux()
		if err != nil {
			return err
		}
		if st == fmp4.StatusEOF {
			return nil
		}
	}
	return context.Cause(ctx)
}
