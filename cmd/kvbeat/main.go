// Command kvbeat watches a Redis or NATS server with a heartbeat, exports
// liveness metrics and forwards heartbeat-timeout events to NATS and Kafka.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/vinayprograms/kvbeat/config"
	"github.com/vinayprograms/kvbeat/errors"
	"github.com/vinayprograms/kvbeat/events"
	"github.com/vinayprograms/kvbeat/heartbeat"
	"github.com/vinayprograms/kvbeat/logging"
	"github.com/vinayprograms/kvbeat/metrics"
	"github.com/vinayprograms/kvbeat/natsbeat"
	"github.com/vinayprograms/kvbeat/redisbeat"
	"github.com/vinayprograms/kvbeat/shutdown"
	"github.com/vinayprograms/kvbeat/telemetry"
)

// Shutdown phases, lowest first.
const (
	phaseMonitor   = 10
	phaseSinks     = 20
	phaseHTTP      = 30
	phaseTelemetry = 40
)

func main() {
	configPath := flag.String("config", "", "path to kvbeat.toml (default: standard locations)")
	target := flag.String("target", "", `server to watch: "redis" or "nats" (overrides config)`)
	flag.Parse()

	if err := run(*configPath, *target); err != nil {
		fmt.Fprintf(os.Stderr, "kvbeat: %v\n", err)
		os.Exit(1)
	}
}

// watched is what the daemon needs from either adapter.
type watched interface {
	Monitor() *heartbeat.Monitor
	OnHeartbeatTimeout(fn func(heartbeat.Event))
}

func run(configPath, target string) error {
	cfg, file, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if target != "" {
		cfg.Target = strings.ToLower(target)
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	logger := logging.New()
	level, _ := logging.ParseLevel(cfg.Log.Level) // validated by config
	logger.SetLevel(level)
	log := logger.WithComponent("kvbeat")
	log.Info("starting", map[string]any{"target": cfg.Target, "config": file})

	coord := shutdown.New(shutdown.Config{ContinueOnError: true, Logger: logger})
	ctx := coord.NotifyContext(context.Background())

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	monitorOpts := []heartbeat.Option{
		heartbeat.WithMetrics(metrics.NewPrometheus(reg, cfg.Metrics.Namespace)),
	}

	if cfg.Telemetry.Enabled {
		tp, err := telemetry.InitProvider(ctx, cfg.TelemetryConfig())
		if err != nil {
			return err
		}
		coord.Register("telemetry", phaseTelemetry, tp.Shutdown)
		monitorOpts = append(monitorOpts, heartbeat.WithTracer(tp.Tracer("kvbeat")))
	}

	conn, natsConn, err := connect(cfg, logger, monitorOpts, coord)
	if err != nil {
		_ = coord.ShutdownWithTimeout(0)
		return err
	}

	sink, err := buildSinks(cfg, logger, natsConn, coord)
	if err != nil {
		_ = coord.ShutdownWithTimeout(0)
		return err
	}
	if sink != nil {
		conn.OnHeartbeatTimeout(events.Forward(sink, cfg.Events.PublishTimeout, logger))
	}

	g, ctx := errgroup.WithContext(ctx)
	if cfg.Metrics.Addr != "" {
		srv := &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           newMux(reg, cfg.Target, conn),
			ReadHeaderTimeout: 5 * time.Second,
		}
		coord.Register("metrics-http", phaseHTTP, srv.Shutdown)
		g.Go(func() error {
			log.Info("metrics_listening", map[string]any{"addr": cfg.Metrics.Addr})
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return errors.Wrap(err, "metrics server")
			}
			return nil
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		log.Info("stopping")
		return coord.ShutdownWithTimeout(0)
	})
	return g.Wait()
}

func connect(cfg config.Config, logger *logging.Logger, monitorOpts []heartbeat.Option, coord *shutdown.Coordinator) (watched, *nats.Conn, error) {
	switch cfg.Target {
	case config.TargetNATS:
		c, err := natsbeat.Connect(cfg.NATSConfig(), cfg.Heartbeat,
			natsbeat.WithLogger(logger),
			natsbeat.WithMonitorOptions(monitorOpts...),
		)
		if err != nil {
			return nil, nil, err
		}
		coord.Register("nats", phaseMonitor, func(context.Context) error {
			c.Close()
			return nil
		})
		return c, c.NATS(), nil

	default:
		c, err := redisbeat.NewClient(cfg.RedisOptions(), cfg.Heartbeat,
			redisbeat.WithLogger(logger),
			redisbeat.WithMonitorOptions(monitorOpts...),
		)
		if err != nil {
			return nil, nil, err
		}
		coord.Register("redis", phaseMonitor, func(context.Context) error { return c.Close() })
		return c, nil, nil
	}
}

// buildSinks returns nil when no sink is configured. natsConn, if set, is
// reused for NATS events.
func buildSinks(cfg config.Config, logger *logging.Logger, natsConn *nats.Conn, coord *shutdown.Coordinator) (events.Sink, error) {
	var sinks events.Fanout

	if cfg.Events.NATS {
		if natsConn == nil {
			url := cfg.Events.NATSURL
			if url == "" {
				url = cfg.NATS.URL
			}
			nc, err := nats.Connect(url, nats.Name("kvbeat-events"))
			if err != nil {
				return nil, errors.Wrap(err, "events nats connect")
			}
			coord.Register("events-nats", phaseSinks, func(context.Context) error {
				return nc.Drain()
			})
			natsConn = nc
		}
		sinks = append(sinks, events.NewNATSSink(natsConn))
	}

	if len(cfg.Events.KafkaBrokers) > 0 {
		k := events.NewKafkaSink(logger, cfg.Events.KafkaBrokers, cfg.Events.KafkaTopic)
		coord.Register("events-kafka", phaseSinks, func(context.Context) error { return k.Close() })
		sinks = append(sinks, k)
	}

	if len(sinks) == 0 {
		return nil, nil
	}
	return sinks, nil
}

type health struct {
	Target    string `json:"target"`
	MonitorID string `json:"monitor_id"`
	State     string `json:"state"`
	Round     uint64 `json:"round"`
}

func newMux(reg *prometheus.Registry, target string, conn watched) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		m := conn.Monitor()
		h := health{Target: target, MonitorID: m.ID(), State: m.State().String(), Round: m.Round()}

		w.Header().Set("Content-Type", "application/json")
		if !m.Active() {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(h)
	})
	return mux
}
