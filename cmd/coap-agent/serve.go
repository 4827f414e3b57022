package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/backkem/coap/pkg/coap"
	"github.com/backkem/coap/pkg/config"
	"github.com/backkem/coap/pkg/discovery"
	"github.com/backkem/coap/pkg/message"
	"github.com/backkem/coap/pkg/transport"
	"github.com/pion/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

const shutdownGrace = 5 * time.Second

func loadConfig(common commonFlags) (config.Config, error) {
	cfg, err := config.Load(common.configPath, ".env")
	if err != nil {
		return config.Config{}, err
	}
	if common.logLevel != "" {
		cfg.LogLevel = common.logLevel
		if err := cfg.Validate(); err != nil {
			return config.Config{}, err
		}
	}
	return cfg, nil
}

func runServe(ctx context.Context, args []string, stderr io.Writer) error {
	var common commonFlags
	var listen, metricsAddr, instance string
	var advertise bool
	var tick time.Duration

	fs := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	common.add(fs)
	fs.StringVarP(&listen, "listen", "l", "", "UDP address to serve on (default from config, :5683)")
	fs.StringVar(&metricsAddr, "metrics", "", "HTTP address for /metrics")
	fs.BoolVar(&advertise, "advertise", false, "announce the server via DNS-SD")
	fs.StringVar(&instance, "instance", "", "DNS-SD instance name")
	fs.DurationVar(&tick, "tick", time.Second, "notification interval of /time")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(common)
	if err != nil {
		return err
	}
	if fs.Changed("listen") {
		cfg.Listen = listen
	}
	if fs.Changed("metrics") {
		cfg.MetricsAddr = metricsAddr
	}
	if fs.Changed("advertise") {
		cfg.Advertise = advertise
	}
	if fs.Changed("instance") {
		cfg.Instance = instance
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	srv, err := newServer(cfg, tick, stderr)
	if err != nil {
		return err
	}
	return srv.run(ctx)
}

// server bundles the agent with its metrics endpoint and advertiser.
type server struct {
	cfg        config.Config
	agent      *coap.Agent
	registry   *prometheus.Registry
	advertiser *discovery.Advertiser
	log        logging.LeveledLogger
}

func newServer(cfg config.Config, tick time.Duration, logOut io.Writer) (*server, error) {
	host, port, err := cfg.ListenHostPort()
	if err != nil {
		return nil, err
	}

	loggers := cfg.LoggerFactory(logOut)
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	agent, err := coap.NewAgent(coap.AgentConfig{
		Params:        cfg.AgentParams(),
		Factory:       transport.NetFactory{Host: host},
		Port:          port,
		KeepOpen:      cfg.KeepOpen,
		TokenLength:   cfg.TokenLength,
		MaxBodySize:   cfg.MaxBodySize,
		Registerer:    registry,
		LoggerFactory: loggers,
	})
	if err != nil {
		return nil, err
	}

	res := newResources(tick, agent.Stats)
	if err := agent.Handle(res.mux()); err != nil {
		_ = agent.Close()
		return nil, err
	}

	return &server{
		cfg:      cfg,
		agent:    agent,
		registry: registry,
		log:      loggers.NewLogger("coap-agent"),
	}, nil
}

// run serves until ctx ends, then shuts everything down.
func (s *server) run(ctx context.Context) error {
	addr, err := s.agent.Listen()
	if err != nil {
		_ = s.agent.Close()
		return fmt.Errorf("listen %s: %w", s.cfg.Listen, err)
	}
	s.log.Infof("serving CoAP on %s (agent %s)", addr, s.agent.ID())

	g, ctx := errgroup.WithContext(ctx)

	if s.cfg.MetricsAddr != "" {
		httpSrv := &http.Server{
			Addr:              s.cfg.MetricsAddr,
			Handler:           s.metricsHandler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			s.log.Infof("serving metrics on %s/metrics", s.cfg.MetricsAddr)
			if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()
			return httpSrv.Shutdown(shutdownCtx)
		})
	}

	if s.cfg.Advertise {
		if err := s.advertise(addr); err != nil {
			s.log.Warnf("DNS-SD advertisement disabled: %v", err)
		} else {
			s.advertiser.CloseOnDone(ctx)
		}
	}

	g.Go(func() error {
		<-ctx.Done()
		s.log.Infof("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := s.agent.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return nil
	})

	return g.Wait()
}

func (s *server) metricsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry}))
	return mux
}

func (s *server) advertise(addr net.Addr) error {
	udp, ok := addr.(*net.UDPAddr)
	if !ok {
		return fmt.Errorf("cannot advertise %T", addr)
	}
	adv, err := discovery.NewAdvertiser(discovery.AdvertiserConfig{
		Port:          udp.Port,
		LoggerFactory: s.cfg.LoggerFactory(nil),
	})
	if err != nil {
		return err
	}
	name, err := adv.Start(s.cfg.Instance, discovery.ServiceTXT{
		ResourceTypes:  []string{"core.demo"},
		ContentFormats: []uint32{message.TextPlain, message.AppCBOR},
		Path:           "/.well-known/core",
		AgentID:        s.agent.ID(),
	})
	if err != nil {
		_ = adv.Close()
		return err
	}
	s.advertiser = adv
	s.log.Infof("advertising %s as %s", discovery.ServiceCoAP, name)
	return nil
}
