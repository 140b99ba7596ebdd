package server

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/rbradshaw6/reldat/pkg/logger"
	"github.com/rbradshaw6/reldat/pkg/metrics"
	"github.com/rbradshaw6/reldat/source/protocol"
)

// Config carries the values the CLI surface (§6) accepts: the two
// mandatory positional arguments plus the overridable defaults §4.4
// names as constants.
type Config struct {
	Host          string
	Port          int
	SelfWindow    int
	Timeout       time.Duration
	MaxRetransmit int
	MetricsAddr   string // empty disables the /metrics endpoint
}

// Server owns the UDP socket and drives the single-threaded cooperative
// event loop mandated by §5: one goroutine repeatedly calls listenTick,
// ResendTick, and CheckLiveness in order. No packet handler may block
// indefinitely; the one suspension point is the bounded receive inside
// listenTick.
type Server struct {
	cfg     Config
	conn    *net.UDPConn
	engine  *Engine
	metrics *metrics.Collector
	log     *logrus.Entry

	metricsSrv *http.Server
}

// NewServer builds a server bound to cfg but does not open its socket
// yet; call Start to bind and run.
func NewServer(cfg Config) *Server {
	if cfg.Timeout == 0 {
		cfg.Timeout = protocol.DefaultTimeout
	}
	if cfg.MaxRetransmit == 0 {
		cfg.MaxRetransmit = protocol.DefaultMaxRetransmit
	}

	log := logger.Base().WithField("component", "reldat-server")
	coll := metrics.New()

	s := &Server{cfg: cfg, metrics: coll, log: log}
	s.engine = NewEngine(uint32(cfg.SelfWindow), cfg.Timeout, cfg.MaxRetransmit, s.send, log)
	s.engine.Metrics = coll
	return s
}

// Start binds the UDP socket, optionally exposes /metrics, and runs the
// event loop until ctx is cancelled. It returns nil on a clean shutdown.
func (s *Server) Start(ctx context.Context) error {
	addr := &net.UDPAddr{IP: net.ParseIP(s.cfg.Host), Port: s.cfg.Port}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return errors.Wrapf(err, "bind UDP socket on %s:%d", s.cfg.Host, s.cfg.Port)
	}
	s.conn = conn
	defer conn.Close()

	if s.cfg.MetricsAddr != "" {
		s.startMetricsServer()
		defer s.stopMetricsServer()
	}

	s.log.WithFields(logrus.Fields{
		"host":           s.cfg.Host,
		"port":           s.cfg.Port,
		"self_window":    s.cfg.SelfWindow,
		"timeout":        s.cfg.Timeout,
		"max_retransmit": s.cfg.MaxRetransmit,
	}).Info("listening")

	for {
		select {
		case <-ctx.Done():
			s.log.Info("shutting down")
			return nil
		default:
		}

		s.listenTick()
		s.engine.ResendTick()
		s.engine.CheckLiveness()
	}
}

// listenTick performs exactly one bounded-wait receive; the deadline
// caps the suspension at one second so timer scans and liveness probes
// keep making progress even with no traffic.
func (s *Server) listenTick() {
	buf := make([]byte, protocol.MaxPacketSize)

	if err := s.conn.SetReadDeadline(time.Now().Add(time.Second)); err != nil {
		s.log.WithError(err).Warn("failed to set read deadline")
		return
	}

	n, addr, err := s.conn.ReadFromUDP(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return
		}
		s.log.WithError(err).Debug("udp read error")
		return
	}

	data := make([]byte, n)
	copy(data, buf[:n])

	if err := s.engine.HandlePacket(addr, data); err != nil {
		s.log.WithFields(logrus.Fields{"peer": addr.String(), "err": err}).Debug("dropping corrupted datagram")
	}
}

func (s *Server) send(addr *net.UDPAddr, data []byte) {
	if _, err := s.conn.WriteToUDP(data, addr); err != nil {
		s.log.WithError(err).Warn("udp write error")
	}
}

func (s *Server) startMetricsServer() {
	registry := prometheus.NewRegistry()
	registry.MustRegister(s.metrics)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	s.metricsSrv = &http.Server{Addr: s.cfg.MetricsAddr, Handler: mux}

	go func() {
		if err := s.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.WithError(err).Error("metrics server failed")
		}
	}()
	s.log.WithField("addr", s.cfg.MetricsAddr).Info("metrics endpoint listening")
}

func (s *Server) stopMetricsServer() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = s.metricsSrv.Shutdown(ctx)
}
