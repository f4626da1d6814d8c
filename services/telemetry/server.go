package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"devicecore-go/bus"
	"devicecore-go/services/battery"
	"devicecore-go/services/network"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

type Config struct {
	DeviceID string
	Log      *logrus.Entry
}

type Service struct {
	src     Sources
	cfg     Config
	log     *logrus.Entry
	m       *metrics
	started time.Time
}

// New builds the service and subscribes it to every event kind. The caller
// keeps the returned value alive for as long as events should be counted.
func New(b *bus.Bus, src Sources, cfg Config) *Service {
	log := cfg.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &Service{
		src:     src,
		cfg:     cfg,
		log:     log.WithField("component", "telemetry"),
		m:       newMetrics(src),
		started: time.Now(),
	}
	if b != nil {
		for _, k := range bus.Kinds() {
			b.Subscribe(k, bus.WeakRef(s))
		}
	}
	return s
}

func (s *Service) HandleEvent(ev bus.Event) {
	s.m.events.WithLabelValues(ev.Kind.String()).Inc()
}

// ---- HTTP ----

type PowerStatus struct {
	Locked      bool    `json:"locked"`
	Suspended   bool    `json:"suspended"`
	Terminal    bool    `json:"terminal"`
	IdleTimeout float64 `json:"idle_timeout_s"`
}

type Thresholds struct {
	Low      int `json:"low"`
	Critical int `json:"critical"`
}

type Status struct {
	DeviceID   string            `json:"device_id"`
	Uptime     float64           `json:"uptime_s"`
	Battery    *battery.Snapshot `json:"battery,omitempty"`
	Thresholds *Thresholds       `json:"thresholds,omitempty"`
	Network    *network.Status   `json:"network,omitempty"`
	Power      *PowerStatus      `json:"power,omitempty"`
	Bus        *bus.Stats        `json:"bus,omitempty"`
	Extras     map[string]any    `json:"extras,omitempty"`
}

// Snapshot assembles the /status document.
func (s *Service) Snapshot() Status {
	st := Status{DeviceID: s.cfg.DeviceID, Uptime: time.Since(s.started).Seconds()}
	if bs := s.src.Battery; bs != nil {
		snap := bs.Snapshot()
		low, crit := bs.Thresholds()
		st.Battery = &snap
		st.Thresholds = &Thresholds{Low: low, Critical: crit}
	}
	if ns := s.src.Network; ns != nil {
		n := ns.Status()
		st.Network = &n
	}
	if ps := s.src.Power; ps != nil {
		st.Power = powerStatus(ps)
	}
	if bb := s.src.Bus; bb != nil {
		b := bb.Stats()
		st.Bus = &b
	}
	if len(s.src.Extras) > 0 {
		st.Extras = make(map[string]any, len(s.src.Extras))
		for k, fn := range s.src.Extras {
			st.Extras[k] = fn()
		}
	}
	return st
}

func powerStatus(ps PowerControl) *PowerStatus {
	return &PowerStatus{
		Locked:      ps.IsLocked(),
		Suspended:   ps.IsSuspended(),
		Terminal:    ps.IsTerminal(),
		IdleTimeout: ps.IdleTimeout().Seconds(),
	}
}

// Handler returns the HTTP API.
func (s *Service) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.requestLog)
	s.RegisterRoutes(r)
	return r
}

func (s *Service) RegisterRoutes(r chi.Router) {
	r.Get("/status", s.handleStatus)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { writeJSON(w, http.StatusOK, map[string]string{"status": "ok"}) })
	r.Method(http.MethodGet, "/metrics", s.metricsHandler())
	r.Post("/power/lock", s.handlePowerLock)
	r.Post("/power/unlock", s.handlePowerUnlock)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Service) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.Snapshot())
}

func (s *Service) metricsHandler() http.Handler {
	h := promhttp.HandlerFor(s.m.reg, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.m.refresh(s.src)
		h.ServeHTTP(w, r)
	})
}

func (s *Service) handlePowerLock(w http.ResponseWriter, r *http.Request) {
	s.powerControl(w, r, true)
}

func (s *Service) handlePowerUnlock(w http.ResponseWriter, r *http.Request) {
	s.powerControl(w, r, false)
}

func (s *Service) powerControl(w http.ResponseWriter, r *http.Request, lock bool) {
	ps := s.src.Power
	if ps == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "power control not available"})
		return
	}
	if ps.IsTerminal() {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "device is entering deep sleep"})
		return
	}
	if lock {
		ps.Lock()
	} else {
		ps.Unlock()
	}
	s.log.WithFields(logrus.Fields{"lock": lock, "remote": r.RemoteAddr}).Info("power lock changed over http")
	writeJSON(w, http.StatusOK, powerStatus(ps))
}

func (s *Service) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.WithFields(logrus.Fields{
			"method":  r.Method,
			"path":    r.URL.Path,
			"status":  ww.Status(),
			"elapsed": time.Since(start),
		}).Debug("http request")
	})
}

// Serve listens on addr until ctx is cancelled.
func (s *Service) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.ServeListener(ctx, ln)
}

func (s *Service) ServeListener(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()
	s.log.WithField("addr", ln.Addr().String()).Info("telemetry listening")
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
