package monitor

import (
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"sync"
	"time"

	influxdb2_write "github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/OCAP2/worldmap/internal/mapsync"
	"github.com/OCAP2/worldmap/pkg/core"
)

// MeasurementStatus is the point written on every sample.
const MeasurementStatus = "map_status"

const defaultInterval = time.Second

// ErrNoSource is returned by Start when the service has nothing to sample.
var ErrNoSource = errors.New("monitor: no status source")

// Source is the controller view sampled by the monitor.
type Source interface {
	State() mapsync.State
	Snapshot() core.MapData
}

// PointWriter receives one status point per sample.
type PointWriter interface {
	WritePoint(point *influxdb2_write.Point) error
}

// Dependencies holds all dependencies for the monitor service
type Dependencies struct {
	Source Source
	Logger *slog.Logger
	// Points is optional.
	Points PointWriter
	// QueueLen reports queued dispatcher events. Optional.
	QueueLen func() int
	// StatusFile is rewritten on every sample when set.
	StatusFile string
	Interval   time.Duration
}

// Status is one sample of the map's health.
type Status struct {
	Time          time.Time `json:"time"`
	State         string    `json:"state"`
	Reason        string    `json:"reason,omitempty"`
	Markers       int       `json:"markers"`
	HasBackground bool      `json:"hasBackground"`
	Queued        int       `json:"queued"`
}

// Service manages status monitoring
type Service struct {
	deps      Dependencies
	isRunning bool
	mu        sync.RWMutex
	stopChan  chan struct{}
	done      chan struct{}
	now       func() time.Time
}

// NewService creates a new monitor service
func NewService(deps Dependencies) *Service {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Interval <= 0 {
		deps.Interval = defaultInterval
	}
	deps.Logger = deps.Logger.With("component", "monitor")
	return &Service{
		deps: deps,
		now:  time.Now,
	}
}

// IsRunning returns whether the status monitor is running
func (s *Service) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// GetStatus samples the current state.
func (s *Service) GetStatus() Status {
	st := s.deps.Source.State()
	data := s.deps.Source.Snapshot()
	out := Status{
		Time:          s.now(),
		State:         st.String(),
		Markers:       len(data.Markers),
		HasBackground: data.Background() != "",
	}
	if st.Reason != nil {
		out.Reason = st.Reason.Error()
	}
	if s.deps.QueueLen != nil {
		out.Queued = s.deps.QueueLen()
	}
	return out
}

// Point converts a status sample into an InfluxDB point.
func (st Status) Point() *influxdb2_write.Point {
	return influxdb2_write.NewPoint(MeasurementStatus,
		map[string]string{"state": st.State},
		map[string]interface{}{
			"markers":       st.Markers,
			"hasBackground": st.HasBackground,
			"queued":        st.Queued,
		},
		st.Time,
	)
}

// Sample takes one status sample and publishes it.
func (s *Service) Sample() Status {
	st := s.GetStatus()
	logger := s.deps.Logger

	if s.deps.StatusFile != "" {
		data, err := json.MarshalIndent(st, "", "  ")
		if err == nil {
			err = os.WriteFile(s.deps.StatusFile, append(data, '\n'), 0644)
		}
		if err != nil {
			logger.Error("Error writing status file", "path", s.deps.StatusFile, "error", err)
		}
	}

	if s.deps.Points != nil {
		if err := s.deps.Points.WritePoint(st.Point()); err != nil {
			logger.Debug("Dropped status point", "error", err)
		}
	}

	logger.Debug("Map status", "state", st.State, "markers", st.Markers, "queued", st.Queued)
	return st
}

// Start starts the status monitor goroutine
func (s *Service) Start() error {
	if s.deps.Source == nil {
		return ErrNoSource
	}
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return nil
	}
	s.isRunning = true
	s.stopChan = make(chan struct{})
	s.done = make(chan struct{})
	stop, done := s.stopChan, s.done
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			s.isRunning = false
			s.mu.Unlock()
			close(done)
		}()

		s.deps.Logger.Debug("Starting status monitor", "interval", s.deps.Interval)
		ticker := time.NewTicker(s.deps.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				s.Sample()
			}
		}
	}()

	return nil
}

// Stop stops the status monitor and waits for the goroutine to exit.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	stop, done := s.stopChan, s.done
	s.isRunning = false
	s.mu.Unlock()

	close(stop)
	<-done
}
