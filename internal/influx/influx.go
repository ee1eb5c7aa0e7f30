// Package influx records sync-controller telemetry as InfluxDB points,
// falling back to a gzip line-protocol file when the server is unreachable.
package influx

import (
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	influxdb2_write "github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/influxdata/influxdb-client-go/v2/domain"
	"github.com/rs/zerolog"

	"github.com/OCAP2/worldmap/internal/config"
	"github.com/OCAP2/worldmap/internal/mapsync"
)

// Measurements written by the observer.
const (
	MeasurementState    = "sync_state"
	MeasurementMutation = "sync_mutation"
)

var ErrDisabled = errors.New("influx is disabled")

// pointWriter is the subset of api.WriteAPI used here.
type pointWriter interface {
	WritePoint(point *influxdb2_write.Point)
	Flush()
}

// Manager handles the InfluxDB connection and implements mapsync.Observer.
type Manager struct {
	cfg    config.InfluxConfig
	logger zerolog.Logger
	now    func() time.Time

	mu     sync.Mutex
	client influxdb2.Client
	writer pointWriter
	file   *os.File
	backup *gzip.Writer
	valid  bool
}

var _ mapsync.Observer = (*Manager)(nil)

// NewManager creates a new InfluxDB manager.
func NewManager(cfg config.InfluxConfig, log zerolog.Logger) *Manager {
	if cfg.BackupPath == "" {
		cfg.BackupPath = "worldmap-influx-backup.lp.gz"
	}
	return &Manager{
		cfg:    cfg,
		logger: log.With().Str("component", "influx").Logger(),
		now:    time.Now,
	}
}

// Connect establishes a connection to InfluxDB. When the server does not
// answer the ping, points go to the backup file instead.
func (m *Manager) Connect(ctx context.Context) error {
	if !m.cfg.Enabled {
		return ErrDisabled
	}

	client := influxdb2.NewClientWithOptions(
		fmt.Sprintf("%s://%s:%s", m.cfg.Protocol, m.cfg.Host, m.cfg.Port),
		m.cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(500).
			SetFlushInterval(1000),
	)

	running, err := client.Ping(ctx)
	if err != nil || !running {
		client.Close()
		m.logger.Warn().Err(err).Str("backupPath", m.cfg.BackupPath).
			Msg("InfluxDB unreachable, writing to backup file")
		return m.openBackup()
	}

	if err := m.ensureBucket(ctx, client); err != nil {
		client.Close()
		return err
	}

	writeAPI := client.WriteAPI(m.cfg.Org, m.cfg.Bucket)
	go func(errorsCh <-chan error) {
		for writeErr := range errorsCh {
			m.logger.Error().Err(writeErr).Str("bucket", m.cfg.Bucket).
				Msg("Error sending data to InfluxDB")
		}
	}(writeAPI.Errors())

	m.mu.Lock()
	m.client = client
	m.writer = writeAPI
	m.valid = true
	m.mu.Unlock()

	m.logger.Info().Str("bucket", m.cfg.Bucket).Msg("InfluxDB client initialized")
	return nil
}

func (m *Manager) openBackup() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.backup != nil {
		return nil
	}
	file, err := os.OpenFile(m.cfg.BackupPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("error creating backup file: %w", err)
	}
	m.file = file
	m.backup = gzip.NewWriter(file)
	return nil
}

func (m *Manager) ensureBucket(ctx context.Context, client influxdb2.Client) error {
	org, err := client.OrganizationsAPI().FindOrganizationByName(ctx, m.cfg.Org)
	if err != nil {
		m.logger.Info().Str("org", m.cfg.Org).Msg("Organization not found, creating")
		org, err = client.OrganizationsAPI().CreateOrganizationWithName(ctx, m.cfg.Org)
		if err != nil {
			m.logger.Error().Err(err).Str("org", m.cfg.Org).Msg("Error creating organization")
			return err
		}
	}

	if _, err := client.BucketsAPI().FindBucketByName(ctx, m.cfg.Bucket); err == nil {
		return nil
	}
	m.logger.Info().Str("bucket", m.cfg.Bucket).Msg("Bucket not found, creating")

	rule := domain.RetentionRuleTypeExpire
	_, err = client.BucketsAPI().CreateBucketWithName(ctx, org, m.cfg.Bucket, domain.RetentionRule{
		Type:         &rule,
		EverySeconds: 60 * 60 * 24 * 90,
	})
	if err != nil {
		m.logger.Error().Err(err).Str("bucket", m.cfg.Bucket).Msg("Error creating bucket")
		return err
	}
	return nil
}

// Online reports whether points go to the server rather than the backup.
func (m *Manager) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.valid
}

// WritePoint writes a point to InfluxDB or the backup file.
func (m *Manager) WritePoint(point *influxdb2_write.Point) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.valid {
		m.writer.WritePoint(point)
		return nil
	}
	if m.backup == nil {
		return fmt.Errorf("influxDB client not initialized and backup writer not available")
	}
	line := influxdb2_write.PointToLineProtocol(point, time.Nanosecond)
	if _, err := m.backup.Write([]byte(line + "\n")); err != nil {
		return fmt.Errorf("error writing to InfluxDB backup file: %w", err)
	}
	return nil
}

// StateChanged implements mapsync.Observer.
func (m *Manager) StateChanged(from, to mapsync.State) {
	reason := ""
	if to.Reason != nil {
		reason = to.Reason.Error()
	}
	tags := map[string]string{
		"from": string(from.Status),
		"to":   string(to.Status),
	}
	if to.Kind != mapsync.KindNone {
		tags["kind"] = string(to.Kind)
	}
	point := influxdb2_write.NewPoint(MeasurementState,
		tags,
		map[string]interface{}{
			"count":  1,
			"reason": reason,
		},
		m.now(),
	)
	if err := m.WritePoint(point); err != nil {
		m.logger.Debug().Err(err).Msg("Dropped sync state point")
	}
}

// Mutation implements mapsync.Observer.
func (m *Manager) Mutation(op string, status mapsync.Status, err error) {
	failed := 0
	if err != nil {
		failed = 1
	}
	point := influxdb2_write.NewPoint(MeasurementMutation,
		map[string]string{
			"op":     op,
			"status": string(status),
		},
		map[string]interface{}{
			"count":  1,
			"failed": failed,
		},
		m.now(),
	)
	if werr := m.WritePoint(point); werr != nil {
		m.logger.Debug().Err(werr).Msg("Dropped sync mutation point")
	}
}

// Close flushes pending points and releases the client and backup file.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.writer != nil {
		m.writer.Flush()
	}
	if m.client != nil {
		m.client.Close()
		m.client = nil
	}
	m.valid = false

	var err error
	if m.backup != nil {
		err = errors.Join(m.backup.Close(), m.file.Close())
		m.backup = nil
		m.file = nil
	}
	return err
}
