// Package telemetry persists per-tick solver records for offline analysis.
package telemetry

import (
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	control "acc-follow-core/closed_loop/longitudinal_control"
	"acc-follow-core/utils"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store writes telemetry into SQLite. One Store is one run.
type Store struct {
	db    *sql.DB
	runID string
	log   *utils.Logger
}

// Record is a stored telemetry row.
type Record struct {
	RunID string
	control.Telemetry
}

// Open opens (or creates) the database at path, migrates it to the latest
// schema and starts a new run. ":memory:" is accepted.
func Open(path string, log *utils.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	// in-memory databases are per connection
	db.SetMaxOpenConns(1)

	s := &Store{db: db, runID: uuid.NewString(), log: log}
	if err := s.MigrateUp(); err != nil {
		_ = db.Close()
		return nil, err
	}
	version, dirty, err := s.MigrateVersion()
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("schema version: %w", err)
	}
	if dirty {
		_ = db.Close()
		return nil, fmt.Errorf("schema version %d is dirty", version)
	}
	if log != nil {
		log.Debug("telemetry schema at version %d, run %s", version, s.runID)
	}
	return s, nil
}

// MigrateUp applies pending migrations.
func (s *Store) MigrateUp() error {
	m, err := s.newMigrate()
	if err != nil {
		return err
	}
	// Not closing m: that would close the shared *sql.DB.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// MigrateVersion returns the schema version, 0 when nothing is applied.
func (s *Store) MigrateVersion() (uint, bool, error) {
	m, err := s.newMigrate()
	if err != nil {
		return 0, false, err
	}
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

func (s *Store) newMigrate() (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	if s.log != nil {
		m.Log = migrateLogger{log: s.log.WithModule("migrate")}
	}
	return m, nil
}

type migrateLogger struct {
	log *utils.Logger
}

func (l migrateLogger) Printf(format string, v ...interface{}) { l.log.Debug(format, v...) }
func (l migrateLogger) Verbose() bool                          { return false }

// RunID identifies the rows written by this Store.
func (s *Store) RunID() string {
	return s.runID
}

// Publish implements control.TelemetrySink.
func (s *Store) Publish(t control.Telemetry) error {
	series := make([]string, 5)
	for i, v := range [][]float64{t.XEgo, t.VEgo, t.AEgo, t.XLead, t.VLead} {
		enc, err := encodeSeries(v)
		if err != nil {
			return fmt.Errorf("encode trajectory: %w", err)
		}
		series[i] = enc
	}

	_, err := s.db.Exec(`
		INSERT INTO mpc_telemetry (
			run_id, mpc_id, ts_unix_nanos, tr, cost, a_lead_tau, qp_iterations,
			calc_time_nanos, reset, x_ego, v_ego, a_ego, x_lead, v_lead,
			stop_and_go, v_rel_integrator, a_rel_integrator, lead_present
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.runID, t.MPCID, t.Time.UnixNano(), t.TR, nullable(t.Cost), nullable(t.ALeadTau), t.QPIterations,
		t.CalculationTime.Nanoseconds(), t.Reset, series[0], series[1], series[2], series[3], series[4],
		t.Follow.StopAndGo, nullable(t.Follow.VRel.Integrator), nullable(t.Follow.ARel.Integrator),
		t.Follow.LeadPresent,
	)
	if err != nil {
		return fmt.Errorf("insert telemetry: %w", err)
	}
	return nil
}

// Recent returns up to n records of this run for mpcID, newest first.
func (s *Store) Recent(mpcID, n int) ([]Record, error) {
	rows, err := s.db.Query(`
		SELECT run_id, mpc_id, ts_unix_nanos, tr, cost, a_lead_tau, qp_iterations,
			calc_time_nanos, reset, x_ego, v_ego, a_ego, x_lead, v_lead,
			stop_and_go, v_rel_integrator, a_rel_integrator, lead_present
		FROM mpc_telemetry
		WHERE run_id = ? AND mpc_id = ?
		ORDER BY ts_unix_nanos DESC, id DESC
		LIMIT ?`, s.runID, mpcID, n)
	if err != nil {
		return nil, fmt.Errorf("query telemetry: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r                 Record
			tsNanos, calcNano int64
			cost, tau         sql.NullFloat64
			vInt, aInt        sql.NullFloat64
			series            [5]sql.NullString
		)
		if err := rows.Scan(
			&r.RunID, &r.MPCID, &tsNanos, &r.TR, &cost, &tau, &r.QPIterations,
			&calcNano, &r.Reset, &series[0], &series[1], &series[2], &series[3], &series[4],
			&r.Follow.StopAndGo, &vInt, &aInt, &r.Follow.LeadPresent,
		); err != nil {
			return nil, fmt.Errorf("scan telemetry: %w", err)
		}
		r.Time = time.Unix(0, tsNanos)
		r.CalculationTime = time.Duration(calcNano)
		r.Cost = fromNull(cost)
		r.ALeadTau = fromNull(tau)
		r.Follow.TR = r.TR
		r.Follow.VRel.Integrator = fromNull(vInt)
		r.Follow.ARel.Integrator = fromNull(aInt)

		dst := []*[]float64{&r.XEgo, &r.VEgo, &r.AEgo, &r.XLead, &r.VLead}
		for i, col := range series {
			if !col.Valid {
				continue
			}
			v, err := decodeSeries(col.String)
			if err != nil {
				return nil, fmt.Errorf("decode trajectory: %w", err)
			}
			*dst[i] = v
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Count returns how many records this run has written.
func (s *Store) Count() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM mpc_telemetry WHERE run_id = ?`, s.runID).Scan(&n)
	return n, err
}

func (s *Store) Close() error {
	return s.db.Close()
}

// encodeSeries stores a trajectory as a JSON array; NaN and ±Inf become null
// since JSON cannot carry them.
func encodeSeries(v []float64) (string, error) {
	out := make([]*float64, len(v))
	for i := range v {
		if math.IsNaN(v[i]) || math.IsInf(v[i], 0) {
			continue
		}
		out[i] = &v[i]
	}
	b, err := json.Marshal(out)
	return string(b), err
}

func decodeSeries(s string) ([]float64, error) {
	var in []*float64
	if err := json.Unmarshal([]byte(s), &in); err != nil {
		return nil, err
	}
	out := make([]float64, len(in))
	for i, p := range in {
		if p == nil {
			out[i] = math.NaN()
			continue
		}
		out[i] = *p
	}
	return out, nil
}

func nullable(v float64) sql.NullFloat64 {
	return sql.NullFloat64{Float64: v, Valid: !math.IsNaN(v) && !math.IsInf(v, 0)}
}

func fromNull(v sql.NullFloat64) float64 {
	if !v.Valid {
		return math.NaN()
	}
	return v.Float64
}
