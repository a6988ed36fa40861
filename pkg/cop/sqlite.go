package cop

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/squadron-ops/squadron/pkg/authority"
	"github.com/squadron-ops/squadron/pkg/errors"
)

// SQLiteStore is the durable picture backend. Every Apply runs as one
// SQLite transaction carrying both the mutation and its audit row, so a
// crash mid-write leaves either the old state or the new state, never a
// mix.
type SQLiteStore struct {
	db    *sql.DB
	guard *authority.Guard
	clock func() time.Time
	ids   func() string
}

// OpenSQLiteStore opens (or creates) the picture database at path and
// ensures the schema.
func OpenSQLiteStore(path string, guard *authority.Guard) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.New(errors.CodeStoreFatal, "open picture database", err)
	}
	// The picture is written from multiple workers; serialize at the
	// driver level and keep WAL for readers.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, errors.New(errors.CodeStoreFatal, "set journal mode", err)
	}
	if err := ensureSchema(db); err != nil {
		db.Close()
		return nil, errors.New(errors.CodeStoreFatal, "ensure schema", err)
	}
	return &SQLiteStore{
		db:    db,
		guard: guard,
		clock: func() time.Time { return time.Now().UTC() },
		ids:   uuid.NewString,
	}, nil
}

func ensureSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS assets (
			id TEXT PRIMARY KEY,
			lat REAL, lon REAL, alt REAL,
			fuel_percent REAL,
			sensor_status TEXT,
			current_task TEXT,
			version INTEGER NOT NULL,
			last_updated TIMESTAMP NOT NULL
		);
		CREATE TABLE IF NOT EXISTS observations (
			id TEXT PRIMARY KEY,
			source_id TEXT NOT NULL,
			payload_ref TEXT,
			confidence REAL NOT NULL,
			produced_by TEXT NOT NULL,
			ts TIMESTAMP NOT NULL
		);
		CREATE TABLE IF NOT EXISTS entities (
			id TEXT PRIMARY KEY,
			entity_type TEXT NOT NULL,
			lat REAL, lon REAL, alt REAL,
			area TEXT,
			confidence REAL NOT NULL,
			provenance_json TEXT,
			version INTEGER NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);
		CREATE TABLE IF NOT EXISTS plans (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			objectives TEXT,
			assignments_json TEXT,
			status TEXT NOT NULL,
			version INTEGER NOT NULL,
			created_by TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);
		CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			asset_id TEXT NOT NULL,
			plan_id TEXT,
			task_type TEXT NOT NULL,
			target_area TEXT,
			priority INTEGER NOT NULL,
			status TEXT NOT NULL,
			created_by TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			version INTEGER NOT NULL,
			FOREIGN KEY(asset_id) REFERENCES assets(id)
		);
		CREATE TABLE IF NOT EXISTS audit_log (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			ts TIMESTAMP NOT NULL,
			actor TEXT NOT NULL,
			resource TEXT NOT NULL,
			operation TEXT NOT NULL,
			authorized INTEGER NOT NULL,
			reason TEXT,
			summary TEXT
		);
		CREATE TABLE IF NOT EXISTS message_history (
			id TEXT NOT NULL,
			topic TEXT NOT NULL,
			sender TEXT NOT NULL,
			targets_json TEXT,
			payload BLOB,
			ts TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_plans_status ON plans(status);
		CREATE INDEX IF NOT EXISTS idx_tasks_asset ON tasks(asset_id);
		CREATE INDEX IF NOT EXISTS idx_messages_topic ON message_history(topic);
	`)
	return err
}

// Apply implements Store.
func (s *SQLiteStore) Apply(ctx context.Context, role authority.Role, m Mutation) (*Snapshot, error) {
	now := s.clock()
	decision := s.guard.Check(role, m.Resource(), authority.OperationWrite)
	if !decision.Allowed {
		if err := s.recordAudit(ctx, now, role, m, false, decision.Reason); err != nil {
			return nil, err
		}
		return nil, errors.New(errors.CodeUnauthorized, decision.Reason, nil).
			WithContext("role", string(role)).
			WithContext("operation", m.Operation())
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.New(errors.CodeStoreFatal, "begin transaction", err)
	}
	if err := s.applyTx(ctx, tx, role, m, now); err != nil {
		tx.Rollback()
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO audit_log (ts, actor, resource, operation, authorized, reason, summary)
		VALUES (?, ?, ?, ?, 1, '', ?)`,
		now, string(role), string(m.Resource()), m.Operation(), m.Summary(),
	); err != nil {
		tx.Rollback()
		return nil, errors.New(errors.CodeStoreFatal, "record audit entry", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.New(errors.CodeStoreFatal, "commit mutation", err)
	}
	return s.Snapshot(ctx)
}

func (s *SQLiteStore) recordAudit(ctx context.Context, now time.Time, role authority.Role, m Mutation, authorized bool, reason string) error {
	flag := 0
	if authorized {
		flag = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (ts, actor, resource, operation, authorized, reason, summary)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		now, string(role), string(m.Resource()), m.Operation(), flag, reason, m.Summary(),
	)
	if err != nil {
		return errors.New(errors.CodeStoreFatal, "record audit entry", err)
	}
	return nil
}

func (s *SQLiteStore) applyTx(ctx context.Context, tx *sql.Tx, role authority.Role, m Mutation, now time.Time) error {
	switch mut := m.(type) {
	case PutAsset:
		a := mut.Asset
		if a.ID == "" {
			return errors.New(errors.CodeInvalidInput, "asset id is required", nil)
		}
		var version int64
		var last time.Time
		err := tx.QueryRowContext(ctx, `SELECT version, last_updated FROM assets WHERE id = ?`, a.ID).
			Scan(&version, &last)
		switch {
		case err == sql.ErrNoRows:
			version = 0
		case err != nil:
			return errors.New(errors.CodeStoreFatal, "read asset", err)
		}
		if !now.After(last) {
			now = last.Add(time.Nanosecond)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO assets (id, lat, lon, alt, fuel_percent, sensor_status, current_task, version, last_updated)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				lat=excluded.lat, lon=excluded.lon, alt=excluded.alt,
				fuel_percent=excluded.fuel_percent, sensor_status=excluded.sensor_status,
				current_task=excluded.current_task, version=excluded.version,
				last_updated=excluded.last_updated`,
			a.ID, a.Position.Lat, a.Position.Lon, a.Position.Alt,
			a.FuelPercent, a.SensorStatus, a.CurrentTask, version+1, now,
		)
		if err != nil {
			return errors.New(errors.CodeStoreFatal, "write asset", err)
		}
		return nil

	case AssignTask:
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM tasks WHERE id = ?`, mut.TaskID).Scan(&exists); err != nil {
			return errors.New(errors.CodeStoreFatal, "read task", err)
		}
		if exists == 0 {
			return errors.New(errors.CodeInvalidInput, "task not found", nil).
				WithContext("task_id", mut.TaskID)
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE assets SET current_task = ?, version = version + 1, last_updated = ?
			WHERE id = ?`,
			mut.TaskID, now, mut.AssetID,
		)
		if err != nil {
			return errors.New(errors.CodeStoreFatal, "assign task", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errors.New(errors.CodeInvalidInput, "asset not found", nil).
				WithContext("asset_id", mut.AssetID)
		}
		return nil

	case AppendObservation:
		o := mut.Observation
		if o.SourceID == "" {
			return errors.New(errors.CodeInvalidInput, "observation source is required", nil)
		}
		if o.ID == "" {
			o.ID = s.ids()
		}
		if o.Timestamp.IsZero() {
			o.Timestamp = now
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO observations (id, source_id, payload_ref, confidence, produced_by, ts)
			VALUES (?, ?, ?, ?, ?, ?)`,
			o.ID, o.SourceID, o.PayloadRef, clampConfidence(o.Confidence), string(role), o.Timestamp,
		)
		if err != nil {
			return errors.New(errors.CodeStoreFatal, "append observation", err)
		}
		return nil

	case UpsertEntity:
		e := mut.Entity
		e.Confidence = clampConfidence(e.Confidence)
		if e.ID == "" {
			e.ID = s.ids()
		}
		provenance, err := json.Marshal(e.Provenance)
		if err != nil {
			return errors.New(errors.CodeInvalidInput, "encode provenance", err)
		}
		var version int64
		var created time.Time
		err = tx.QueryRowContext(ctx, `SELECT version, created_at FROM entities WHERE id = ?`, e.ID).
			Scan(&version, &created)
		switch {
		case err == sql.ErrNoRows:
			if mut.BaseVersion != 0 {
				return errors.New(errors.CodeConflict, "entity does not exist at base version", nil).
					WithContext("entity_id", e.ID)
			}
			version = 0
			created = now
		case err != nil:
			return errors.New(errors.CodeStoreFatal, "read entity", err)
		default:
			if mut.BaseVersion != version {
				return errors.New(errors.CodeConflict, "entity version mismatch", nil).
					WithContext("entity_id", e.ID).
					WithContext("base_version", mut.BaseVersion).
					WithContext("current_version", version)
			}
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO entities (id, entity_type, lat, lon, alt, area, confidence, provenance_json, version, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				entity_type=excluded.entity_type, lat=excluded.lat, lon=excluded.lon,
				alt=excluded.alt, area=excluded.area, confidence=excluded.confidence,
				provenance_json=excluded.provenance_json, version=excluded.version,
				updated_at=excluded.updated_at`,
			e.ID, e.Type, e.Position.Lat, e.Position.Lon, e.Position.Alt,
			e.Area, e.Confidence, string(provenance), version+1, created, now,
		)
		if err != nil {
			return errors.New(errors.CodeStoreFatal, "write entity", err)
		}
		return nil

	case RevisePlan:
		var current int64
		var activeID string
		err := tx.QueryRowContext(ctx, `SELECT id, version FROM plans WHERE status = ?`, string(PlanStatusActive)).
			Scan(&activeID, &current)
		if err != nil && err != sql.ErrNoRows {
			return errors.New(errors.CodeStoreFatal, "read active plan", err)
		}
		if current != mut.SupersedesVersion {
			return errors.New(errors.CodeConflict, "active plan version mismatch", nil).
				WithContext("supersedes_version", mut.SupersedesVersion).
				WithContext("active_version", current)
		}
		p := mut.Plan
		// Each revision is a new record. Identity is store-assigned so a
		// reused caller ID cannot collide with plan history.
		p.ID = s.ids()
		assignments, err := json.Marshal(p.Assignments)
		if err != nil {
			return errors.New(errors.CodeInvalidInput, "encode assignments", err)
		}
		if activeID != "" {
			if _, err := tx.ExecContext(ctx, `UPDATE plans SET status = ?, updated_at = ? WHERE id = ?`,
				string(PlanStatusSuperseded), now, activeID); err != nil {
				return errors.New(errors.CodeStoreFatal, "supersede plan", err)
			}
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO plans (id, name, objectives, assignments_json, status, version, created_by, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p.ID, p.Name, p.Objectives, string(assignments), string(PlanStatusActive),
			current+1, string(role), now, now,
		)
		if err != nil {
			return errors.New(errors.CodeStoreFatal, "write plan", err)
		}
		return nil

	case CreateTask:
		t := mut.Task
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM assets WHERE id = ?`, t.AssetID).Scan(&exists); err != nil {
			return errors.New(errors.CodeStoreFatal, "read asset", err)
		}
		if exists == 0 {
			return errors.New(errors.CodeInvalidInput, "task references unknown asset", nil).
				WithContext("asset_id", t.AssetID)
		}
		if t.ID == "" {
			t.ID = s.ids()
		}
		if t.Status == "" {
			t.Status = TaskStatusQueued
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (id, asset_id, plan_id, task_type, target_area, priority, status, created_by, created_at, version)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
			t.ID, t.AssetID, t.PlanID, t.Type, t.TargetArea, t.Priority, string(t.Status), string(role), now,
		)
		if err != nil {
			return errors.New(errors.CodeStoreFatal, "write task", err)
		}
		return nil

	case UpdateTaskStatus:
		res, err := tx.ExecContext(ctx, `UPDATE tasks SET status = ?, version = version + 1 WHERE id = ?`,
			string(mut.Status), mut.TaskID)
		if err != nil {
			return errors.New(errors.CodeStoreFatal, "update task", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errors.New(errors.CodeNotFound, "task not found", nil).
				WithContext("task_id", mut.TaskID)
		}
		return nil

	default:
		return errors.New(errors.CodeInvalidInput, "unknown mutation", nil)
	}
}

// Snapshot implements Store. All tables are read within one transaction so
// the view is consistent as of a single commit point.
func (s *SQLiteStore) Snapshot(ctx context.Context) (*Snapshot, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, errors.New(errors.CodeStoreFatal, "begin snapshot", err)
	}
	defer tx.Rollback()

	snap := &Snapshot{
		TakenAt:  s.clock(),
		Assets:   make(map[string]Asset),
		Entities: make(map[string]TrackedEntity),
		Tasks:    make(map[string]Task),
	}

	rows, err := tx.QueryContext(ctx, `SELECT id, lat, lon, alt, fuel_percent, sensor_status, current_task, version, last_updated FROM assets`)
	if err != nil {
		return nil, errors.New(errors.CodeStoreFatal, "read assets", err)
	}
	for rows.Next() {
		var a Asset
		var task sql.NullString
		if err := rows.Scan(&a.ID, &a.Position.Lat, &a.Position.Lon, &a.Position.Alt,
			&a.FuelPercent, &a.SensorStatus, &task, &a.Version, &a.LastUpdated); err != nil {
			rows.Close()
			return nil, errors.New(errors.CodeStoreFatal, "scan asset", err)
		}
		a.CurrentTask = task.String
		snap.Assets[a.ID] = a
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, errors.New(errors.CodeStoreFatal, "read assets", err)
	}

	rows, err = tx.QueryContext(ctx, `SELECT id, source_id, payload_ref, confidence, produced_by, ts FROM observations ORDER BY ts ASC, id ASC`)
	if err != nil {
		return nil, errors.New(errors.CodeStoreFatal, "read observations", err)
	}
	for rows.Next() {
		var o ObservationRecord
		var producedBy string
		var ref sql.NullString
		if err := rows.Scan(&o.ID, &o.SourceID, &ref, &o.Confidence, &producedBy, &o.Timestamp); err != nil {
			rows.Close()
			return nil, errors.New(errors.CodeStoreFatal, "scan observation", err)
		}
		o.PayloadRef = ref.String
		o.ProducedBy = authority.Role(producedBy)
		snap.Observations = append(snap.Observations, o)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, errors.New(errors.CodeStoreFatal, "read observations", err)
	}

	rows, err = tx.QueryContext(ctx, `SELECT id, entity_type, lat, lon, alt, area, confidence, provenance_json, version, created_at, updated_at FROM entities`)
	if err != nil {
		return nil, errors.New(errors.CodeStoreFatal, "read entities", err)
	}
	for rows.Next() {
		var e TrackedEntity
		var area, provenance sql.NullString
		if err := rows.Scan(&e.ID, &e.Type, &e.Position.Lat, &e.Position.Lon, &e.Position.Alt,
			&area, &e.Confidence, &provenance, &e.Version, &e.CreatedAt, &e.UpdatedAt); err != nil {
			rows.Close()
			return nil, errors.New(errors.CodeStoreFatal, "scan entity", err)
		}
		e.Area = area.String
		if provenance.Valid && provenance.String != "" {
			if err := json.Unmarshal([]byte(provenance.String), &e.Provenance); err != nil {
				rows.Close()
				return nil, errors.New(errors.CodeStoreFatal, "decode provenance", err)
			}
		}
		snap.Entities[e.ID] = e
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, errors.New(errors.CodeStoreFatal, "read entities", err)
	}

	rows, err = tx.QueryContext(ctx, `SELECT id, name, objectives, assignments_json, status, version, created_by, created_at, updated_at FROM plans ORDER BY version ASC`)
	if err != nil {
		return nil, errors.New(errors.CodeStoreFatal, "read plans", err)
	}
	for rows.Next() {
		var p Plan
		var objectives, assignments sql.NullString
		var status, createdBy string
		if err := rows.Scan(&p.ID, &p.Name, &objectives, &assignments, &status, &p.Version,
			&createdBy, &p.CreatedAt, &p.UpdatedAt); err != nil {
			rows.Close()
			return nil, errors.New(errors.CodeStoreFatal, "scan plan", err)
		}
		p.Objectives = objectives.String
		p.Status = PlanStatus(status)
		p.CreatedBy = authority.Role(createdBy)
		if assignments.Valid && assignments.String != "" {
			if err := json.Unmarshal([]byte(assignments.String), &p.Assignments); err != nil {
				rows.Close()
				return nil, errors.New(errors.CodeStoreFatal, "decode assignments", err)
			}
		}
		snap.Plans = append(snap.Plans, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, errors.New(errors.CodeStoreFatal, "read plans", err)
	}

	rows, err = tx.QueryContext(ctx, `SELECT id, asset_id, plan_id, task_type, target_area, priority, status, created_by, created_at, version FROM tasks`)
	if err != nil {
		return nil, errors.New(errors.CodeStoreFatal, "read tasks", err)
	}
	for rows.Next() {
		var t Task
		var planID, targetArea sql.NullString
		var status, createdBy string
		if err := rows.Scan(&t.ID, &t.AssetID, &planID, &t.Type, &targetArea, &t.Priority,
			&status, &createdBy, &t.CreatedAt, &t.Version); err != nil {
			rows.Close()
			return nil, errors.New(errors.CodeStoreFatal, "scan task", err)
		}
		t.PlanID = planID.String
		t.TargetArea = targetArea.String
		t.Status = TaskStatus(status)
		t.CreatedBy = authority.Role(createdBy)
		snap.Tasks[t.ID] = t
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, errors.New(errors.CodeStoreFatal, "read tasks", err)
	}

	rows, err = tx.QueryContext(ctx, `SELECT seq, ts, actor, resource, operation, authorized, reason, summary FROM audit_log ORDER BY seq ASC`)
	if err != nil {
		return nil, errors.New(errors.CodeStoreFatal, "read audit log", err)
	}
	for rows.Next() {
		var e AuditEntry
		var actor, resource string
		var authorized int
		var reason, summary sql.NullString
		if err := rows.Scan(&e.Seq, &e.Timestamp, &actor, &resource, &e.Operation,
			&authorized, &reason, &summary); err != nil {
			rows.Close()
			return nil, errors.New(errors.CodeStoreFatal, "scan audit entry", err)
		}
		e.Actor = authority.Role(actor)
		e.Resource = authority.Resource(resource)
		e.Authorized = authorized == 1
		e.Reason = reason.String
		e.Summary = summary.String
		snap.Audit = append(snap.Audit, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, errors.New(errors.CodeStoreFatal, "read audit log", err)
	}
	if n := len(snap.Audit); n > 0 {
		snap.Commit = snap.Audit[n-1].Seq
	}
	return snap, nil
}

// RecordMessage implements Store.
func (s *SQLiteStore) RecordMessage(ctx context.Context, rec MessageRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = s.clock()
	}
	targets, err := json.Marshal(rec.Targets)
	if err != nil {
		return errors.New(errors.CodeInvalidInput, "encode targets", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO message_history (id, topic, sender, targets_json, payload, ts)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Topic, rec.Sender, string(targets), rec.Payload, rec.Timestamp,
	)
	if err != nil {
		return errors.New(errors.CodeStoreFatal, "record message", err)
	}
	return nil
}

// MessageHistory implements Store.
func (s *SQLiteStore) MessageHistory(ctx context.Context, topic string, limit int) ([]MessageRecord, error) {
	query := `SELECT id, topic, sender, targets_json, payload, ts FROM message_history`
	var args []any
	if topic != "" {
		query += ` WHERE topic = ?`
		args = append(args, topic)
	}
	query += ` ORDER BY ts DESC, rowid DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.New(errors.CodeStoreFatal, "read message history", err)
	}
	defer rows.Close()

	var out []MessageRecord
	for rows.Next() {
		var rec MessageRecord
		var targets sql.NullString
		if err := rows.Scan(&rec.ID, &rec.Topic, &rec.Sender, &targets, &rec.Payload, &rec.Timestamp); err != nil {
			return nil, errors.New(errors.CodeStoreFatal, "scan message", err)
		}
		if targets.Valid && targets.String != "" && targets.String != "null" {
			if err := json.Unmarshal([]byte(targets.String), &rec.Targets); err != nil {
				return nil, errors.New(errors.CodeStoreFatal, "decode targets", err)
			}
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.New(errors.CodeStoreFatal, "read message history", err)
	}
	return out, nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
