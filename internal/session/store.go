package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/mysql"
	sqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/mlkmbp/socks5gate/internal/logx"
)

var (
	ErrUnsupportedDriver = errors.New("unsupported driver")
	ErrSchemaTooNew      = errors.New("database schema is newer than this binary")
)

// Store persists terminal session records and serves history queries.
type Store interface {
	Save(ctx context.Context, records []record) error
	Query(ctx context.Context, filter HistoryFilter) ([]Session, error)
	Cleanup(ctx context.Context, before time.Time) error
	Close() error
}

// iso8601 is the stored time layout. Fixed-width UTC strings compare
// lexicographically in started_at order, so indexed range scans need no
// per-row conversion.
const iso8601 = "2006-01-02T15:04:05.000Z"

func formatTime(t time.Time) string { return t.UTC().Format(iso8601) }

func parseTime(s string) time.Time {
	t, err := time.Parse(iso8601, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// sessionRow is the persisted shape of one terminal session.
type sessionRow struct {
	ID          string  `gorm:"column:id;primaryKey"`
	User        string  `gorm:"column:user"`
	StartedAt   string  `gorm:"column:started_at"`
	EndedAt     *string `gorm:"column:ended_at"`
	DurationS   *int64  `gorm:"column:duration_s"`
	SrcIP       string  `gorm:"column:src_ip"`
	SrcPort     int     `gorm:"column:src_port"`
	DstHost     string  `gorm:"column:dst_host"`
	DstPort     int     `gorm:"column:dst_port"`
	Protocol    string  `gorm:"column:protocol"`
	BytesSent   uint64  `gorm:"column:bytes_sent"`
	BytesRecv   uint64  `gorm:"column:bytes_recv"`
	PacketsSent uint64  `gorm:"column:packets_sent"`
	PacketsRecv uint64  `gorm:"column:packets_recv"`
	Status      string  `gorm:"column:status"`
	CloseReason string  `gorm:"column:close_reason"`
	MatchedRule string  `gorm:"column:matched_rule"`
	Decision    string  `gorm:"column:decision"`
}

func (sessionRow) TableName() string { return "sessions" }

// DBOptions tunes the underlying sql.DB pool.
type DBOptions struct {
	MaxOpen        int
	MaxIdle        int
	MaxLifetimeSec int
}

var storeLog = logx.New(logx.WithPrefix("session.store"))

// GormStore is the GORM-backed Store covering both supported drivers.
type GormStore struct {
	db     *gorm.DB
	driver string
}

// OpenStore opens the database, applies pending migrations, and returns a
// ready store. A database whose schema version exceeds this binary's latest
// migration is rejected.
func OpenStore(driver, dsn string, opts DBOptions) (*GormStore, error) {
	var dial gorm.Dialector
	switch strings.ToLower(driver) {
	case "mysql":
		dial = mysql.Open(dsn)
	case "sqlite", "sqlite3":
		dial = sqlite.Open(dsn)
	default:
		return nil, ErrUnsupportedDriver
	}

	g, err := gorm.Open(dial, &gorm.Config{
		Logger: logx.GormLoggerDefault(logx.GetLevelString()),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}

	sqlDB, err := g.DB()
	if err != nil {
		return nil, err
	}
	if opts.MaxOpen > 0 {
		sqlDB.SetMaxOpenConns(opts.MaxOpen)
	}
	if opts.MaxIdle > 0 {
		sqlDB.SetMaxIdleConns(opts.MaxIdle)
	}
	if opts.MaxLifetimeSec > 0 {
		sqlDB.SetConnMaxLifetime(time.Duration(opts.MaxLifetimeSec) * time.Second)
	}

	s := &GormStore{db: g, driver: strings.ToLower(driver)}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// migration is one ordered schema step. Steps run inside a transaction along
// with the version bump.
type migration struct {
	version int
	sqlite  []string
	mysql   []string
}

var migrations = []migration{
	{
		version: 1,
		sqlite: []string{
			`CREATE TABLE IF NOT EXISTS sessions (
				id TEXT PRIMARY KEY,
				user TEXT NOT NULL,
				started_at TEXT NOT NULL,
				ended_at TEXT,
				duration_s INTEGER,
				src_ip TEXT,
				src_port INTEGER,
				dst_host TEXT,
				dst_port INTEGER,
				protocol TEXT,
				bytes_sent INTEGER NOT NULL DEFAULT 0,
				bytes_recv INTEGER NOT NULL DEFAULT 0,
				packets_sent INTEGER NOT NULL DEFAULT 0,
				packets_recv INTEGER NOT NULL DEFAULT 0,
				status TEXT NOT NULL,
				close_reason TEXT,
				matched_rule TEXT,
				decision TEXT
			)`,
			`CREATE INDEX IF NOT EXISTS idx_sessions_started ON sessions(started_at DESC)`,
			`CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user)`,
			`CREATE INDEX IF NOT EXISTS idx_sessions_status_started ON sessions(status, started_at)`,
			`CREATE INDEX IF NOT EXISTS idx_sessions_dst_user ON sessions(dst_host, user)`,
			`CREATE INDEX IF NOT EXISTS idx_sessions_decision ON sessions(decision)`,
		},
		mysql: []string{
			"CREATE TABLE IF NOT EXISTS sessions (" +
				"id VARCHAR(36) PRIMARY KEY," +
				"`user` VARCHAR(255) NOT NULL," +
				"started_at VARCHAR(32) NOT NULL," +
				"ended_at VARCHAR(32)," +
				"duration_s BIGINT," +
				"src_ip VARCHAR(64)," +
				"src_port INT," +
				"dst_host VARCHAR(255)," +
				"dst_port INT," +
				"protocol VARCHAR(8)," +
				"bytes_sent BIGINT UNSIGNED NOT NULL DEFAULT 0," +
				"bytes_recv BIGINT UNSIGNED NOT NULL DEFAULT 0," +
				"packets_sent BIGINT UNSIGNED NOT NULL DEFAULT 0," +
				"packets_recv BIGINT UNSIGNED NOT NULL DEFAULT 0," +
				"status VARCHAR(20) NOT NULL," +
				"close_reason VARCHAR(255)," +
				"matched_rule VARCHAR(255)," +
				"decision VARCHAR(8)," +
				"KEY idx_sessions_started (started_at DESC)," +
				"KEY idx_sessions_user (`user`)," +
				"KEY idx_sessions_status_started (status, started_at)," +
				"KEY idx_sessions_dst_user (dst_host, `user`)," +
				"KEY idx_sessions_decision (decision)" +
				")",
		},
	},
}

func (s *GormStore) migrate() error {
	if err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER NOT NULL)`).Error; err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	var count int64
	if err := s.db.Table("schema_migrations").Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		if err := s.db.Exec(`INSERT INTO schema_migrations (version) VALUES (0)`).Error; err != nil {
			return err
		}
	} else {
		if err := s.db.Raw(`SELECT version FROM schema_migrations LIMIT 1`).Scan(&current).Error; err != nil {
			return err
		}
	}

	latest := migrations[len(migrations)-1].version
	if current > latest {
		return fmt.Errorf("%w: have %d, binary supports %d", ErrSchemaTooNew, current, latest)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		stmts := m.sqlite
		if s.driver == "mysql" {
			stmts = m.mysql
		}
		err := s.db.Transaction(func(tx *gorm.DB) error {
			for _, stmt := range stmts {
				if err := tx.Exec(stmt).Error; err != nil {
					return err
				}
			}
			return tx.Exec(`UPDATE schema_migrations SET version = ?`, m.version).Error
		})
		if err != nil {
			return fmt.Errorf("migration %d: %w", m.version, err)
		}
		storeLog.Infof("applied schema migration %d", m.version)
	}
	return nil
}

// Save writes one batch as a single transactional commit.
func (s *GormStore) Save(ctx context.Context, records []record) error {
	if len(records) == 0 {
		return nil
	}
	rows := make([]sessionRow, 0, len(records))
	for _, r := range records {
		rows = append(rows, rowFromRecord(r))
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(&rows).Error
	})
}

func rowFromRecord(r record) sessionRow {
	row := sessionRow{
		ID:          r.ID,
		User:        r.User,
		StartedAt:   formatTime(r.StartedAt),
		DurationS:   r.DurationS,
		SrcIP:       r.SrcIP,
		SrcPort:     int(r.SrcPort),
		DstHost:     r.DstHost,
		DstPort:     int(r.DstPort),
		Protocol:    string(r.Protocol),
		BytesSent:   r.BytesSent,
		BytesRecv:   r.BytesRecv,
		PacketsSent: r.PacketsSent,
		PacketsRecv: r.PacketsRecv,
		Status:      string(r.Status),
		CloseReason: r.CloseReason,
		MatchedRule: r.MatchedRule,
		Decision:    string(r.Decision),
	}
	if r.EndedAt != nil {
		ended := formatTime(*r.EndedAt)
		row.EndedAt = &ended
	}
	return row
}

// Query returns history records matching the filter, newest first.
func (s *GormStore) Query(ctx context.Context, filter HistoryFilter) ([]Session, error) {
	q := s.db.WithContext(ctx).Model(&sessionRow{})
	if filter.ID != "" {
		q = q.Where("id = ?", filter.ID)
	}
	if filter.User != "" {
		q = q.Where("user = ?", filter.User)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", string(filter.Status))
	}
	if filter.DstHost != "" {
		q = q.Where("dst_host = ?", filter.DstHost)
	}
	if filter.Decision != "" {
		q = q.Where("decision = ?", string(filter.Decision))
	}
	if !filter.Since.IsZero() {
		q = q.Where("started_at >= ?", formatTime(filter.Since))
	}
	if !filter.Until.IsZero() {
		q = q.Where("started_at <= ?", formatTime(filter.Until))
	}
	limit := filter.Limit
	if limit <= 0 || limit > 10000 {
		limit = 1000
	}

	var rows []sessionRow
	if err := q.Order("started_at DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}

	out := make([]Session, 0, len(rows))
	for i := range rows {
		out = append(out, sessionFromRow(&rows[i]))
	}
	return out, nil
}

func sessionFromRow(row *sessionRow) Session {
	s := Session{
		ID:          row.ID,
		User:        row.User,
		StartedAt:   parseTime(row.StartedAt),
		DurationS:   row.DurationS,
		SrcIP:       row.SrcIP,
		SrcPort:     uint16(row.SrcPort),
		DstHost:     row.DstHost,
		DstPort:     uint16(row.DstPort),
		Protocol:    Protocol(row.Protocol),
		Status:      Status(row.Status),
		CloseReason: row.CloseReason,
		MatchedRule: row.MatchedRule,
		Decision:    Decision(row.Decision),
	}
	if row.EndedAt != nil {
		ended := parseTime(*row.EndedAt)
		s.EndedAt = &ended
	}
	s.BytesSent.Store(row.BytesSent)
	s.BytesRecv.Store(row.BytesRecv)
	s.PacketsSent.Store(row.PacketsSent)
	s.PacketsRecv.Store(row.PacketsRecv)
	return s
}

// Cleanup deletes rows whose started_at precedes the cutoff.
func (s *GormStore) Cleanup(ctx context.Context, before time.Time) error {
	res := s.db.WithContext(ctx).Where("started_at < ?", formatTime(before)).Delete(&sessionRow{})
	if res.Error != nil {
		return fmt.Errorf("cleanup sessions: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		storeLog.Debugf("retention cleanup removed %d rows", res.RowsAffected)
	}
	return nil
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
