package lighthouse

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// DefaultDSN keeps the database next to the working directory with foreign
// keys enforced.
const DefaultDSN = "file:lighthouse.db?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"

// SQLStore is a Store backed by gorm over pure-Go SQLite.
type SQLStore struct {
	db  *gorm.DB
	log *zap.Logger
}

// OpenSQL opens dsn and migrates the schema. Use
// "file::memory:?_pragma=foreign_keys(1)" for a throwaway database.
func OpenSQL(dsn string, log *zap.Logger) (*SQLStore, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if dsn == "" {
		dsn = DefaultDSN
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dsn, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// SQLite serialises writers anyway; one connection also keeps an
	// in-memory database shared by every query.
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&Endpoint{}, &Pubkey{}, &PendingConnection{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &SQLStore{db: db, log: log.Named("sqlstore")}, nil
}

func (s *SQLStore) RegisterEndpoint(ctx context.Context, ip string, port int, now time.Time) (Endpoint, error) {
	now = now.UTC()
	var e Endpoint
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("ip = ? AND port = ?", ip, port).Take(&e).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			e = Endpoint{ID: uuid.New(), IP: ip, Port: port, LastUpdate: now}
			return tx.Create(&e).Error
		case err != nil:
			return err
		}
		if !now.After(e.LastUpdate) {
			return nil
		}
		e.LastUpdate = now
		return tx.Model(&Endpoint{}).Where("id = ?", e.ID).Update("last_update", now).Error
	})
	if err != nil {
		return Endpoint{}, wrapSQL("register endpoint", err)
	}
	return e, nil
}

func (s *SQLStore) Endpoint(ctx context.Context, id uuid.UUID) (Endpoint, error) {
	var e Endpoint
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&e).Error; err != nil {
		return Endpoint{}, wrapSQL("get endpoint", err)
	}
	return e, nil
}

func (s *SQLStore) ClaimEndpoint(ctx context.Context, id uuid.UUID, tokenHash []byte) (bool, error) {
	var claimed bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := requireEndpoint(tx, id); err != nil {
			return err
		}
		var n int64
		if err := tx.Model(&Pubkey{}).Where("endpoint_id = ?", id).Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return nil
		}
		claimed = true
		return tx.Model(&Endpoint{}).Where("id = ?", id).Update("token_hash", tokenHash).Error
	})
	if err != nil {
		return false, wrapSQL("claim endpoint", err)
	}
	return claimed, nil
}

func (s *SQLStore) AttachPubkey(ctx context.Context, k Pubkey) error {
	k.CreatedAt = k.CreatedAt.UTC()
	if k.ID == uuid.Nil {
		k.ID = uuid.New()
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := requireEndpoint(tx, k.EndpointID); err != nil {
			return err
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "fingerprint"}, {Name: "endpoint_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"key"}),
		}).Create(&k).Error
	})
	return wrapSQL("attach pubkey", err)
}

func (s *SQLStore) EndpointKeys(ctx context.Context, id uuid.UUID) ([]Pubkey, error) {
	var keys []Pubkey
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := requireEndpoint(tx, id); err != nil {
			return err
		}
		return tx.Where("endpoint_id = ?", id).Order("created_at").Find(&keys).Error
	})
	if err != nil {
		return nil, wrapSQL("endpoint keys", err)
	}
	return keys, nil
}

func (s *SQLStore) AddPending(ctx context.Context, p PendingConnection) error {
	p.CreatedAt = p.CreatedAt.UTC()
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := requireEndpoint(tx, p.EndpointID); err != nil {
			return err
		}
		return tx.Create(&p).Error
	})
	return wrapSQL("add pending", err)
}

func (s *SQLStore) TakePending(ctx context.Context, id uuid.UUID) ([]PendingConnection, error) {
	var out []PendingConnection
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := requireEndpoint(tx, id); err != nil {
			return err
		}
		if err := tx.Where("endpoint_id = ?", id).Order("created_at").Find(&out).Error; err != nil {
			return err
		}
		return tx.Where("endpoint_id = ?", id).Delete(&PendingConnection{}).Error
	})
	if err != nil {
		return nil, wrapSQL("take pending", err)
	}
	return out, nil
}

type locationRow struct {
	Fingerprint string
	EndpointID  uuid.UUID
	IP          string
	Port        int
	Key         []byte
	LastUpdate  time.Time
}

func (r locationRow) location() Location {
	return Location{
		Fingerprint: r.Fingerprint,
		EndpointID:  r.EndpointID,
		IP:          r.IP,
		Port:        r.Port,
		Pubkey:      r.Key,
		LastUpdate:  r.LastUpdate.UTC(),
	}
}

func (s *SQLStore) locationQuery(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx).
		Table("pubkeys").
		Select("pubkeys.fingerprint, pubkeys.endpoint_id, endpoints.ip, endpoints.port, pubkeys.key, endpoints.last_update").
		Joins("JOIN endpoints ON endpoints.id = pubkeys.endpoint_id")
}

func (s *SQLStore) Locate(ctx context.Context, fingerprint string) (Location, error) {
	var rows []locationRow
	err := s.locationQuery(ctx).
		Where("pubkeys.fingerprint = ?", fingerprint).
		Order("endpoints.last_update DESC").
		Limit(1).
		Scan(&rows).Error
	if err != nil {
		return Location{}, wrapSQL("locate", err)
	}
	if len(rows) == 0 {
		return Location{}, ErrNotFound
	}
	return rows[0].location(), nil
}

func (s *SQLStore) Locations(ctx context.Context) ([]Location, error) {
	var rows []locationRow
	if err := s.locationQuery(ctx).Scan(&rows).Error; err != nil {
		return nil, wrapSQL("locations", err)
	}
	out := make([]Location, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.location())
	}
	sortLocations(out)
	return out, nil
}

func (s *SQLStore) DeleteEndpoint(ctx context.Context, id uuid.UUID) (bool, error) {
	var existed bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		n, _, err := deleteCascade(tx, []uuid.UUID{id})
		existed = n > 0
		return err
	})
	if err != nil {
		return false, wrapSQL("delete endpoint", err)
	}
	return existed, nil
}

// deleteCascade removes ids and their children explicitly, so the result
// does not depend on the connection having foreign keys enabled.
func deleteCascade(tx *gorm.DB, ids []uuid.UUID) (endpoints int, res SweepResult, err error) {
	if len(ids) == 0 {
		return 0, res, nil
	}
	del := tx.Where("endpoint_id IN ?", ids).Delete(&Pubkey{})
	if del.Error != nil {
		return 0, res, del.Error
	}
	res.Pubkeys = int(del.RowsAffected)
	del = tx.Where("endpoint_id IN ?", ids).Delete(&PendingConnection{})
	if del.Error != nil {
		return 0, res, del.Error
	}
	res.Pending = int(del.RowsAffected)
	del = tx.Where("id IN ?", ids).Delete(&Endpoint{})
	if del.Error != nil {
		return 0, res, del.Error
	}
	res.Endpoints = int(del.RowsAffected)
	return res.Endpoints, res, nil
}

func (s *SQLStore) Sweep(ctx context.Context, staleBefore, pendingBefore time.Time) (SweepResult, error) {
	var res SweepResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var stale []uuid.UUID
		if err := tx.Model(&Endpoint{}).Where("last_update < ?", staleBefore.UTC()).Pluck("id", &stale).Error; err != nil {
			return err
		}
		_, cascaded, err := deleteCascade(tx, stale)
		if err != nil {
			return err
		}
		res = cascaded
		del := tx.Where("created_at < ?", pendingBefore.UTC()).Delete(&PendingConnection{})
		if del.Error != nil {
			return del.Error
		}
		res.Pending += int(del.RowsAffected)
		return nil
	})
	if err != nil {
		return SweepResult{}, wrapSQL("sweep", err)
	}
	return res, nil
}

func (s *SQLStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	var n int64
	db := s.db.WithContext(ctx)
	if err := db.Model(&Endpoint{}).Count(&n).Error; err != nil {
		return st, wrapSQL("stats", err)
	}
	st.Endpoints = int(n)
	if err := db.Model(&Pubkey{}).Count(&n).Error; err != nil {
		return st, wrapSQL("stats", err)
	}
	st.Pubkeys = int(n)
	if err := db.Model(&PendingConnection{}).Count(&n).Error; err != nil {
		return st, wrapSQL("stats", err)
	}
	st.Pending = int(n)
	return st, nil
}

func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func requireEndpoint(tx *gorm.DB, id uuid.UUID) error {
	var n int64
	if err := tx.Model(&Endpoint{}).Where("id = ?", id).Count(&n).Error; err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func wrapSQL(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound), errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	default:
		return &StorageError{Op: op, Err: err}
	}
}

var _ Store = (*SQLStore)(nil)
