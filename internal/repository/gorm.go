package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hiroki-koketsu/go-task-tree/internal/model"
	"github.com/hiroki-koketsu/go-task-tree/internal/query"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Supported SQL drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type ownerRecord struct {
	ID        string    `gorm:"primaryKey;size:36"`
	Name      string    `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null"`
}

func (ownerRecord) TableName() string { return "owners" }

// taskRecord is the tasks table. parent_id cascades deletes at the storage
// level; the composite indexes serve the owner-scoped filters. TitleFold and
// DescriptionFold hold query.Fold copies for search, since SQLite's LOWER and
// LIKE only fold ASCII.
type taskRecord struct {
	ID              string       `gorm:"primaryKey;size:36"`
	OwnerID         string       `gorm:"size:36;not null;index:idx_tasks_owner_status,priority:1;index:idx_tasks_owner_priority,priority:1"`
	Owner           *ownerRecord `gorm:"foreignKey:OwnerID;constraint:OnDelete:CASCADE"`
	ParentID        *string      `gorm:"size:36;index"`
	Parent          *taskRecord  `gorm:"foreignKey:ParentID;constraint:OnDelete:CASCADE"`
	Status          string       `gorm:"size:8;not null;index:idx_tasks_owner_status,priority:2"`
	Priority        int          `gorm:"not null;index:idx_tasks_owner_priority,priority:2"`
	Title           string       `gorm:"not null"`
	Description     string       `gorm:"not null"`
	TitleFold       string       `gorm:"not null;default:''"`
	DescriptionFold string       `gorm:"not null;default:''"`
	CanComplete     bool         `gorm:"not null"`
	CanDelete       bool         `gorm:"not null"`
	CreatedAt       time.Time    `gorm:"not null"`
	CompletedAt     *time.Time
}

func (taskRecord) TableName() string { return "tasks" }

func toRecord(t *model.Task) *taskRecord {
	return &taskRecord{
		ID:          t.ID,
		OwnerID:     t.OwnerID,
		ParentID:    t.ParentID,
		Status:      string(t.Status),
		Priority:    t.Priority,
		Title:       t.Title,
		Description: t.Description,
		CanComplete: t.CanComplete,
		CanDelete:   t.CanDelete,
		CreatedAt:   t.CreatedAt,
		CompletedAt: t.CompletedAt,

		TitleFold:       query.Fold(t.Title),
		DescriptionFold: query.Fold(t.Description),
	}
}

func (rec *taskRecord) toModel() *model.Task {
	t := &model.Task{
		ID:          rec.ID,
		OwnerID:     rec.OwnerID,
		ParentID:    rec.ParentID,
		Status:      model.Status(rec.Status),
		Priority:    rec.Priority,
		Title:       rec.Title,
		Description: rec.Description,
		CanComplete: rec.CanComplete,
		CanDelete:   rec.CanDelete,
		CreatedAt:   rec.CreatedAt.UTC(),
	}
	if rec.CompletedAt != nil {
		at := rec.CompletedAt.UTC()
		t.CompletedAt = &at
	}
	return t
}

// Open connects to a SQL database. SQLite connections are limited to one so
// transactions serialize; foreign keys are switched on for it.
func Open(driver, dsn string, level logger.LogLevel) (*gorm.DB, error) {
	cfg := &gorm.Config{
		Logger:  logger.Default.LogMode(level),
		NowFunc: func() time.Time { return time.Now().UTC() },
	}

	var dialector gorm.Dialector
	switch driver {
	case DriverPostgres:
		dialector = postgres.Open(dsn)
	case DriverSQLite:
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}

	db, err := gorm.Open(dialector, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", driver, err)
	}

	if driver == DriverSQLite {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to get sqlite handle: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
		if err := db.Exec("PRAGMA foreign_keys = ON").Error; err != nil {
			return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
		}
	}
	return db, nil
}

// Migrate creates or updates the owners and tasks tables and fills the
// search columns of rows written before they existed.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&ownerRecord{}, &taskRecord{}); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	if err := backfillFolds(db); err != nil {
		return fmt.Errorf("failed to backfill search columns: %w", err)
	}
	return nil
}

func backfillFolds(db *gorm.DB) error {
	conn := db.Session(&gorm.Session{NewDB: true})
	var recs []taskRecord
	return db.Model(&taskRecord{}).
		Where("(title_fold = '' AND title <> '') OR (description_fold = '' AND description <> '')").
		FindInBatches(&recs, 500, func(*gorm.DB, int) error {
			for i := range recs {
				err := conn.Model(&taskRecord{}).Where("id = ?", recs[i].ID).Updates(map[string]any{
					"title_fold":       query.Fold(recs[i].Title),
					"description_fold": query.Fold(recs[i].Description),
				}).Error
				if err != nil {
					return err
				}
			}
			return nil
		}).Error
}

// GormRepository stores task trees in a SQL database.
type GormRepository struct {
	db *gorm.DB
}

// NewGormRepository creates a GormRepository over an open, migrated database.
func NewGormRepository(db *gorm.DB) *GormRepository {
	return &GormRepository{db: db}
}

// WithTx runs fn in a database transaction.
func (r *GormRepository) WithTx(ctx context.Context, fn func(Tx) error) error {
	ctx, span := tracer.Start(ctx, "GormRepository.WithTx")
	defer span.End()

	err := r.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		return fn(&gormTx{db: db, lockRows: r.db.Dialector.Name() != DriverSQLite})
	})
	span.SetAttributes(attribute.Bool("tx.committed", err == nil))
	return err
}

// Get retrieves a task by its ID.
func (r *GormRepository) Get(ctx context.Context, id string) (*model.Task, error) {
	ctx, span := tracer.Start(ctx, "GormRepository.Get",
		trace.WithAttributes(attribute.String("task.id", id)),
	)
	defer span.End()

	t, err := findTask(r.db.WithContext(ctx), id)
	span.SetAttributes(attribute.Bool("task.found", err == nil))
	return t, err
}

// List returns the owner's tasks matching q.
func (r *GormRepository) List(ctx context.Context, ownerID string, q query.Query) ([]*model.Task, error) {
	ctx, span := tracer.Start(ctx, "GormRepository.List",
		trace.WithAttributes(attribute.String("owner.id", ownerID)),
	)
	defer span.End()

	db := r.db.WithContext(ctx).Model(&taskRecord{}).Where("owner_id = ?", ownerID)
	if q.Status != nil {
		db = db.Where("status = ?", string(*q.Status))
	}
	if q.Priority != nil {
		db = db.Where("priority = ?", *q.Priority)
	}
	if q.Search != "" {
		like := query.LikePattern(q.Search)
		db = db.Where(`(title_fold LIKE ? ESCAPE '\' OR description_fold LIKE ? ESCAPE '\')`, like, like)
	}
	if q.Created != nil {
		db = db.Where("created_at >= ? AND created_at < ?", q.Created.From, q.Created.To)
	}
	if q.Completed != nil {
		db = db.Where("completed_at >= ? AND completed_at < ?", q.Completed.From, q.Completed.To)
	}
	for _, o := range q.OrderBy {
		db = db.Order(o.SQL())
	}
	db = db.Order("created_at ASC").Order("id ASC")

	var recs []taskRecord
	if err := db.Find(&recs).Error; err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}

	tasks := make([]*model.Task, 0, len(recs))
	for i := range recs {
		tasks = append(tasks, recs[i].toModel())
	}
	span.SetAttributes(attribute.Int("task.count", len(tasks)))
	return tasks, nil
}

// CreateOwner stores a new owner.
func (r *GormRepository) CreateOwner(ctx context.Context, o *model.Owner) error {
	rec := ownerRecord{ID: o.ID, Name: o.Name, CreatedAt: o.CreatedAt}
	if err := r.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("failed to create owner: %w", err)
	}
	return nil
}

// GetOwner retrieves an owner by its ID.
func (r *GormRepository) GetOwner(ctx context.Context, id string) (*model.Owner, error) {
	return findOwner(r.db.WithContext(ctx), id)
}

// Count returns the current number of tasks, or -1 if the count fails.
func (r *GormRepository) Count() int64 {
	var n int64
	if err := r.db.Model(&taskRecord{}).Count(&n).Error; err != nil {
		return -1
	}
	return n
}

// Close closes the underlying connection pool.
func (r *GormRepository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func findTask(db *gorm.DB, id string) (*model.Task, error) {
	var rec taskRecord
	if err := db.Where("id = ?", id).Take(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, model.ErrTaskNotFound
		}
		return nil, fmt.Errorf("failed to load task %s: %w", id, err)
	}
	return rec.toModel(), nil
}

func findOwner(db *gorm.DB, id string) (*model.Owner, error) {
	var rec ownerRecord
	if err := db.Where("id = ?", id).Take(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, model.ErrOwnerNotFound
		}
		return nil, fmt.Errorf("failed to load owner %s: %w", id, err)
	}
	return &model.Owner{ID: rec.ID, Name: rec.Name, CreatedAt: rec.CreatedAt.UTC()}, nil
}

type gormTx struct {
	db       *gorm.DB
	lockRows bool
}

func (tx *gormTx) GetOwner(_ context.Context, id string) (*model.Owner, error) {
	return findOwner(tx.db, id)
}

func (tx *gormTx) GetTask(_ context.Context, id string) (*model.Task, error) {
	return findTask(tx.db, id)
}

// LockTask reads the row with SELECT ... FOR UPDATE so concurrent walks
// through the same ancestor queue behind each other.
func (tx *gormTx) LockTask(_ context.Context, id string) (*model.Task, error) {
	db := tx.db
	if tx.lockRows {
		db = db.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return findTask(db, id)
}

func (tx *gormTx) ChildStatuses(_ context.Context, parentID string) ([]model.Status, error) {
	var raw []string
	if err := tx.db.Model(&taskRecord{}).Where("parent_id = ?", parentID).Pluck("status", &raw).Error; err != nil {
		return nil, err
	}
	statuses := make([]model.Status, len(raw))
	for i, s := range raw {
		statuses[i] = model.Status(s)
	}
	return statuses, nil
}

func (tx *gormTx) SaveFlags(_ context.Context, id string, canComplete, canDelete bool) error {
	res := tx.db.Model(&taskRecord{}).Where("id = ?", id).Updates(map[string]any{
		"can_complete": canComplete,
		"can_delete":   canDelete,
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return model.ErrTaskNotFound
	}
	return nil
}

func (tx *gormTx) InsertTask(_ context.Context, t *model.Task) error {
	if err := tx.db.Omit(clause.Associations).Create(toRecord(t)).Error; err != nil {
		return fmt.Errorf("failed to insert task: %w", err)
	}
	return nil
}

func (tx *gormTx) UpdateTask(_ context.Context, t *model.Task) error {
	res := tx.db.Model(&taskRecord{}).Where("id = ?", t.ID).Updates(map[string]any{
		"status":       string(t.Status),
		"priority":     t.Priority,
		"title":            t.Title,
		"description":      t.Description,
		"completed_at":     t.CompletedAt,
		"title_fold":       query.Fold(t.Title),
		"description_fold": query.Fold(t.Description),
	})
	if res.Error != nil {
		return fmt.Errorf("failed to update task %s: %w", t.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return model.ErrTaskNotFound
	}
	return nil
}

func (tx *gormTx) Subtree(ctx context.Context, id string) ([]string, error) {
	if _, err := tx.GetTask(ctx, id); err != nil {
		return nil, err
	}
	out := []string{id}
	frontier := []string{id}
	for len(frontier) > 0 {
		var next []string
		err := tx.db.Model(&taskRecord{}).Where("parent_id IN ?", frontier).
			Order("created_at ASC").Order("id ASC").Pluck("id", &next).Error
		if err != nil {
			return nil, fmt.Errorf("failed to load descendants of %s: %w", id, err)
		}
		out = append(out, next...)
		frontier = next
	}
	return out, nil
}

func (tx *gormTx) DeleteTasks(_ context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := tx.db.Where("id IN ?", ids).Delete(&taskRecord{}).Error; err != nil {
		return fmt.Errorf("failed to delete tasks: %w", err)
	}
	return nil
}

func (tx *gormTx) Tasks(_ context.Context) ([]*model.Task, error) {
	var recs []taskRecord
	if err := tx.db.Order("created_at ASC").Order("id ASC").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("failed to load tasks: %w", err)
	}
	tasks := make([]*model.Task, 0, len(recs))
	for i := range recs {
		tasks = append(tasks, recs[i].toModel())
	}
	return tasks, nil
}
