package repository

import (
	"context"

	"data-rsync/internal/errs"
	"data-rsync/internal/model"

	"gorm.io/gorm"
)

type DataSourceRepository interface {
	Create(ctx context.Context, ds *model.DataSource) error
	Get(ctx context.Context, id uint) (*model.DataSource, error)
	List(ctx context.Context) ([]model.DataSource, error)
	Save(ctx context.Context, ds *model.DataSource) error
	Delete(ctx context.Context, id uint) error
	InUse(ctx context.Context, id uint) bool
}

type dataSourceRepository struct {
	db *gorm.DB
}

func NewDataSourceRepository(db *gorm.DB) DataSourceRepository {
	return &dataSourceRepository{db: db}
}

func (r *dataSourceRepository) Create(ctx context.Context, ds *model.DataSource) error {
	var count int64
	r.db.WithContext(ctx).Model(&model.DataSource{}).Where("name = ?", ds.Name).Count(&count)
	if count > 0 {
		return errs.Conflictf("datasource.create", "data source %q already exists", ds.Name)
	}
	return dbErr("datasource.create", r.db.WithContext(ctx).Create(ds).Error)
}

func (r *dataSourceRepository) Get(ctx context.Context, id uint) (*model.DataSource, error) {
	var ds model.DataSource
	if err := r.db.WithContext(ctx).First(&ds, id).Error; err != nil {
		return nil, dbErr("datasource.get", err)
	}
	return &ds, nil
}

func (r *dataSourceRepository) List(ctx context.Context) ([]model.DataSource, error) {
	var list []model.DataSource
	err := r.db.WithContext(ctx).Order("id").Find(&list).Error
	return list, dbErr("datasource.list", err)
}

func (r *dataSourceRepository) Save(ctx context.Context, ds *model.DataSource) error {
	return dbErr("datasource.save", r.db.WithContext(ctx).Save(ds).Error)
}

func (r *dataSourceRepository) Delete(ctx context.Context, id uint) error {
	if r.InUse(ctx, id) {
		return errs.Conflictf("datasource.delete", "data source %d is referenced by tasks", id)
	}
	res := r.db.WithContext(ctx).Delete(&model.DataSource{}, id)
	if res.Error != nil {
		return dbErr("datasource.delete", res.Error)
	}
	if res.RowsAffected == 0 {
		return errs.NotFoundf("datasource.delete", "data source %d not found", id)
	}
	return nil
}

// InUse 是否仍有任务引用
func (r *dataSourceRepository) InUse(ctx context.Context, id uint) bool {
	var count int64
	r.db.WithContext(ctx).Model(&model.Task{}).Where("data_source_id = ?", id).Count(&count)
	return count > 0
}
