package service

import (
	"context"
	"time"

	"data-rsync/internal/dto"
	"data-rsync/internal/model"
	"data-rsync/internal/repository"
	"data-rsync/internal/source"

	"github.com/rs/zerolog"
	"gorm.io/datatypes"
)

type DataSourceService struct {
	repo     repository.DataSourceRepository
	adapters *source.Manager
	log      zerolog.Logger
}

func NewDataSourceService(repo repository.DataSourceRepository, adapters *source.Manager, log zerolog.Logger) *DataSourceService {
	return &DataSourceService{repo: repo, adapters: adapters, log: log.With().Str("component", "datasource_service").Logger()}
}

// CreateDataSource 未知类型、缺少驱动的类型在这里直接失败
func (s *DataSourceService) CreateDataSource(ctx context.Context, req dto.CreateDataSourceReq) (*model.DataSource, error) {
	ds := &model.DataSource{
		Name:     req.Name,
		Type:     req.Type,
		Host:     req.Host,
		Port:     req.Port,
		Database: req.Database,
		Username: req.Username,
		Password: req.Password,
		Options:  datatypes.JSONMap(req.Options),
		Status:   "active",
	}
	// 1. 校验配置
	if err := s.adapters.Registry().Validate(ds); err != nil {
		return nil, err
	}
	// 2. 落库
	if err := s.repo.Create(ctx, ds); err != nil {
		return nil, err
	}
	return ds, nil
}

func (s *DataSourceService) UpdateDataSource(ctx context.Context, id uint, req dto.UpdateDataSourceReq) (*model.DataSource, error) {
	ds, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	old := *ds
	if req.Host != nil {
		ds.Host = *req.Host
	}
	if req.Port != nil {
		ds.Port = *req.Port
	}
	if req.Database != nil {
		ds.Database = *req.Database
	}
	if req.Username != nil {
		ds.Username = *req.Username
	}
	if req.Password != nil {
		ds.Password = *req.Password
	}
	if req.Options != nil {
		ds.Options = datatypes.JSONMap(req.Options)
	}
	if err := s.adapters.Registry().Validate(ds); err != nil {
		return nil, err
	}
	if err := s.repo.Save(ctx, ds); err != nil {
		return nil, err
	}
	// 连接参数变了, 旧连接池作废
	s.adapters.Evict(&old)
	return ds, nil
}

func (s *DataSourceService) GetDataSource(ctx context.Context, id uint) (*model.DataSource, error) {
	return s.repo.Get(ctx, id)
}

func (s *DataSourceService) ListDataSources(ctx context.Context) ([]model.DataSource, error) {
	return s.repo.List(ctx)
}

// DeleteDataSource 仍被任务引用时返回 Conflict
func (s *DataSourceService) DeleteDataSource(ctx context.Context, id uint) error {
	ds, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	s.adapters.Evict(ds)
	return nil
}

// TestConnection 建立连接并记录检查结果
func (s *DataSourceService) TestConnection(ctx context.Context, id uint) error {
	ds, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	_, connErr := s.adapters.Adapter(ctx, ds)
	now := time.Now()
	ds.LastCheckTime = &now
	if connErr != nil {
		ds.Status, ds.ErrorMsg = "error", connErr.Error()
	} else {
		ds.Status, ds.ErrorMsg = "active", ""
	}
	if err := s.repo.Save(ctx, ds); err != nil {
		s.log.Warn().Err(err).Uint("datasource_id", id).Msg("保存连接检查结果失败")
	}
	return connErr
}

// ListTables 源库表清单
func (s *DataSourceService) ListTables(ctx context.Context, id uint) ([]string, error) {
	ds, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	a, err := s.adapters.Adapter(ctx, ds)
	if err != nil {
		return nil, err
	}
	return a.ListTables(ctx, ds.Database)
}

func (s *DataSourceService) ListColumns(ctx context.Context, id uint, table string) ([]dto.ColumnResp, error) {
	ds, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	a, err := s.adapters.Adapter(ctx, ds)
	if err != nil {
		return nil, err
	}
	cols, err := a.ListColumns(ctx, ds.Database, table)
	if err != nil {
		return nil, err
	}
	out := make([]dto.ColumnResp, len(cols))
	for i, c := range cols {
		out[i] = dto.ColumnResp{Name: c.Name, Type: c.Type, Nullable: c.Nullable, PrimaryKey: c.PrimaryKey}
	}
	return out, nil
}
