package data

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"strconv"

	"data-rsync/internal/conf"
	"data-rsync/internal/model"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/qdrant/go-client/qdrant"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	_ "modernc.org/sqlite"
)

// Data 持有所有外部存储的句柄
type Data struct {
	DB     *gorm.DB
	Redis  *redis.Client
	Minio  *minio.Client // 未配置时为 nil
	Qdrant *qdrant.Client
}

func NewData(cfg *conf.Config, log zerolog.Logger) (*Data, func(), error) {
	log = log.With().Str("component", "data").Logger()

	// 1. 元数据库
	db, err := OpenDB(cfg.Data.DatabaseDriver, cfg.Data.DatabaseSource, gormlogger.Warn)
	if err != nil {
		return nil, nil, err
	}
	if err := Migrate(db); err != nil {
		return nil, nil, err
	}
	log.Info().Str("driver", cfg.Data.DatabaseDriver).Msg("数据库表结构迁移完成")

	d := &Data{DB: db}

	// 2. Redis: 断点、状态、租约、队列
	d.Redis = redis.NewClient(&redis.Options{
		Addr:     cfg.Data.RedisAddr,
		Password: cfg.Data.RedisPassword,
		DB:       cfg.Data.RedisDB,
	})
	if err := d.Redis.Ping(context.Background()).Err(); err != nil {
		d.close()
		return nil, nil, fmt.Errorf("redis ping failed: %w", err)
	}
	log.Info().Str("addr", cfg.Data.RedisAddr).Msg("Redis 连接成功")

	// 3. MinIO: 一致性报告归档
	if cfg.Data.MinioEndpoint != "" {
		d.Minio, err = minio.New(cfg.Data.MinioEndpoint, &minio.Options{
			Creds:  credentials.NewStaticV4(cfg.Data.MinioAccessKey, cfg.Data.MinioSecretKey, ""),
			Secure: cfg.Data.MinioSecure,
		})
		if err != nil {
			d.close()
			return nil, nil, fmt.Errorf("minio init failed: %w", err)
		}
		if err := ensureBucket(context.Background(), d.Minio, cfg.Data.MinioBucket); err != nil {
			// 报告归档不是主链路, 对象存储不可用时降级
			log.Warn().Err(err).Str("bucket", cfg.Data.MinioBucket).Msg("MinIO 不可用, 报告不归档")
			d.Minio = nil
		}
	}

	// 4. Qdrant
	if cfg.Data.VectorBackend == "qdrant" {
		host, port := parseHostPort(cfg.Data.QdrantAddr, "localhost", 6334)
		d.Qdrant, err = qdrant.NewClient(&qdrant.Config{
			Host:   host,
			Port:   port,
			APIKey: cfg.Data.QdrantAPIKey,
		})
		if err != nil {
			d.close()
			return nil, nil, fmt.Errorf("qdrant init failed: %w", err)
		}
		if _, err := d.Qdrant.ListCollections(context.Background()); err != nil {
			log.Warn().Err(err).Str("addr", cfg.Data.QdrantAddr).Msg("Qdrant 暂不可用, 首次写入时重试")
		}
	}

	cleanup := func() {
		log.Info().Msg("正在关闭数据层资源")
		d.close()
	}
	return d, cleanup, nil
}

func (d *Data) close() {
	if d.DB != nil {
		if sqlDB, err := d.DB.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	if d.Redis != nil {
		_ = d.Redis.Close()
	}
	if d.Qdrant != nil {
		_ = d.Qdrant.Close()
	}
}

// OpenDB postgres 为默认元数据库; sqlite 用于单节点部署和测试
func OpenDB(driver, dsn string, level gormlogger.LogLevel) (*gorm.DB, error) {
	gcfg := &gorm.Config{Logger: gormlogger.Default.LogMode(level)}
	switch driver {
	case "", "postgres":
		db, err := gorm.Open(postgres.Open(dsn), gcfg)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		return db, nil
	case "sqlite":
		sqlDB, err := sql.Open("sqlite", dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		// sqlite 单写者
		sqlDB.SetMaxOpenConns(1)
		db, err := gorm.Open(sqlite.Dialector{Conn: sqlDB}, gcfg)
		if err != nil {
			_ = sqlDB.Close()
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		return db, nil
	default:
		return nil, fmt.Errorf("unsupported DATA_DB_DRIVER %q", driver)
	}
}

// Migrate 建表或补齐字段
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&model.DataSource{},
		&model.Task{},
		&model.TaskErrorData{},
		&model.TaskRunLog{},
	); err != nil {
		return fmt.Errorf("schema migration failed: %w", err)
	}
	return nil
}

func ensureBucket(ctx context.Context, client *minio.Client, bucket string) error {
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{})
}

// parseHostPort 解析 "host:port", 失败时使用默认值
func parseHostPort(addr string, defaultHost string, defaultPort int) (string, int) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return defaultHost, defaultPort
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return host, defaultPort
	}
	return host, port
}
