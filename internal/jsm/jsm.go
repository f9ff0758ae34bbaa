// Package jsm 提供 JSM 守护进程的主入口和初始化逻辑
package jsm

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/jimmicro/grace"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/jimyag/jsm/internal/jsm/api"
	"github.com/jimyag/jsm/internal/jsm/cluster"
	"github.com/jimyag/jsm/internal/jsm/config"
	"github.com/jimyag/jsm/internal/jsm/driver"
	"github.com/jimyag/jsm/internal/jsm/driver/lvmsr"
	"github.com/jimyag/jsm/internal/jsm/driver/shmsr"
	"github.com/jimyag/jsm/internal/jsm/refcount"
	"github.com/jimyag/jsm/internal/jsm/repository"
	"github.com/jimyag/jsm/internal/jsm/service"
	"github.com/jimyag/jsm/pkg/cbtutil"
	"github.com/jimyag/jsm/pkg/cowutil"
	"github.com/jimyag/jsm/pkg/lvm"
	"github.com/jimyag/jsm/pkg/qemuimg"
	"github.com/jimyag/jsm/pkg/vhdutil"
)

type Server struct {
	cfg       *config.Config
	api       *api.API
	srService *service.SRService
	repo      *repository.Repository
	refcount  *badger.DB
}

// NewLogger 按配置构建根 logger
func NewLogger(cfg config.LoggingConfig) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("parse log level: %w", err)
	}
	var w io.Writer = os.Stdout
	if cfg.Format == "console" {
		w = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger(), nil
}

func New(cfg *config.Config) (*Server, error) {
	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}
	zerolog.DefaultContextLogger = &logger
	log.Logger = logger

	// 1. SR/VDI 记录数据库
	repo, err := repository.New(cfg.DatabasePath())
	if err != nil {
		return nil, fmt.Errorf("open repository: %w", err)
	}

	// 2. 引用计数存储
	refDB, err := refcount.Open(cfg.RefcountDir())
	if err != nil {
		_ = repo.Close()
		return nil, fmt.Errorf("open refcount store: %w", err)
	}

	// 3. 对端主机和外部工具
	hosts := cluster.NewStatic(cfg.HostID, cfg.Peers, cfg.PeerTimeout)
	cbt := cbtutil.New(cfg.Tools.CBTUtil)

	env := driver.Env{
		LVM: lvm.New(),
		Utils: map[cowutil.Format]cowutil.Util{
			cowutil.FormatVHD:   vhdutil.New(cfg.Tools.VHDUtil),
			cowutil.FormatQCOW2: qemuimg.NewCowUtil(qemuimg.New(cfg.Tools.QemuImg)),
		},
		Refcount:         refDB,
		Hosts:            hosts,
		CBT:              cbtutil.NewRouter(cfg.HostID, cbt, hosts),
		CBTLogs:          cbt,
		LockDir:          cfg.LockDir(),
		LockTimeout:      cfg.Lock.Timeout,
		CoalesceInterval: cfg.Coalesce.Interval,
		DetachRetries:    cfg.Detach.Retries,
		DetachDelay:      cfg.Detach.Delay,
	}
	if cfg.UseRecordStore {
		env.Records = repository.NewStore(repo)
	}

	// 4. 服务
	registry := driver.NewRegistry(lvmsr.Driver(), shmsr.Driver())
	srService := service.NewSRService(registry, env, repository.NewSRRepository(repo.DB()))
	peerService := service.NewPeerService(srService, cbt, hosts)

	// 5. API
	apiInstance, err := api.New(cfg.Address, srService, srService, peerService)
	if err != nil {
		_ = refDB.Close()
		_ = repo.Close()
		return nil, err
	}

	logger.Info().
		Str("address", cfg.Address).
		Str("hostID", cfg.HostID).
		Strs("types", registry.Types()).
		Msg("Server initialized")

	return &Server{
		cfg:       cfg,
		api:       apiInstance,
		srService: srService,
		repo:      repo,
		refcount:  refDB,
	}, nil
}

func (s *Server) Run(ctx context.Context) error {
	// 重启前已加载的 SR 先恢复，再开始接收请求
	if err := s.srService.Restore(ctx); err != nil {
		return fmt.Errorf("restore SRs: %w", err)
	}

	// 使用 grace.Shepherd 管理服务生命周期
	services := []grace.Grace{
		s.api,
	}

	shepherd := grace.NewShepherd(
		services,
		grace.WithTimeout(30*time.Second),
		grace.WithLogger(&zerologLogger{}),
	)

	shepherd.Start(ctx)
	return s.close(ctx)
}

// close 停止后台合并并关闭存储，SR 保持挂载
func (s *Server) close(ctx context.Context) error {
	if err := s.srService.Close(ctx); err != nil {
		return err
	}
	if err := s.refcount.Close(); err != nil {
		return fmt.Errorf("close refcount store: %w", err)
	}
	return s.repo.Close()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.api.Shutdown(ctx)
}

// Name 实现 grace.Grace 接口
func (s *Server) Name() string {
	return "JSM Server"
}

// zerologLogger 实现 grace.Logger 接口
type zerologLogger struct{}

func (l *zerologLogger) Info(msg string, args ...interface{}) {
	logger := zerolog.DefaultContextLogger.Info()
	if len(args) > 0 {
		logger.Msgf(msg, args...)
	} else {
		logger.Msg(msg)
	}
}

func (l *zerologLogger) Error(msg string, args ...interface{}) {
	logger := zerolog.DefaultContextLogger.Error()
	if len(args) > 0 {
		logger.Msgf(msg, args...)
	} else {
		logger.Msg(msg)
	}
}
