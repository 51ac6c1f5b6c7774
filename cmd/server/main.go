package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/wfunc/serial-bridge/internal/api"
	"github.com/wfunc/serial-bridge/internal/bot"
	"github.com/wfunc/serial-bridge/internal/bridge"
	"github.com/wfunc/serial-bridge/internal/config"
	"github.com/wfunc/serial-bridge/internal/console"
	"github.com/wfunc/serial-bridge/internal/database"
	apperrors "github.com/wfunc/serial-bridge/internal/errors"
	"github.com/wfunc/serial-bridge/internal/logger"
	"github.com/wfunc/serial-bridge/internal/service"
	"github.com/wfunc/serial-bridge/internal/utils"
	"go.uber.org/zap"
)

// 版本信息
var (
	Version   = "1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// Server 服务实例
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	bridge     *bridge.Bridge
	logService *service.ExchangeLogService
	hub        *console.Hub
	bot        *bot.Bot
	httpServer *http.Server

	wg sync.WaitGroup
}

func main() {
	// 命令行参数
	var (
		configPath   = flag.String("config", "", "配置文件路径")
		mockMode     = flag.Bool("mock", false, "使用模拟串口（调试）")
		hashPassword = flag.String("hash-password", "", "生成管理接口密码哈希后退出")
		showVersion  = flag.Bool("version", false, "显示版本信息")
		showHelp     = flag.Bool("help", false, "显示帮助信息")
	)

	flag.Parse()

	if *showVersion {
		printVersion()
		os.Exit(0)
	}

	if *showHelp {
		printHelp()
		os.Exit(0)
	}

	// 生成argon2id哈希，便于填写admin.password_hash
	if *hashPassword != "" {
		hash, err := utils.HashPassword(*hashPassword)
		if err != nil {
			fmt.Printf("生成密码哈希失败: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(hash)
		os.Exit(0)
	}

	// 加载配置
	if err := config.Init(*configPath); err != nil {
		fmt.Printf("加载配置失败: %v\n", err)
		os.Exit(1)
	}

	cfg := config.Get()

	// 命令行开关覆盖配置
	if *mockMode {
		cfg.Serial.MockMode = true
	}

	// 初始化日志系统
	if err := logger.Init(&cfg.Log); err != nil {
		fmt.Printf("初始化日志失败: %v\n", err)
		os.Exit(1)
	}

	if cfg.Server.Mode == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	// 打印启动信息
	printStartInfo(cfg)

	// 创建服务实例
	server := NewServer(cfg)

	// 启动服务
	if err := server.Start(); err != nil {
		logger.Fatal("服务启动失败", zap.Error(err))
	}

	// 等待退出信号
	server.WaitForShutdown()

	// 优雅关闭
	if err := server.Shutdown(); err != nil {
		logger.Error("服务关闭失败", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("服务已安全关闭")
}

// NewServer 创建服务实例
func NewServer(cfg *config.Config) *Server {
	return &Server{
		cfg:    cfg,
		logger: logger.GetLogger(),
	}
}

// Start 启动服务
func (s *Server) Start() error {
	s.logger.Info("正在启动串口桥接服务...",
		zap.String("version", Version),
		zap.String("mode", s.cfg.Server.Mode),
	)

	// 初始化各个组件
	if err := s.initComponents(); err != nil {
		return err
	}

	// 启动各个服务
	if err := s.startServices(); err != nil {
		return err
	}

	// 监听配置变化
	config.Watch(func(newCfg *config.Config) {
		s.logger.Info("配置已更新，正在重新加载...")
		s.reloadConfig(newCfg)
	})

	s.logger.Info("服务启动成功",
		zap.String("device", s.bridge.Device()),
		zap.Bool("serial_connected", s.bridge.IsConnected()),
		zap.Bool("admin_api", s.httpServer != nil),
	)

	return nil
}

// initComponents 初始化组件
func (s *Server) initComponents() error {
	if err := s.initDatabase(); err != nil {
		return err
	}

	s.initBridge()
	s.initLogService()
	s.initConsole()

	if err := s.initBot(); err != nil {
		return err
	}

	return s.initAdminAPI()
}

// initDatabase 初始化数据库
func (s *Server) initDatabase() error {
	// GORM接管前先做SQLite底层维护
	if s.cfg.Database.Driver == "sqlite" {
		if err := database.MaintainSQLite(s.cfg.Database.DSN); err != nil {
			s.logger.Warn("SQLite维护失败", zap.Error(err))
		}
	}

	if err := database.Init(&s.cfg.Database); err != nil {
		return apperrors.Wrap(err, apperrors.ErrDatabaseConnect, "初始化数据库连接失败")
	}

	if s.cfg.Database.AutoMigrate {
		if err := database.AutoMigrate(); err != nil {
			return apperrors.Wrap(err, apperrors.ErrDatabaseConnect, "数据库迁移失败")
		}
	}

	if !database.IsConnected() {
		return apperrors.New(apperrors.ErrDatabaseConnect, "数据库连接检查失败")
	}

	s.logger.Info("数据库初始化完成", zap.String("driver", s.cfg.Database.Driver))
	return nil
}

// initBridge 构造串口桥接器
func (s *Server) initBridge() {
	sc := s.cfg.Serial

	s.bridge = bridge.New(bridge.Options{
		Settings: bridge.Settings{
			Port:           sc.Port,
			BaudRate:       sc.BaudRate,
			DataBits:       sc.DataBits,
			StopBits:       sc.StopBits,
			Parity:         sc.Parity,
			ReadTimeout:    sc.ReadTimeout,
			Encoding:       sc.Encoding,
			EncodingErrors: sc.EncodingErrors,
		},
		MockMode:             sc.MockMode,
		AutoConnect:          sc.AutoConnect && sc.Enabled,
		DiscardEcho:          sc.DiscardEcho,
		QueueSize:            sc.QueueSize,
		DefaultTimeout:       sc.DefaultTimeout,
		TimeoutOverrides:     sc.TimeoutOverrides,
		CompletionIndicators: sc.CompletionIndicators,
		DevicePatterns:       sc.DevicePatterns,
		Reconnect: bridge.ReconnectOptions{
			Enabled:     sc.Reconnect.Enabled,
			Interval:    sc.Reconnect.Interval,
			MaxInterval: sc.Reconnect.MaxInterval,
		},
	})
}

// initLogService 初始化交换日志服务
func (s *Server) initLogService() {
	s.logService = service.NewExchangeLogService(database.GetDB())
	s.bridge.AddObserver(s.logService.Record)
}

// initConsole 初始化实时控制台
func (s *Server) initConsole() {
	if !s.cfg.Console.Enabled {
		return
	}

	s.hub = console.NewHub(s.cfg.Console, s.bridge, logger.GetModuleLogger("console"))
	s.bridge.AddObserver(s.hub.BroadcastExchange)
	s.bridge.AddStatusObserver(s.hub.BroadcastStatus)
}

// initBot 构造Discord机器人
func (s *Server) initBot() error {
	b, err := bot.New(&s.cfg.Discord, s.bridge)
	if err != nil {
		return err
	}
	s.bot = b
	return nil
}

// initAdminAPI 构造管理接口
func (s *Server) initAdminAPI() error {
	ac := s.cfg.Admin
	if !ac.Enabled {
		return nil
	}

	// 管理接口开启时凭据必须完整，缺失直接拒绝启动
	if ac.Username == "" || ac.PasswordHash == "" || ac.JWT.Secret == "" {
		return apperrors.New(apperrors.ErrConfigMissing,
			"admin.username/password_hash/jwt.secret 未配置完整，请补齐或关闭 admin.enabled（-hash-password 可生成哈希）")
	}

	router := api.NewRouter(api.Dependencies{
		Config:     s.cfg,
		DB:         database.GetDB(),
		Bridge:     s.bridge,
		LogService: s.logService,
		Hub:        s.hub,
		Logger:     logger.GetModuleLogger("api"),
	})

	addr := fmt.Sprintf("%s:%d", ac.Host, ac.Port)
	s.httpServer = router.HTTPServer(addr, ac.ReadTimeout, ac.WriteTimeout)
	return nil
}

// startServices 启动服务
func (s *Server) startServices() error {
	// 桥接器先起，机器人和管理接口都依赖它。
	// auto_connect开启时串口打开失败在这里直接失败。
	if err := s.bridge.Start(); err != nil {
		return err
	}

	if s.hub != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.hub.Run()
		}()
	}

	if s.httpServer != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.logger.Info("管理接口已启动", zap.String("address", s.httpServer.Addr))
			if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				s.logger.Error("管理接口异常退出", zap.Error(err))
			}
		}()
	}

	// Discord网关认证失败会让整个启动失败
	if err := s.bot.Start(); err != nil {
		return err
	}

	return nil
}

// WaitForShutdown 等待关闭信号
func (s *Server) WaitForShutdown() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT,
	)

	sig := <-sigCh
	s.logger.Info("收到退出信号", zap.String("signal", sig.String()))
}

// Shutdown 优雅关闭：先停外部入口，再排空内部队列
func (s *Server) Shutdown() error {
	s.logger.Info("正在关闭服务...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	// 停止接收新请求：管理接口和Discord命令
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("管理接口关闭异常", zap.Error(err))
		}
	}
	if s.bot != nil {
		s.bot.Stop()
	}

	// 排空命令队列并关闭串口
	if s.bridge != nil {
		s.bridge.Stop()
	}

	// 广播源已停，再停控制台
	if s.hub != nil {
		s.hub.Stop()
	}

	// 落盘剩余的交换日志
	if s.logService != nil {
		s.logService.Close()
	}

	// 等待后台协程退出
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("所有服务已正常关闭")
	case <-shutdownCtx.Done():
		s.logger.Warn("关闭超时，强制退出")
	}

	if err := database.Close(); err != nil {
		s.logger.Error("关闭数据库失败", zap.Error(err))
	}

	if err := logger.Sync(); err != nil {
		fmt.Printf("同步日志失败: %v\n", err)
	}

	return nil
}

// reloadConfig 应用新配置。串口参数和服务器ID的变更需要重启。
func (s *Server) reloadConfig(newCfg *config.Config) {
	s.cfg = newCfg

	if s.bot != nil {
		s.bot.ApplyConfig(&newCfg.Discord)
	}
	if s.bridge != nil {
		s.bridge.UpdateTimeouts(newCfg.Serial.DefaultTimeout, newCfg.Serial.TimeoutOverrides)
	}

	s.logger.Info("配置重新加载完成")
}

// printVersion 打印版本信息
func printVersion() {
	fmt.Printf("串口桥接服务\n")
	fmt.Printf("版本: %s\n", Version)
	fmt.Printf("构建时间: %s\n", BuildTime)
	fmt.Printf("Git提交: %s\n", GitCommit)
	fmt.Printf("Go版本: %s\n", runtime.Version())
	fmt.Printf("操作系统: %s/%s\n", runtime.GOOS, runtime.GOARCH)
}

// printHelp 打印帮助信息
func printHelp() {
	fmt.Println("串口桥接服务")
	fmt.Println()
	fmt.Println("用法:")
	fmt.Println("  serial-bridge-server [选项]")
	fmt.Println()
	fmt.Println("选项:")
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println("环境变量:")
	fmt.Println("  DISCORD_TOKEN                 Discord机器人令牌（优先级低于配置文件）")
	fmt.Println("  SERIAL_BRIDGE_SERIAL_PORT     串口设备路径")
	fmt.Println("  SERIAL_BRIDGE_ADMIN_PORT      管理接口端口")
	fmt.Println()
	fmt.Println("示例:")
	fmt.Println("  serial-bridge-server -config=/path/to/config.yaml")
	fmt.Println("  serial-bridge-server -mock")
	fmt.Println("  serial-bridge-server -hash-password=secret")
}

// printStartInfo 打印启动信息
func printStartInfo(cfg *config.Config) {
	banner := `
╔══════════════════════════════════════════════════════════╗
║                                                          ║
║   ____            _       _   ____       _     _         ║
║  / ___|  ___ _ __(_) __ _| | | __ ) _ __(_) __| | __ _   ║
║  \___ \ / _ \ '__| |/ _` + "`" + ` | | |  _ \| '__| |/ _` + "`" + ` |/ _` + "`" + ` |  ║
║   ___) |  __/ |  | | (_| | | | |_) | |  | | (_| | (_| |  ║
║  |____/ \___|_|  |_|\__,_|_| |____/|_|  |_|\__,_|\__, |  ║
║                                                  |___/   ║
║                                                          ║
║                 Discord 串口桥接服务                     ║
║                                                          ║
╚══════════════════════════════════════════════════════════╝
`
	fmt.Println(banner)
	fmt.Printf("版本: %s | 模式: %s | PID: %d\n", Version, cfg.Server.Mode, os.Getpid())
	fmt.Printf("串口: %s | 管理接口: %s:%d\n", cfg.Serial.Port, cfg.Admin.Host, cfg.Admin.Port)
	fmt.Println("══════════════════════════════════════════════════════════")
}
