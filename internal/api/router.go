package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/wfunc/serial-bridge/internal/bridge"
	"github.com/wfunc/serial-bridge/internal/config"
	"github.com/wfunc/serial-bridge/internal/console"
	"github.com/wfunc/serial-bridge/internal/middleware"
	"github.com/wfunc/serial-bridge/internal/service"
	"github.com/wfunc/serial-bridge/internal/utils"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Dependencies 路由器依赖
type Dependencies struct {
	Config     *config.Config
	DB         *gorm.DB
	Bridge     *bridge.Bridge
	LogService *service.ExchangeLogService
	Hub        *console.Hub
	Logger     *zap.Logger
}

// Router 管理接口路由器
type Router struct {
	engine         *gin.Engine
	db             *gorm.DB
	bridge         *bridge.Bridge
	authHandler    *AuthHandler
	bridgeHandler  *BridgeHandler
	logAPI         *ExchangeLogAPI
	consoleHandler *ConsoleHandler
	authMiddleware *middleware.AuthMiddleware
	consoleEnabled bool
}

// NewRouter 创建路由器
func NewRouter(deps Dependencies) *Router {
	engine := gin.New()

	// 全局中间件
	engine.Use(gin.Recovery())
	engine.Use(gin.Logger())

	// JWT管理器
	jwtCfg := deps.Config.Admin.JWT
	expireHours := jwtCfg.ExpireHours
	if expireHours <= 0 {
		expireHours = 24
	}
	refreshHours := jwtCfg.RefreshHours
	if refreshHours <= 0 {
		refreshHours = 24 * 7
	}
	jwtManager := utils.NewJWTManager(
		jwtCfg.Secret,
		time.Duration(expireHours)*time.Hour,
		time.Duration(refreshHours)*time.Hour,
	)

	// 认证服务与中间件
	authService := service.NewAuthService(&deps.Config.Admin, jwtManager, deps.Logger)
	authMiddleware := middleware.NewAuthMiddleware(authService)

	router := &Router{
		engine:         engine,
		db:             deps.DB,
		bridge:         deps.Bridge,
		authHandler:    NewAuthHandler(authService),
		bridgeHandler:  NewBridgeHandler(deps.Bridge, deps.Logger),
		authMiddleware: authMiddleware,
		consoleEnabled: deps.Config.Console.Enabled && deps.Hub != nil,
	}

	if deps.LogService != nil {
		router.logAPI = NewExchangeLogAPI(deps.LogService)
	}
	if router.consoleEnabled {
		router.consoleHandler = NewConsoleHandler(deps.Hub, deps.Config.Console, deps.Logger)
	}

	router.setupRoutes()

	return router
}

// setupRoutes 设置路由
func (r *Router) setupRoutes() {
	// 健康检查
	r.engine.GET("/health", r.healthCheck)

	// API文档
	registerOpenAPIRoutes(r.engine)
	registerSwaggerRoutes(r.engine)

	// API v1路由组
	v1 := r.engine.Group("/api/v1")
	{
		// 认证相关路由（不需要认证）
		auth := v1.Group("/auth")
		{
			auth.POST("/login", r.authHandler.Login)
			auth.POST("/refresh", r.authHandler.RefreshToken)

			// 需要认证的路由
			authRequired := auth.Group("")
			authRequired.Use(r.authMiddleware.RequireAuth())
			{
				authRequired.GET("/profile", r.authHandler.GetProfile)
			}
		}

		// 桥接器管理路由（需要认证）
		br := v1.Group("/bridge")
		br.Use(r.authMiddleware.RequireAuth())
		{
			br.GET("/status", r.bridgeHandler.GetStatus)
			br.POST("/execute", r.bridgeHandler.Execute)
			br.GET("/settings", r.bridgeHandler.GetSettings)
		}

		// 改变连接状态和串口参数的操作需要管理员角色
		brAdmin := v1.Group("/bridge")
		brAdmin.Use(r.authMiddleware.RequireRole(service.RoleAdmin))
		{
			brAdmin.POST("/connect", r.bridgeHandler.Connect)
			brAdmin.POST("/disconnect", r.bridgeHandler.Disconnect)
			brAdmin.POST("/flush", r.bridgeHandler.Flush)
			brAdmin.PUT("/settings", r.bridgeHandler.UpdateSettings)
		}

		// 交换日志路由（需要认证）
		if r.logAPI != nil {
			logs := v1.Group("")
			logs.Use(r.authMiddleware.RequireAuth())
			r.logAPI.RegisterRoutes(logs)
		}

		// 实时控制台WebSocket（需要认证，支持?token=）
		if r.consoleEnabled {
			ws := v1.Group("/ws")
			ws.Use(r.authMiddleware.RequireAuth())
			{
				ws.GET("/console", r.consoleHandler.Serve)
				ws.GET("/console/stats", r.consoleHandler.GetOnlineCount)
			}
		}
	}

	// 静态文件服务（文档页面的本地资源）
	r.engine.Static("/static", "./static")

	// 404处理
	r.engine.NoRoute(func(c *gin.Context) {
		c.JSON(404, gin.H{
			"code":    "NOT_FOUND",
			"message": "接口不存在",
		})
	})
}

// healthCheck 健康检查
func (r *Router) healthCheck(c *gin.Context) {
	// 检查数据库连接
	if r.db != nil {
		sqlDB, err := r.db.DB()
		if err != nil {
			c.JSON(500, gin.H{
				"status":  "unhealthy",
				"message": "数据库连接失败",
			})
			return
		}

		if err := sqlDB.Ping(); err != nil {
			c.JSON(500, gin.H{
				"status":  "unhealthy",
				"message": "数据库ping失败",
			})
			return
		}
	}

	c.JSON(200, gin.H{
		"status":           "healthy",
		"serial_connected": r.bridge.IsConnected(),
		"device":           r.bridge.Device(),
	})
}

// HTTPServer 构造带超时的HTTP服务器
func (r *Router) HTTPServer(addr string, readTimeout, writeTimeout time.Duration) *http.Server {
	if readTimeout <= 0 {
		readTimeout = 15 * time.Second
	}
	if writeTimeout <= 0 {
		// 串口命令最长可能等45秒，写超时要覆盖它
		writeTimeout = 60 * time.Second
	}
	return &http.Server{
		Addr:         addr,
		Handler:      r.engine,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}
}

// GetEngine 获取Gin引擎（用于测试）
func (r *Router) GetEngine() *gin.Engine {
	return r.engine
}
