package repository

import (
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/wfunc/serial-bridge/internal/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// isCI 检查是否在CI环境中运行
func isCI() bool {
	// GitHub Actions 设置 CI=true
	// 其他CI系统也通常设置 CI 环境变量
	return os.Getenv("CI") == "true" || os.Getenv("GITHUB_ACTIONS") == "true"
}

// SetupTestDB 为测试套件设置测试数据库。
// 使用内存数据库（更快，不需要文件系统，在所有环境中都能工作）。
func SetupTestDB() *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		panic(err)
	}

	// 自动迁移所有模型
	if err := db.AutoMigrate(&models.ExchangeLog{}); err != nil {
		panic(err)
	}

	return db
}

// CleanupTestDB 清理测试数据库
func CleanupTestDB(db *gorm.DB) {
	sqlDB, _ := db.DB()
	if sqlDB != nil {
		sqlDB.Close()
	}
}

// CreateTestExchangeLog 创建测试交换日志
func CreateTestExchangeLog(source models.ExchangeSource, status models.ExchangeStatus, command string) *models.ExchangeLog {
	log := &models.ExchangeLog{
		RequestID: uuid.New().String(),
		SessionID: "test-session",
		Source:    source,
		UserID:    "user-1",
		ChannelID: "channel-1",
		Device:    "/dev/ttyUSB0",
		Command:   command,
		Status:    status,
		Duration:  42,
		CreatedAt: time.Now(),
	}

	switch status {
	case models.ExchangeStatusOK:
		log.Reply = "OK"
	case models.ExchangeStatusTimeout:
		log.ErrCode = 2005
		log.ErrMsg = "命令执行超时"
	case models.ExchangeStatusError:
		log.ErrCode = 2004
		log.ErrMsg = "串口写入失败"
	}

	return log
}
