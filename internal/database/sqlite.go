package database

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"github.com/wfunc/serial-bridge/internal/logger"
	"go.uber.org/zap"
)

// sqliteFilePath 从DSN提取文件路径（去掉查询参数）
func sqliteFilePath(dsn string) string {
	path := strings.TrimPrefix(dsn, "file:")
	if idx := strings.IndexByte(path, '?'); idx >= 0 {
		path = path[:idx]
	}
	return path
}

// MaintainSQLite 在GORM接管前对SQLite文件做一次底层维护：
// 确保目录存在、切换WAL日志模式、设置busy_timeout并做完整性快检。
// WAL模式写进数据库文件，之后的连接都会沿用。
func MaintainSQLite(dsn string) error {
	path := sqliteFilePath(dsn)
	if path == "" || path == ":memory:" || strings.Contains(dsn, "mode=memory") {
		return nil
	}

	// 确保数据目录存在
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("创建数据目录失败: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return fmt.Errorf("打开SQLite失败: %w", err)
	}
	defer db.Close()

	// 维护期间只用单连接
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("执行 %s 失败: %w", pragma, err)
		}
	}

	// 完整性快检，损坏的库尽早暴露
	var result string
	if err := db.QueryRow("PRAGMA quick_check").Scan(&result); err != nil {
		return fmt.Errorf("完整性检查失败: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("数据库完整性异常: %s", result)
	}

	logger.Debug("SQLite维护完成",
		zap.String("path", path),
		zap.String("quick_check", result))

	return nil
}
