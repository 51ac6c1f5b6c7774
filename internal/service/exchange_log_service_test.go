package service

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wfunc/serial-bridge/internal/bridge"
	"github.com/wfunc/serial-bridge/internal/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.ExchangeLog{}))

	t.Cleanup(func() {
		sqlDB, _ := db.DB()
		if sqlDB != nil {
			sqlDB.Close()
		}
	})

	return db
}

func testExchange(requestID, command, status string) bridge.Exchange {
	return bridge.Exchange{
		RequestID: requestID,
		Source:    bridge.SourceChat,
		UserID:    "user-1",
		ChannelID: "chan-1",
		Device:    "/dev/ttyUSB0",
		Command:   command,
		Reply:     "OK",
		Status:    status,
		Duration:  120 * time.Millisecond,
		Timestamp: time.Now(),
	}
}

func TestExchangeLogServiceRecordAndFlush(t *testing.T) {
	db := setupTestDB(t)
	svc := NewExchangeLogService(db)
	defer svc.Close()

	svc.Record(testExchange("req-1", "STATUS", bridge.StatusOK))
	svc.Record(testExchange("req-2", "PING", bridge.StatusTimeout))
	svc.Record(testExchange("req-3", "AT", bridge.StatusOK))

	// 批量落库是异步的，显式Flush后立即可查
	svc.Flush()

	logs, total, err := svc.Query(&models.ExchangeLogQuery{})
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	assert.Len(t, logs, 3)

	got, err := svc.GetByRequestID("req-2")
	require.NoError(t, err)
	assert.Equal(t, "PING", got.Command)
	assert.Equal(t, models.ExchangeStatusTimeout, got.Status)
	assert.Equal(t, int64(120), got.Duration)
	assert.Equal(t, svc.SessionID(), got.SessionID)
}

func TestExchangeLogServiceCloseFlushesBuffer(t *testing.T) {
	db := setupTestDB(t)
	svc := NewExchangeLogService(db)

	svc.Record(testExchange("req-close", "STATUS", bridge.StatusOK))
	svc.Close()

	var count int64
	db.Model(&models.ExchangeLog{}).Count(&count)
	assert.Equal(t, int64(1), count)
}

func TestExchangeLogServiceDropsWhenBufferFull(t *testing.T) {
	db := setupTestDB(t)
	svc := NewExchangeLogService(db)

	// 先停掉写入协程，缓冲通道才能被填满
	svc.Close()

	// 超出通道容量的部分被丢弃，Record自身不阻塞
	for i := 0; i < 1100; i++ {
		svc.Record(testExchange(fmt.Sprintf("req-%d", i), "PING", bridge.StatusOK))
	}

	svc.Flush()

	var count int64
	db.Model(&models.ExchangeLog{}).Count(&count)
	assert.Equal(t, int64(1000), count)
}

func TestExchangeLogServiceStats(t *testing.T) {
	db := setupTestDB(t)
	svc := NewExchangeLogService(db)
	defer svc.Close()

	svc.Record(testExchange("req-a", "STATUS", bridge.StatusOK))
	svc.Record(testExchange("req-b", "PING", bridge.StatusTimeout))
	svc.Flush()

	stats, err := svc.GetStats(nil, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.TotalCount)
	assert.Equal(t, int64(1), stats.TotalOK)
	assert.Equal(t, int64(1), stats.TotalTimeout)

	latest, err := svc.GetLatestLogs(1, "")
	require.NoError(t, err)
	require.Len(t, latest, 1)

	errLogs, err := svc.GetErrorLogs(10)
	require.NoError(t, err)
	assert.Len(t, errLogs, 1)
	assert.Equal(t, "PING", errLogs[0].Command)
}

func TestExchangeLogServiceExport(t *testing.T) {
	db := setupTestDB(t)
	svc := NewExchangeLogService(db)
	defer svc.Close()

	svc.Record(testExchange("req-export", "STATUS", bridge.StatusOK))
	svc.Flush()

	data, err := svc.ExportLogs(&models.ExchangeLogQuery{})
	require.NoError(t, err)
	assert.Contains(t, string(data), "req-export")
	assert.Contains(t, string(data), "STATUS")
}
