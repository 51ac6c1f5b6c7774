package repository

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
	"github.com/wfunc/serial-bridge/internal/models"
	"gorm.io/gorm"
)

// ExchangeLogRepositoryTestSuite 交换日志仓储测试套件
type ExchangeLogRepositoryTestSuite struct {
	suite.Suite
	db   *gorm.DB
	repo *ExchangeLogRepository
}

// SetupSuite 设置测试套件
func (suite *ExchangeLogRepositoryTestSuite) SetupSuite() {
	suite.db = SetupTestDB()
	suite.repo = NewExchangeLogRepository(suite.db)
}

// TearDownSuite 清理测试套件
func (suite *ExchangeLogRepositoryTestSuite) TearDownSuite() {
	CleanupTestDB(suite.db)
}

// SetupTest 每个测试前执行
func (suite *ExchangeLogRepositoryTestSuite) SetupTest() {
	suite.db.Exec("DELETE FROM exchange_logs")
}

// TestCreate 测试创建日志
func (suite *ExchangeLogRepositoryTestSuite) TestCreate() {
	log := CreateTestExchangeLog(models.ExchangeSourceChat, models.ExchangeStatusOK, "STATUS")

	err := suite.repo.Create(log)
	assert.NoError(suite.T(), err)
	assert.NotZero(suite.T(), log.ID)
	assert.NotZero(suite.T(), log.Timestamp, "BeforeCreate应补全时间戳")
}

// TestCreateBatch 测试批量创建
func (suite *ExchangeLogRepositoryTestSuite) TestCreateBatch() {
	logs := []*models.ExchangeLog{
		CreateTestExchangeLog(models.ExchangeSourceChat, models.ExchangeStatusOK, "STATUS"),
		CreateTestExchangeLog(models.ExchangeSourceChat, models.ExchangeStatusTimeout, "PING"),
		CreateTestExchangeLog(models.ExchangeSourceConsole, models.ExchangeStatusOK, "AT"),
	}

	err := suite.repo.CreateBatch(logs)
	assert.NoError(suite.T(), err)

	var count int64
	suite.db.Model(&models.ExchangeLog{}).Count(&count)
	assert.Equal(suite.T(), int64(3), count)

	// 空批不报错
	assert.NoError(suite.T(), suite.repo.CreateBatch(nil))
}

// TestBulkInsertWithConflict 测试请求ID冲突时忽略
func (suite *ExchangeLogRepositoryTestSuite) TestBulkInsertWithConflict() {
	log := CreateTestExchangeLog(models.ExchangeSourceChat, models.ExchangeStatusOK, "STATUS")
	assert.NoError(suite.T(), suite.repo.Create(log))

	dup := CreateTestExchangeLog(models.ExchangeSourceChat, models.ExchangeStatusOK, "STATUS")
	dup.RequestID = log.RequestID

	err := suite.repo.BulkInsertWithConflict([]*models.ExchangeLog{dup})
	assert.NoError(suite.T(), err)

	var count int64
	suite.db.Model(&models.ExchangeLog{}).Count(&count)
	assert.Equal(suite.T(), int64(1), count)
}

// TestGetByRequestID 测试按请求ID查询
func (suite *ExchangeLogRepositoryTestSuite) TestGetByRequestID() {
	log := CreateTestExchangeLog(models.ExchangeSourceChat, models.ExchangeStatusOK, "STATUS")
	assert.NoError(suite.T(), suite.repo.Create(log))

	found, err := suite.repo.GetByRequestID(log.RequestID)
	assert.NoError(suite.T(), err)
	assert.Equal(suite.T(), log.Command, found.Command)
	assert.Equal(suite.T(), log.RequestID, found.RequestID)

	byID, err := suite.repo.GetByID(found.ID)
	assert.NoError(suite.T(), err)
	assert.Equal(suite.T(), found.RequestID, byID.RequestID)

	_, err = suite.repo.GetByRequestID("missing")
	assert.ErrorIs(suite.T(), err, gorm.ErrRecordNotFound)

	_, err = suite.repo.GetByID(99999)
	assert.ErrorIs(suite.T(), err, gorm.ErrRecordNotFound)
}

// TestQuery 测试组合查询
func (suite *ExchangeLogRepositoryTestSuite) TestQuery() {
	logs := []*models.ExchangeLog{
		CreateTestExchangeLog(models.ExchangeSourceChat, models.ExchangeStatusOK, "STATUS"),
		CreateTestExchangeLog(models.ExchangeSourceChat, models.ExchangeStatusTimeout, "PING"),
		CreateTestExchangeLog(models.ExchangeSourceConsole, models.ExchangeStatusOK, "AT+CWLAP"),
		CreateTestExchangeLog(models.ExchangeSourceConsole, models.ExchangeStatusError, "AT+CWJAP"),
	}
	assert.NoError(suite.T(), suite.repo.CreateBatch(logs))

	// 按来源过滤
	got, total, err := suite.repo.Query(&models.ExchangeLogQuery{Source: models.ExchangeSourceChat})
	assert.NoError(suite.T(), err)
	assert.Equal(suite.T(), int64(2), total)
	assert.Len(suite.T(), got, 2)

	// 按状态过滤
	got, total, err = suite.repo.Query(&models.ExchangeLogQuery{Status: models.ExchangeStatusTimeout})
	assert.NoError(suite.T(), err)
	assert.Equal(suite.T(), int64(1), total)
	assert.Equal(suite.T(), "PING", got[0].Command)

	// 命令模糊匹配
	got, total, err = suite.repo.Query(&models.ExchangeLogQuery{Command: "CW"})
	assert.NoError(suite.T(), err)
	assert.Equal(suite.T(), int64(2), total)

	// 只看失败的交换
	hasError := true
	_, total, err = suite.repo.Query(&models.ExchangeLogQuery{HasError: &hasError})
	assert.NoError(suite.T(), err)
	assert.Equal(suite.T(), int64(2), total)

	// 分页
	got, total, err = suite.repo.Query(&models.ExchangeLogQuery{Limit: 2, Offset: 2})
	assert.NoError(suite.T(), err)
	assert.Equal(suite.T(), int64(4), total)
	assert.Len(suite.T(), got, 2)
}

// TestQueryTimeRange 测试时间范围查询
func (suite *ExchangeLogRepositoryTestSuite) TestQueryTimeRange() {
	old := CreateTestExchangeLog(models.ExchangeSourceChat, models.ExchangeStatusOK, "OLD")
	old.CreatedAt = time.Now().Add(-48 * time.Hour)
	recent := CreateTestExchangeLog(models.ExchangeSourceChat, models.ExchangeStatusOK, "RECENT")

	assert.NoError(suite.T(), suite.repo.Create(old))
	assert.NoError(suite.T(), suite.repo.Create(recent))

	start := time.Now().Add(-24 * time.Hour)
	got, total, err := suite.repo.Query(&models.ExchangeLogQuery{StartTime: &start})
	assert.NoError(suite.T(), err)
	assert.Equal(suite.T(), int64(1), total)
	assert.Equal(suite.T(), "RECENT", got[0].Command)
}

// TestGetStats 测试统计信息
func (suite *ExchangeLogRepositoryTestSuite) TestGetStats() {
	logs := []*models.ExchangeLog{
		CreateTestExchangeLog(models.ExchangeSourceChat, models.ExchangeStatusOK, "A"),
		CreateTestExchangeLog(models.ExchangeSourceChat, models.ExchangeStatusOK, "B"),
		CreateTestExchangeLog(models.ExchangeSourceChat, models.ExchangeStatusTimeout, "C"),
		CreateTestExchangeLog(models.ExchangeSourceConsole, models.ExchangeStatusError, "D"),
	}
	assert.NoError(suite.T(), suite.repo.CreateBatch(logs))

	stats, err := suite.repo.GetStats(nil, nil)
	assert.NoError(suite.T(), err)
	assert.Equal(suite.T(), int64(4), stats.TotalCount)
	assert.Equal(suite.T(), int64(2), stats.TotalOK)
	assert.Equal(suite.T(), int64(1), stats.TotalTimeout)
	assert.Equal(suite.T(), int64(2), stats.TotalErrors)
	assert.Equal(suite.T(), int64(3), stats.TotalChat)
	assert.Equal(suite.T(), int64(1), stats.TotalConsole)
	assert.Greater(suite.T(), stats.AvgDuration, float64(0))
}

// TestGetLatest 测试获取最新记录
func (suite *ExchangeLogRepositoryTestSuite) TestGetLatest() {
	first := CreateTestExchangeLog(models.ExchangeSourceChat, models.ExchangeStatusOK, "FIRST")
	first.CreatedAt = time.Now().Add(-time.Hour)
	last := CreateTestExchangeLog(models.ExchangeSourceConsole, models.ExchangeStatusOK, "LAST")

	assert.NoError(suite.T(), suite.repo.Create(first))
	assert.NoError(suite.T(), suite.repo.Create(last))

	logs, err := suite.repo.GetLatest(10, "")
	assert.NoError(suite.T(), err)
	assert.Len(suite.T(), logs, 2)
	assert.Equal(suite.T(), "LAST", logs[0].Command)

	logs, err = suite.repo.GetLatest(10, models.ExchangeSourceChat)
	assert.NoError(suite.T(), err)
	assert.Len(suite.T(), logs, 1)
	assert.Equal(suite.T(), "FIRST", logs[0].Command)
}

// TestGetErrorLogs 测试失败记录查询
func (suite *ExchangeLogRepositoryTestSuite) TestGetErrorLogs() {
	logs := []*models.ExchangeLog{
		CreateTestExchangeLog(models.ExchangeSourceChat, models.ExchangeStatusOK, "A"),
		CreateTestExchangeLog(models.ExchangeSourceChat, models.ExchangeStatusTimeout, "B"),
		CreateTestExchangeLog(models.ExchangeSourceChat, models.ExchangeStatusError, "C"),
	}
	assert.NoError(suite.T(), suite.repo.CreateBatch(logs))

	errLogs, err := suite.repo.GetErrorLogs(10)
	assert.NoError(suite.T(), err)
	assert.Len(suite.T(), errLogs, 2)
	for _, l := range errLogs {
		assert.NotEqual(suite.T(), models.ExchangeStatusOK, l.Status)
	}
}

// TestCleanupLogs 测试日志清理
func (suite *ExchangeLogRepositoryTestSuite) TestCleanupLogs() {
	old := CreateTestExchangeLog(models.ExchangeSourceChat, models.ExchangeStatusOK, "OLD")
	old.CreatedAt = time.Now().AddDate(0, 0, -10)
	recent := CreateTestExchangeLog(models.ExchangeSourceChat, models.ExchangeStatusOK, "RECENT")

	assert.NoError(suite.T(), suite.repo.Create(old))
	assert.NoError(suite.T(), suite.repo.Create(recent))

	deleted, err := suite.repo.CleanupLogs(7)
	assert.NoError(suite.T(), err)
	assert.Equal(suite.T(), int64(1), deleted)

	var count int64
	suite.db.Model(&models.ExchangeLog{}).Count(&count)
	assert.Equal(suite.T(), int64(1), count)

	// 非法的保留天数
	_, err = suite.repo.CleanupLogs(0)
	assert.Error(suite.T(), err)
}

// TestExchangeLogRepositoryTestSuite 运行测试套件
func TestExchangeLogRepositoryTestSuite(t *testing.T) {
	suite.Run(t, new(ExchangeLogRepositoryTestSuite))
}
