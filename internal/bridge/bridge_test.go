package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	apperrors "github.com/wfunc/serial-bridge/internal/errors"
)

func newTestBridge(t *testing.T, opts Options) *Bridge {
	t.Helper()

	if opts.DefaultTimeout == 0 {
		opts.DefaultTimeout = 500 * time.Millisecond
	}

	b := New(opts)
	require.NoError(t, b.Start())
	t.Cleanup(b.Stop)
	return b
}

func connectMock(t *testing.T, b *Bridge, port *MockPort) {
	t.Helper()
	require.NoError(t, b.connectWith(port, "/dev/ttyUSB0"))
}

func okHandler(lines ...string) func(string) []string {
	return func(string) []string {
		return append(lines, "OK")
	}
}

func TestExecuteImmediateReply(t *testing.T) {
	port := NewMockPort()
	port.Handler = func(cmd string) []string {
		if cmd == "STATUS" {
			return []string{"OK"}
		}
		return nil
	}

	b := newTestBridge(t, Options{})
	connectMock(t, b, port)

	start := time.Now()
	reply, err := b.Execute(context.Background(), "STATUS")
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, "OK", reply)
	assert.Less(t, elapsed, 100*time.Millisecond, "立即回复的命令不应等待整个超时窗口")

	// 写入的是完整一行，带行结尾
	writes := port.Writes()
	require.Len(t, writes, 1)
	assert.Equal(t, "STATUS\r\n", writes[0])
}

func TestExecuteMultiLineReply(t *testing.T) {
	port := NewMockPort()
	port.Handler = okHandler("+CWLAP: (3,\"HomeWiFi\",-45)", "+CWLAP: (4,\"Office\",-70)")

	b := newTestBridge(t, Options{})
	connectMock(t, b, port)

	reply, err := b.Execute(context.Background(), "AT+CWLAP")
	require.NoError(t, err)
	assert.Equal(t, "+CWLAP: (3,\"HomeWiFi\",-45)\n+CWLAP: (4,\"Office\",-70)\nOK", reply)
}

func TestCompletionIndicatorEndsExchange(t *testing.T) {
	port := NewMockPort()
	port.Handler = func(cmd string) []string {
		return []string{"no change", "ERROR"}
	}

	b := newTestBridge(t, Options{})
	connectMock(t, b, port)

	start := time.Now()
	reply, err := b.Execute(context.Background(), "AT+CWMODE=9")
	elapsed := time.Since(start)

	// 设备报错属于正常回复内容，ERROR行结束本次交互而不是等到超时
	require.NoError(t, err)
	assert.Equal(t, "no change\nERROR", reply)
	assert.Less(t, elapsed, 100*time.Millisecond)

	port.SetHandler(func(cmd string) []string {
		return []string{"FAIL"}
	})
	reply, err = b.Execute(context.Background(), "AT+CWJAP=\"ssid\",\"pass\"")
	require.NoError(t, err)
	assert.Equal(t, "FAIL", reply)
}

func TestCustomCompletionIndicators(t *testing.T) {
	port := NewMockPort()
	port.Handler = func(cmd string) []string {
		return []string{"booting", "READY"}
	}

	b := newTestBridge(t, Options{CompletionIndicators: []string{"READY"}})
	connectMock(t, b, port)

	reply, err := b.Execute(context.Background(), "RESET")
	require.NoError(t, err)
	assert.Equal(t, "booting\nREADY", reply)
}

func TestExecuteDiscardsEcho(t *testing.T) {
	port := NewMockPort()
	port.Handler = func(cmd string) []string {
		// 设备回显命令本身
		return []string{cmd, "data line", "OK"}
	}

	b := newTestBridge(t, Options{DiscardEcho: true})
	connectMock(t, b, port)

	reply, err := b.Execute(context.Background(), "READ")
	require.NoError(t, err)
	assert.Equal(t, "data line\nOK", reply)

	// 只丢第一行回显，后续与命令相同的行是真实数据
	port.SetHandler(func(cmd string) []string {
		return []string{cmd, cmd, "OK"}
	})
	reply, err = b.Execute(context.Background(), "READ")
	require.NoError(t, err)
	assert.Equal(t, "READ\nOK", reply)
}

func TestExecuteTimeout(t *testing.T) {
	port := NewMockPort() // 无Handler，设备保持沉默

	b := newTestBridge(t, Options{DefaultTimeout: 300 * time.Millisecond})
	connectMock(t, b, port)

	start := time.Now()
	reply, err := b.Execute(context.Background(), "PING")
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrSerialTimeout))
	assert.Empty(t, reply)
	assert.GreaterOrEqual(t, elapsed, 300*time.Millisecond)
	assert.Less(t, elapsed, 600*time.Millisecond, "超时后不应继续等待")

	// 超时后的下一条命令不受残留影响
	port.SetHandler(okHandler())
	reply, err = b.Execute(context.Background(), "STATUS")
	require.NoError(t, err)
	assert.Equal(t, "OK", reply)
}

func TestExecuteTimeoutReturnsPartialOutput(t *testing.T) {
	port := NewMockPort()
	port.Handler = func(cmd string) []string {
		// 有输出但没有完成标记
		return []string{"partial line"}
	}

	b := newTestBridge(t, Options{DefaultTimeout: 200 * time.Millisecond})
	connectMock(t, b, port)

	reply, err := b.Execute(context.Background(), "DUMP")
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrSerialTimeout))
	assert.Equal(t, "partial line", reply)
}

func TestExecuteEmptyCommand(t *testing.T) {
	port := NewMockPort()
	port.Handler = okHandler()

	b := newTestBridge(t, Options{})
	connectMock(t, b, port)

	for _, cmd := range []string{"", "   ", "\t"} {
		start := time.Now()
		reply, err := b.Execute(context.Background(), cmd)

		require.Error(t, err)
		assert.True(t, apperrors.Is(err, apperrors.ErrEmptyCommand))
		assert.Empty(t, reply)
		assert.Less(t, time.Since(start), 50*time.Millisecond, "空命令应立即拒绝")
	}

	// 空命令不应产生任何写入
	assert.Empty(t, port.Writes())
}

func TestExecuteNotConnected(t *testing.T) {
	b := newTestBridge(t, Options{})

	_, err := b.Execute(context.Background(), "STATUS")
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrSerialNotConnected))

	// 连接后恢复
	port := NewMockPort()
	port.Handler = okHandler()
	connectMock(t, b, port)

	reply, err := b.Execute(context.Background(), "STATUS")
	require.NoError(t, err)
	assert.Equal(t, "OK", reply)
}

func TestExecuteSerialized(t *testing.T) {
	var inFlight int32

	port := NewMockPort()
	port.Handler = func(cmd string) []string {
		if atomic.AddInt32(&inFlight, 1) > 1 {
			t.Error("检测到并发交换")
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return []string{"DONE:" + cmd, "OK"}
	}

	b := newTestBridge(t, Options{QueueSize: 8, DefaultTimeout: 2 * time.Second})
	connectMock(t, b, port)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cmd := fmt.Sprintf("CMD%d", i)
			reply, err := b.Execute(context.Background(), cmd)
			assert.NoError(t, err)
			assert.Contains(t, reply, "DONE:"+cmd)
		}(i)
	}
	wg.Wait()

	// 每次写入都是一条完整命令
	writes := port.Writes()
	assert.Len(t, writes, 5)
	for _, w := range writes {
		assert.True(t, strings.HasSuffix(w, "\r\n"))
		assert.Equal(t, 1, strings.Count(w, "\r\n"))
	}
}

func TestExecuteQueueFull(t *testing.T) {
	port := NewMockPort()
	port.Delay = 200 * time.Millisecond
	port.Handler = okHandler()

	b := newTestBridge(t, Options{QueueSize: 1, DefaultTimeout: 2 * time.Second})
	connectMock(t, b, port)

	errs := make(chan error, 2)
	go func() {
		_, err := b.Execute(context.Background(), "SLOW1")
		errs <- err
	}()
	time.Sleep(50 * time.Millisecond) // 等工作协程取走SLOW1

	go func() {
		_, err := b.Execute(context.Background(), "SLOW2")
		errs <- err
	}()
	time.Sleep(50 * time.Millisecond) // SLOW2占满队列

	_, err := b.Execute(context.Background(), "SLOW3")
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrBridgeBusy))

	assert.NoError(t, <-errs)
	assert.NoError(t, <-errs)
}

func TestAdaptiveTimeout(t *testing.T) {
	port := NewMockPort() // 沉默设备

	b := newTestBridge(t, Options{
		DefaultTimeout:   100 * time.Millisecond,
		TimeoutOverrides: map[string]time.Duration{"CWJAP": 300 * time.Millisecond},
	})
	connectMock(t, b, port)

	start := time.Now()
	_, err := b.Execute(context.Background(), `AT+CWJAP="ssid","pass"`)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrSerialTimeout))
	assert.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond, "匹配的命令应使用覆盖超时")

	start = time.Now()
	_, err = b.Execute(context.Background(), "AT")
	require.Error(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	assert.Less(t, time.Since(start), 250*time.Millisecond, "普通命令应使用默认超时")
}

func TestExplicitRequestTimeout(t *testing.T) {
	port := NewMockPort()

	b := newTestBridge(t, Options{DefaultTimeout: 2 * time.Second})
	connectMock(t, b, port)

	start := time.Now()
	_, err := b.ExecuteRequest(context.Background(), Request{
		Command: "PING",
		Timeout: 100 * time.Millisecond,
	})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrSerialTimeout))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestWriteFailureMarksDisconnected(t *testing.T) {
	port := NewMockPort()
	port.WriteErr = errors.New("write /dev/ttyUSB0: input/output error")

	b := newTestBridge(t, Options{})
	connectMock(t, b, port)

	_, err := b.Execute(context.Background(), "STATUS")
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrSerialPortWrite))

	// IO错误意味着设备已断开
	assert.False(t, b.IsConnected())

	_, err = b.Execute(context.Background(), "STATUS")
	assert.True(t, apperrors.Is(err, apperrors.ErrSerialNotConnected))
}

func TestDisconnectAndReconnect(t *testing.T) {
	port := NewMockPort()
	port.Handler = okHandler()

	b := newTestBridge(t, Options{})
	connectMock(t, b, port)

	require.NoError(t, b.Disconnect())
	assert.False(t, b.IsConnected())

	_, err := b.Execute(context.Background(), "STATUS")
	assert.True(t, apperrors.Is(err, apperrors.ErrSerialNotConnected))

	// 重复断开报未连接
	err = b.Disconnect()
	assert.True(t, apperrors.Is(err, apperrors.ErrSerialNotConnected))

	// 重新连接后恢复
	port2 := NewMockPort()
	port2.Handler = okHandler()
	require.NoError(t, b.connectWith(port2, "/dev/ttyUSB1"))
	assert.Equal(t, "/dev/ttyUSB1", b.Device())

	reply, err := b.Execute(context.Background(), "STATUS")
	require.NoError(t, err)
	assert.Equal(t, "OK", reply)
}

func TestConnectTwice(t *testing.T) {
	b := newTestBridge(t, Options{})
	connectMock(t, b, NewMockPort())

	err := b.connectWith(NewMockPort(), "/dev/ttyUSB1")
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrAlreadyExists))
	assert.Equal(t, "/dev/ttyUSB0", b.Device())
}

func TestStaleNoiseDrainedBeforeExchange(t *testing.T) {
	port := NewMockPort()
	port.Handler = okHandler()

	b := newTestBridge(t, Options{})
	connectMock(t, b, port)

	// 设备在命令之前主动输出噪声
	port.QueueRaw([]byte("boot noise 1\r\nboot noise 2\r\n"))
	time.Sleep(50 * time.Millisecond)

	reply, err := b.Execute(context.Background(), "STATUS")
	require.NoError(t, err)
	assert.Equal(t, "OK", reply)
	assert.NotContains(t, reply, "noise")
}

func TestOnLineCallback(t *testing.T) {
	port := NewMockPort()
	port.Handler = okHandler("line1", "line2")

	b := newTestBridge(t, Options{})
	connectMock(t, b, port)

	var got []string
	_, err := b.ExecuteRequest(context.Background(), Request{
		Command: "READ",
		OnLine:  func(l string) { got = append(got, l) },
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"line1", "line2", "OK"}, got)
}

func TestObserverReceivesExchanges(t *testing.T) {
	port := NewMockPort()
	port.Handler = okHandler()

	b := newTestBridge(t, Options{DefaultTimeout: 200 * time.Millisecond})

	var got []Exchange
	b.AddObserver(func(ex Exchange) { got = append(got, ex) })
	connectMock(t, b, port)

	_, err := b.ExecuteRequest(context.Background(), Request{
		Command:   "STATUS",
		Source:    SourceChat,
		UserID:    "user-1",
		ChannelID: "chan-1",
	})
	require.NoError(t, err)

	// 空命令在入队前被拒绝，不产生交换记录
	_, err = b.Execute(context.Background(), "")
	require.Error(t, err)

	require.Len(t, got, 1)
	ex := got[0]
	assert.NotEmpty(t, ex.RequestID)
	assert.Equal(t, SourceChat, ex.Source)
	assert.Equal(t, "user-1", ex.UserID)
	assert.Equal(t, "chan-1", ex.ChannelID)
	assert.Equal(t, "STATUS", ex.Command)
	assert.Equal(t, "OK", ex.Reply)
	assert.Equal(t, StatusOK, ex.Status)
	assert.Greater(t, ex.Duration, time.Duration(0))

	// 超时交换的状态与错误码
	port.SetHandler(nil)
	_, err = b.Execute(context.Background(), "SILENT")
	require.Error(t, err)

	require.Len(t, got, 2)
	assert.Equal(t, StatusTimeout, got[1].Status)
	assert.Equal(t, int(apperrors.ErrSerialTimeout), got[1].ErrCode)
}

func TestStatusObserver(t *testing.T) {
	b := newTestBridge(t, Options{})

	var events []StatusEvent
	b.AddStatusObserver(func(ev StatusEvent) { events = append(events, ev) })

	connectMock(t, b, NewMockPort())
	require.NoError(t, b.Disconnect())

	require.Len(t, events, 2)
	assert.True(t, events[0].Connected)
	assert.False(t, events[1].Connected)
	assert.Equal(t, "/dev/ttyUSB0", events[1].Device)
}

func TestGetStatus(t *testing.T) {
	port := NewMockPort()
	port.Handler = okHandler()

	b := newTestBridge(t, Options{
		QueueSize: 4,
		Settings:  Settings{Port: "/dev/ttyUSB0", BaudRate: 115200, DataBits: 8, StopBits: 1, Parity: "N"},
	})
	connectMock(t, b, port)

	_, err := b.Execute(context.Background(), "STATUS")
	require.NoError(t, err)

	st := b.GetStatus()
	assert.True(t, st.Connected)
	assert.Equal(t, "/dev/ttyUSB0", st.Device)
	assert.Equal(t, 4, st.QueueCapacity)
	assert.Equal(t, uint64(1), st.TotalExchanges)
	assert.Equal(t, uint64(0), st.FailedExchanges)
	assert.Equal(t, 115200, st.Settings.BaudRate)
}

func TestUpdateSettings(t *testing.T) {
	b := newTestBridge(t, Options{
		Settings: Settings{Port: "/dev/ttyUSB0", BaudRate: 115200, DataBits: 8, StopBits: 1, Parity: "N"},
	})

	s := b.CurrentSettings()
	s.BaudRate = 9600
	s.Encoding = "latin-1"
	require.NoError(t, b.UpdateSettings(s))

	got := b.CurrentSettings()
	assert.Equal(t, 9600, got.BaudRate)
	assert.Equal(t, "latin-1", got.Encoding)

	// 非法参数被拒绝且不生效
	s.BaudRate = -1
	err := b.UpdateSettings(s)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalidSetting))
	assert.Equal(t, 9600, b.CurrentSettings().BaudRate)
}

func TestCanceledContext(t *testing.T) {
	port := NewMockPort()
	port.Delay = 200 * time.Millisecond
	port.Handler = okHandler()

	b := newTestBridge(t, Options{QueueSize: 4, DefaultTimeout: 2 * time.Second})
	connectMock(t, b, port)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := b.Execute(ctx, "STATUS")
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrCanceled))
}

func TestStopAnswersQueuedCommands(t *testing.T) {
	port := NewMockPort() // 沉默设备，命令会挂到超时

	b := New(Options{QueueSize: 4, DefaultTimeout: 5 * time.Second})
	require.NoError(t, b.Start())
	t.Cleanup(b.Stop)
	require.NoError(t, b.connectWith(port, "/dev/ttyUSB0"))

	errs := make(chan error, 2)
	go func() {
		_, err := b.Execute(context.Background(), "HANG1")
		errs <- err
	}()
	time.Sleep(50 * time.Millisecond)
	go func() {
		_, err := b.Execute(context.Background(), "HANG2")
		errs <- err
	}()
	time.Sleep(50 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		b.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop未能及时返回")
	}

	for i := 0; i < 2; i++ {
		err := <-errs
		require.Error(t, err)
		assert.True(t, apperrors.Is(err, apperrors.ErrCanceled))
	}
}

func TestFlush(t *testing.T) {
	port := NewMockPort()
	port.Handler = okHandler()

	b := newTestBridge(t, Options{})

	err := b.Flush()
	assert.True(t, apperrors.Is(err, apperrors.ErrSerialNotConnected))

	connectMock(t, b, port)
	port.QueueRaw([]byte("stale\r\n"))
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, b.Flush())

	reply, err := b.Execute(context.Background(), "STATUS")
	require.NoError(t, err)
	assert.Equal(t, "OK", reply)
}

func TestMockModeConnect(t *testing.T) {
	b := newTestBridge(t, Options{MockMode: true})
	require.NoError(t, b.Connect())
	assert.True(t, b.IsConnected())
	assert.Equal(t, "mock", b.Device())

	reply, err := b.Execute(context.Background(), "PING")
	require.NoError(t, err)
	assert.Equal(t, "PONG\nOK", reply)
}
