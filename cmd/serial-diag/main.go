package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/wfunc/serial-bridge/internal/bridge"
	"github.com/wfunc/serial-bridge/internal/config"
	apperrors "github.com/wfunc/serial-bridge/internal/errors"
	"github.com/wfunc/serial-bridge/internal/logger"
)

// serial-diag 不经过Discord直接跟设备对话，用于排查串口问题。
func main() {
	var (
		port     = flag.String("port", "/dev/ttyUSB0", "串口设备")
		baud     = flag.Int("baud", 9600, "波特率")
		databits = flag.Int("databits", 8, "数据位")
		stopbits = flag.Int("stopbits", 1, "停止位")
		parity   = flag.String("parity", "N", "校验位(N/O/E)")
		encoding = flag.String("encoding", "utf-8", "响应编码(utf-8/ascii/latin-1)")
		policy   = flag.String("errors", "replace", "解码失败策略(strict/ignore/replace)")
		timeout  = flag.Duration("timeout", 15*time.Second, "响应超时")
		mock     = flag.Bool("mock", false, "使用模拟串口")
		flush    = flag.Bool("flush", false, "执行前清空缓冲")
	)
	flag.Parse()

	command := strings.TrimSpace(strings.Join(flag.Args(), " "))
	if command == "" {
		fmt.Println("用法: serial-diag [选项] <命令>")
		fmt.Println()
		fmt.Println("选项:")
		flag.PrintDefaults()
		fmt.Println()
		fmt.Println("示例:")
		fmt.Println("  serial-diag -mock PING")
		fmt.Println("  serial-diag -port /dev/ttyUSB1 -baud 115200 -timeout 45s AT+CWJAP=\"ssid\",\"pass\"")
		os.Exit(2)
	}

	// 诊断结果走标准输出，内部日志只留错误
	if err := logger.Init(&config.LogConfig{Level: "error", Format: "console", Output: "stdout"}); err != nil {
		fmt.Printf("初始化日志失败: %v\n", err)
		os.Exit(1)
	}

	enc, err := bridge.NormalizeEncoding(*encoding)
	if err != nil {
		fmt.Printf("⚠️ %s\n", renderError(err))
		os.Exit(2)
	}
	pol, err := bridge.NormalizeEncodingErrors(*policy)
	if err != nil {
		fmt.Printf("⚠️ %s\n", renderError(err))
		os.Exit(2)
	}

	b := bridge.New(bridge.Options{
		Settings: bridge.Settings{
			Port:           *port,
			BaudRate:       *baud,
			DataBits:       *databits,
			StopBits:       *stopbits,
			Parity:         *parity,
			Encoding:       enc,
			EncodingErrors: pol,
		},
		MockMode:       *mock,
		AutoConnect:    true,
		DiscardEcho:    true,
		DefaultTimeout: *timeout,
	})

	if err := b.Start(); err != nil {
		fmt.Printf("⚠️ 串口打开失败: %s\n", renderError(err))
		os.Exit(1)
	}
	defer b.Stop()

	st := b.GetStatus()
	fmt.Printf("✅ 已连接 %s (%d,%d%s%d, %s)\n",
		st.Device, st.Settings.BaudRate,
		st.Settings.DataBits, st.Settings.Parity, st.Settings.StopBits, enc)

	if *flush {
		if err := b.Flush(); err != nil {
			fmt.Printf("⚠️ 清空缓冲失败: %s\n", renderError(err))
		}
	}

	fmt.Printf("→ %s\n", command)

	start := time.Now()
	_, err = b.ExecuteRequest(context.Background(), bridge.Request{
		Command: command,
		Source:  bridge.SourceDiag,
		Timeout: *timeout,
		OnLine: func(line string) {
			fmt.Printf("← %s\n", line)
		},
	})
	elapsed := time.Since(start).Round(time.Millisecond)

	if err != nil {
		fmt.Printf("⚠️ %s (耗时 %s)\n", renderError(err), elapsed)
		os.Exit(1)
	}
	fmt.Printf("✅ 完成 (耗时 %s)\n", elapsed)
}

func renderError(err error) string {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) && appErr.Details != "" {
		return appErr.Message + "：" + appErr.Details
	}
	return apperrors.UserMessage(err)
}
