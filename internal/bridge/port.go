package bridge

import (
	"fmt"
	"os"
	"time"

	"github.com/tarm/serial"
	apperrors "github.com/wfunc/serial-bridge/internal/errors"
)

// Port 串口抽象（真实串口与模拟串口共用）
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Flush() error
	Close() error
}

// Settings 串口参数
type Settings struct {
	Port           string        `json:"port"`            // 设备路径
	BaudRate       int           `json:"baud_rate"`       // 波特率
	DataBits       int           `json:"data_bits"`       // 数据位
	StopBits       int           `json:"stop_bits"`       // 停止位（1、15表示1.5、2）
	Parity         string        `json:"parity"`          // 校验位（N/O/E/M/S）
	ReadTimeout    time.Duration `json:"read_timeout"`    // 单次读取超时
	Encoding       string        `json:"encoding"`        // 响应编码
	EncodingErrors string        `json:"encoding_errors"` // 解码失败策略（strict/ignore/replace）
}

// Validate 校验串口参数
func (s *Settings) Validate() error {
	if s.Port == "" {
		return apperrors.New(apperrors.ErrInvalidSetting, "设备路径不能为空")
	}
	if s.BaudRate <= 0 {
		return apperrors.Newf(apperrors.ErrInvalidSetting, "波特率无效: %d", s.BaudRate)
	}
	switch s.DataBits {
	case 5, 6, 7, 8:
	default:
		return apperrors.Newf(apperrors.ErrInvalidSetting, "数据位无效: %d", s.DataBits)
	}
	switch s.StopBits {
	case 1, 15, 2:
	default:
		return apperrors.Newf(apperrors.ErrInvalidSetting, "停止位无效: %d", s.StopBits)
	}
	switch s.Parity {
	case "N", "O", "E", "M", "S":
	default:
		return apperrors.Newf(apperrors.ErrInvalidSetting, "校验位无效: %s", s.Parity)
	}
	if _, err := NormalizeEncoding(s.Encoding); err != nil {
		return err
	}
	return nil
}

// toSerialConfig 转换为tarm串口配置
func (s *Settings) toSerialConfig(device string) *serial.Config {
	cfg := &serial.Config{
		Name:        device,
		Baud:        s.BaudRate,
		Size:        byte(s.DataBits),
		ReadTimeout: s.ReadTimeout,
	}

	switch s.Parity {
	case "O":
		cfg.Parity = serial.ParityOdd
	case "E":
		cfg.Parity = serial.ParityEven
	case "M":
		cfg.Parity = serial.ParityMark
	case "S":
		cfg.Parity = serial.ParitySpace
	default:
		cfg.Parity = serial.ParityNone
	}

	switch s.StopBits {
	case 2:
		cfg.StopBits = serial.Stop2
	case 15:
		cfg.StopBits = serial.Stop1Half
	default:
		cfg.StopBits = serial.Stop1
	}

	return cfg
}

// PortExists 检查串口设备是否存在
func PortExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// findDevice 查找可用设备：优先配置的路径，其次按模式扫描
func findDevice(preferred string, patterns []string) string {
	if preferred != "" && PortExists(preferred) {
		return preferred
	}

	for _, pattern := range patterns {
		for i := 0; i < 10; i++ {
			device := fmt.Sprintf(pattern, i)
			if PortExists(device) {
				return device
			}
		}
	}

	return ""
}

// openSerialPort 打开串口，返回端口和实际设备路径
func openSerialPort(settings *Settings, patterns []string) (Port, string, error) {
	if err := settings.Validate(); err != nil {
		return nil, "", err
	}

	device := findDevice(settings.Port, patterns)
	if device == "" {
		return nil, "", apperrors.Newf(apperrors.ErrSerialPortNotFound, "设备 %s 不存在", settings.Port)
	}

	port, err := serial.OpenPort(settings.toSerialConfig(device))
	if err != nil {
		return nil, "", apperrors.Wrapf(err, apperrors.ErrSerialPortOpen, "打开 %s 失败", device)
	}

	return port, device, nil
}
