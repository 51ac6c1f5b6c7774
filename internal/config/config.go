package config

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config 全局配置结构体
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Discord  DiscordConfig  `mapstructure:"discord"`
	Serial   SerialConfig   `mapstructure:"serial"`
	Database DatabaseConfig `mapstructure:"database"`
	Admin    AdminConfig    `mapstructure:"admin"`
	Console  ConsoleConfig  `mapstructure:"console"`
	Log      LogConfig      `mapstructure:"log"`
}

// ServerConfig 服务进程配置
type ServerConfig struct {
	Name            string        `mapstructure:"name"`
	Mode            string        `mapstructure:"mode"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DiscordConfig Discord网关配置
type DiscordConfig struct {
	Token              string        `mapstructure:"token"`
	GuildID            string        `mapstructure:"guild_id"` // 为空时全局注册指令
	AllowedUsers       []string      `mapstructure:"allowed_users"`
	AllowedChannels    []string      `mapstructure:"allowed_channels"`
	AdminUsers         []string      `mapstructure:"admin_users"`
	LiveWindow         int           `mapstructure:"live_window"`          // 实时终端保留的行数
	LiveUpdateInterval time.Duration `mapstructure:"live_update_interval"` // 长命令的进度刷新间隔
	ReplyMaxChars      int           `mapstructure:"reply_max_chars"`      // 单条回复的长度上限
}

// SerialConfig 串口配置
type SerialConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	MockMode       bool          `mapstructure:"mock_mode"` // 调试模式（使用模拟串口）
	AutoConnect    bool          `mapstructure:"auto_connect"`
	Port           string        `mapstructure:"port"`
	BaudRate       int           `mapstructure:"baud_rate"`
	DataBits       int           `mapstructure:"data_bits"`
	StopBits       int           `mapstructure:"stop_bits"`
	Parity         string        `mapstructure:"parity"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	Encoding       string        `mapstructure:"encoding"`
	EncodingErrors string        `mapstructure:"encoding_errors"` // strict/ignore/replace
	DiscardEcho    bool          `mapstructure:"discard_echo"`

	QueueSize            int                      `mapstructure:"queue_size"`
	DefaultTimeout       time.Duration            `mapstructure:"default_timeout"`
	TimeoutOverrides     map[string]time.Duration `mapstructure:"timeout_overrides"` // 按命令子串匹配
	CompletionIndicators []string                 `mapstructure:"completion_indicators"`
	DevicePatterns       []string                 `mapstructure:"device_patterns"`

	Reconnect ReconnectConfig `mapstructure:"reconnect"`
}

// ReconnectConfig 串口重连配置
type ReconnectConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Interval    time.Duration `mapstructure:"interval"`
	MaxInterval time.Duration `mapstructure:"max_interval"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	LogLevel        string        `mapstructure:"log_level"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// AdminConfig 管理接口配置
type AdminConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	Username     string        `mapstructure:"username"`
	PasswordHash string        `mapstructure:"password_hash"` // argon2id哈希
	JWT          JWTConfig     `mapstructure:"jwt"`
}

// JWTConfig JWT配置
type JWTConfig struct {
	Secret       string `mapstructure:"secret"`
	ExpireHours  int    `mapstructure:"expire_hours"`
	RefreshHours int    `mapstructure:"refresh_hours"`
}

// ConsoleConfig 实时控制台WebSocket配置
type ConsoleConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	Path              string        `mapstructure:"path"`
	ReadBufferSize    int           `mapstructure:"read_buffer_size"`
	WriteBufferSize   int           `mapstructure:"write_buffer_size"`
	MaxMessageSize    int64         `mapstructure:"max_message_size"`
	PingInterval      time.Duration `mapstructure:"ping_interval"`
	PongTimeout       time.Duration `mapstructure:"pong_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	SendBufferSize    int           `mapstructure:"send_buffer_size"`
	EnableCompression bool          `mapstructure:"enable_compression"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level   string            `mapstructure:"level"`
	Format  string            `mapstructure:"format"`
	Output  string            `mapstructure:"output"`
	File    LogFileConfig     `mapstructure:"file"`
	Modules map[string]string `mapstructure:"modules"`
}

// LogFileConfig 日志文件配置
type LogFileConfig struct {
	Path       string `mapstructure:"path"`
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxAge     int    `mapstructure:"max_age"`
	MaxBackups int    `mapstructure:"max_backups"`
	Compress   bool   `mapstructure:"compress"`
}

var (
	cfg  *Config
	once sync.Once
	mu   sync.RWMutex
	v    *viper.Viper
)

// Init 初始化配置
func Init(configPath string) error {
	var err error
	once.Do(func() {
		v = viper.New()

		// 设置配置文件路径
		if configPath != "" {
			v.SetConfigFile(configPath)
		} else {
			v.SetConfigName("config")
			v.SetConfigType("yaml")
			v.AddConfigPath("./config")
			v.AddConfigPath(".")
		}

		// 设置环境变量前缀
		v.SetEnvPrefix("SERIAL_BRIDGE")
		v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
		v.AutomaticEnv()

		// 设置默认值
		setDefaults(v)

		// 读取配置文件
		if err = v.ReadInConfig(); err != nil {
			// 如果配置文件不存在，使用默认配置
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return
			}
			err = nil
		}

		// 解析配置到结构体
		cfg = &Config{}
		if err = v.Unmarshal(cfg); err != nil {
			return
		}

		// 补齐Discord令牌
		resolveDiscordToken()
	})

	return err
}

// setDefaults 设置默认配置值
func setDefaults(v *viper.Viper) {
	// 服务进程默认配置
	v.SetDefault("server.name", "serial-bridge")
	v.SetDefault("server.mode", "development")
	v.SetDefault("server.shutdown_timeout", "10s")

	// Discord默认配置
	v.SetDefault("discord.token", "")
	v.SetDefault("discord.guild_id", "")
	v.SetDefault("discord.allowed_users", []string{})
	v.SetDefault("discord.allowed_channels", []string{})
	v.SetDefault("discord.admin_users", []string{})
	v.SetDefault("discord.live_window", 20)
	v.SetDefault("discord.live_update_interval", "5s")
	v.SetDefault("discord.reply_max_chars", 1900)

	// 串口默认配置
	v.SetDefault("serial.enabled", true)
	v.SetDefault("serial.mock_mode", false)
	v.SetDefault("serial.auto_connect", true)
	v.SetDefault("serial.port", "/dev/ttyUSB0")
	v.SetDefault("serial.baud_rate", 9600)
	v.SetDefault("serial.data_bits", 8)
	v.SetDefault("serial.stop_bits", 1)
	v.SetDefault("serial.parity", "N")
	v.SetDefault("serial.read_timeout", "1s")
	v.SetDefault("serial.encoding", "utf-8")
	v.SetDefault("serial.encoding_errors", "replace")
	v.SetDefault("serial.discard_echo", true)
	v.SetDefault("serial.queue_size", 16)
	v.SetDefault("serial.default_timeout", "15s")
	v.SetDefault("serial.timeout_overrides", map[string]string{
		"CWJAP": "45s",
		"CWLAP": "20s",
	})
	v.SetDefault("serial.completion_indicators", []string{"OK", "ERROR", "FAIL"})
	v.SetDefault("serial.device_patterns", []string{"/dev/ttyUSB%d", "/dev/ttyACM%d"})
	v.SetDefault("serial.reconnect.enabled", true)
	v.SetDefault("serial.reconnect.interval", "5s")
	v.SetDefault("serial.reconnect.max_interval", "30s")

	// 数据库默认配置
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "./data/serial-bridge.db")
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.max_open_conns", 100)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.log_level", "info")
	v.SetDefault("database.auto_migrate", true)

	// 管理接口默认配置
	v.SetDefault("admin.enabled", true)
	v.SetDefault("admin.host", "127.0.0.1")
	v.SetDefault("admin.port", 8070)
	v.SetDefault("admin.read_timeout", "30s")
	// 写超时要覆盖最长的串口命令等待（默认覆盖表里最长45s）
	v.SetDefault("admin.write_timeout", "60s")
	v.SetDefault("admin.username", "admin")
	v.SetDefault("admin.password_hash", "")
	v.SetDefault("admin.jwt.secret", "")
	v.SetDefault("admin.jwt.expire_hours", 24)
	v.SetDefault("admin.jwt.refresh_hours", 168)

	// 实时控制台默认配置
	v.SetDefault("console.enabled", true)
	v.SetDefault("console.path", "/api/v1/ws/console")
	v.SetDefault("console.read_buffer_size", 1024)
	v.SetDefault("console.write_buffer_size", 1024)
	v.SetDefault("console.max_message_size", 8192)
	v.SetDefault("console.ping_interval", "30s")
	v.SetDefault("console.pong_timeout", "60s")
	v.SetDefault("console.write_timeout", "10s")
	v.SetDefault("console.send_buffer_size", 64)
	v.SetDefault("console.enable_compression", true)

	// 日志默认配置
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output", "both")
	v.SetDefault("log.file.path", "./logs")
	v.SetDefault("log.file.filename", "serial-bridge.log")
	v.SetDefault("log.file.max_size", 100)
	v.SetDefault("log.file.max_age", 30)
	v.SetDefault("log.file.max_backups", 7)
	v.SetDefault("log.file.compress", true)
}

// resolveDiscordToken 令牌缺省时回退到 DISCORD_TOKEN 环境变量
func resolveDiscordToken() {
	if cfg == nil {
		return
	}
	if cfg.Discord.Token == "" {
		cfg.Discord.Token = os.Getenv("DISCORD_TOKEN")
	}
}

// Get 获取配置实例
func Get() *Config {
	mu.RLock()
	defer mu.RUnlock()
	return cfg
}

// Watch 监听配置文件变化
func Watch(callback func(*Config)) {
	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		mu.Lock()
		defer mu.Unlock()

		newCfg := &Config{}
		if err := v.Unmarshal(newCfg); err != nil {
			fmt.Printf("配置重载失败: %v\n", err)
			return
		}

		cfg = newCfg
		resolveDiscordToken()

		if callback != nil {
			callback(cfg)
		}

		fmt.Println("配置已重新加载")
	})
}

// SetSerialSetting 更新串口参数并写回配置文件
func SetSerialSetting(key string, value interface{}) error {
	mu.Lock()
	defer mu.Unlock()

	v.Set("serial."+key, value)

	newCfg := &Config{}
	if err := v.Unmarshal(newCfg); err != nil {
		return err
	}
	cfg = newCfg
	resolveDiscordToken()

	// 配置文件不存在时落盘到默认位置
	if err := v.WriteConfig(); err != nil {
		return v.WriteConfigAs("./config/config.yaml")
	}
	return nil
}

