package bot

import (
	"context"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/wfunc/serial-bridge/internal/bridge"
	"github.com/wfunc/serial-bridge/internal/config"
	apperrors "github.com/wfunc/serial-bridge/internal/errors"
	"github.com/wfunc/serial-bridge/internal/logger"
	"go.uber.org/zap"
)

// Bridge 桥接器入口，聊天监听器依赖的最小接口
type Bridge interface {
	ExecuteRequest(ctx context.Context, req bridge.Request) (string, error)
	GetStatus() bridge.Status
	Connect() error
	Disconnect() error
	Flush() error
	CurrentSettings() bridge.Settings
	UpdateSettings(s bridge.Settings) error
	UpdateTimeouts(def time.Duration, overrides map[string]time.Duration)
}

// chatSender 频道消息操作（*discordgo.Session实现）
type chatSender interface {
	ChannelMessageSend(channelID string, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageEdit(channelID, messageID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageDelete(channelID, messageID string, options ...discordgo.RequestOption) error
}

// interactionResponder 斜杠命令响应操作（*discordgo.Session实现）
type interactionResponder interface {
	InteractionRespond(interaction *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error
	InteractionResponseEdit(interaction *discordgo.Interaction, newresp *discordgo.WebhookEdit, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Bot Discord聊天监听器：接收频道命令、转发给桥接器、回发设备响应
type Bot struct {
	session   *discordgo.Session
	bridge    Bridge
	log       *zap.Logger
	chat      chatSender
	allow     *Allowlist
	terminals *terminalRegistry

	// 串口参数写回配置文件的入口
	persistSetting func(key string, value interface{}) error

	mu                 sync.RWMutex
	guildID            string
	replyMaxChars      int
	liveWindow         int
	liveUpdateInterval time.Duration

	selfID string
}

// New 创建聊天监听器。令牌缺失或网关客户端创建失败返回错误。
func New(cfg *config.DiscordConfig, br Bridge) (*Bot, error) {
	if cfg.Token == "" {
		return nil, apperrors.New(apperrors.ErrConfigMissing, "discord.token 未配置")
	}

	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrChatConnect)
	}

	session.Identify.Intents = discordgo.IntentGuilds |
		discordgo.IntentGuildMessages |
		discordgo.IntentDirectMessages |
		discordgo.IntentMessageContent

	b := &Bot{
		session:        session,
		bridge:         br,
		log:            logger.GetModuleLogger("bot"),
		chat:           session,
		allow:          NewAllowlist(cfg.AllowedUsers, cfg.AllowedChannels, cfg.AdminUsers),
		terminals:      newTerminalRegistry(),
		persistSetting: config.SetSerialSetting,
		guildID:        cfg.GuildID,
	}
	b.applyLimits(cfg)

	return b, nil
}

// Start 打开网关连接并注册斜杠命令。认证失败是致命错误，由调用方中止启动。
func (b *Bot) Start() error {
	b.session.AddHandler(b.onReady)
	b.session.AddHandler(b.onMessageCreate)
	b.session.AddHandler(b.onInteractionCreate)

	if err := b.session.Open(); err != nil {
		return apperrors.Wrap(err, apperrors.ErrChatConnect, "Discord网关认证失败")
	}

	if b.session.State != nil && b.session.State.User != nil {
		b.selfID = b.session.State.User.ID
	}

	if err := b.registerCommands(); err != nil {
		b.session.Close()
		return err
	}

	b.log.Info("Discord机器人已启动",
		zap.String("guild_id", b.guildID),
		zap.Int("commands", len(slashCommands())))
	return nil
}

// Stop 关闭实时终端会话和网关连接
func (b *Bot) Stop() {
	b.terminals.closeAll()

	if err := b.session.Close(); err != nil {
		b.log.Warn("Discord连接关闭失败", zap.Error(err))
	}
	b.log.Info("Discord机器人已停止")
}

// ApplyConfig 应用热更新后的Discord配置。
// 服务器ID变更需要重启才能重新注册指令，这里不处理。
func (b *Bot) ApplyConfig(cfg *config.DiscordConfig) {
	b.allow.Update(cfg.AllowedUsers, cfg.AllowedChannels, cfg.AdminUsers)
	b.applyLimits(cfg)
	b.log.Info("Discord配置已重载",
		zap.Int("allowed_users", len(cfg.AllowedUsers)),
		zap.Int("allowed_channels", len(cfg.AllowedChannels)))
}

func (b *Bot) applyLimits(cfg *config.DiscordConfig) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.replyMaxChars = cfg.ReplyMaxChars
	if b.replyMaxChars <= 0 {
		b.replyMaxChars = 1900
	}
	b.liveWindow = cfg.LiveWindow
	if b.liveWindow <= 0 {
		b.liveWindow = 20
	}
	b.liveUpdateInterval = cfg.LiveUpdateInterval
	if b.liveUpdateInterval <= 0 {
		b.liveUpdateInterval = 5 * time.Second
	}
}

func (b *Bot) maxReplyChars() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.replyMaxChars
}

func (b *Bot) liveWindowSize() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.liveWindow
}

func (b *Bot) liveInterval() time.Duration {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.liveUpdateInterval
}

func (b *Bot) onReady(s *discordgo.Session, r *discordgo.Ready) {
	username := ""
	if r.User != nil {
		b.selfID = r.User.ID
		username = r.User.Username
	}
	b.log.Info("Discord网关就绪",
		zap.String("username", username),
		zap.Int("guilds", len(r.Guilds)))
}
