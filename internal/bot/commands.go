package bot

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/wfunc/serial-bridge/internal/bridge"
	apperrors "github.com/wfunc/serial-bridge/internal/errors"
	"github.com/wfunc/serial-bridge/internal/logger"
	"go.uber.org/zap"
)

// 管理类指令默认要求Discord管理员权限，私信场景回退到配置的管理员名单
var adminPermission = int64(discordgo.PermissionAdministrator)

// adminCommands 需要管理权限的指令
var adminCommands = map[string]bool{
	"connect":    true,
	"disconnect": true,
	"set":        true,
	"flush":      true,
}

// slashCommands 注册到Discord的斜杠命令定义
func slashCommands() []*discordgo.ApplicationCommand {
	return []*discordgo.ApplicationCommand{
		{
			Name:                     "connect",
			Description:              "用当前参数打开串口",
			DefaultMemberPermissions: &adminPermission,
		},
		{
			Name:                     "disconnect",
			Description:              "断开串口",
			DefaultMemberPermissions: &adminPermission,
		},
		{
			Name:                     "flush",
			Description:              "清空串口缓冲",
			DefaultMemberPermissions: &adminPermission,
		},
		{
			Name:                     "set",
			Description:              "设置串口参数并写回配置",
			DefaultMemberPermissions: &adminPermission,
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "key",
					Description: "参数名",
					Required:    true,
					Choices: []*discordgo.ApplicationCommandOptionChoice{
						{Name: "port", Value: "port"},
						{Name: "baudrate", Value: "baudrate"},
						{Name: "databits", Value: "databits"},
						{Name: "parity", Value: "parity"},
						{Name: "stopbits", Value: "stopbits"},
						{Name: "timeout", Value: "timeout"},
					},
				},
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "value",
					Description: "参数值",
					Required:    true,
				},
			},
		},
		{
			Name:        "settings",
			Description: "查看当前串口参数",
		},
		{
			Name:        "status",
			Description: "查看桥接器状态",
		},
		{
			Name:        "terminal",
			Description: "切换本频道的终端模式",
		},
		{
			Name:        "liveterminal",
			Description: "切换本频道的实时终端",
		},
		{
			Name:        "encoding",
			Description: "设置响应编码",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "name",
					Description: "编码名称（utf-8/ascii/latin-1）",
					Required:    true,
				},
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "errors",
					Description: "解码失败策略",
					Choices: []*discordgo.ApplicationCommandOptionChoice{
						{Name: "strict", Value: bridge.EncodingStrict},
						{Name: "ignore", Value: bridge.EncodingIgnore},
						{Name: "replace", Value: bridge.EncodingReplace},
					},
				},
			},
		},
	}
}

// registerCommands 全量覆盖注册斜杠命令。guild_id为空时全局注册。
func (b *Bot) registerCommands() error {
	appID := b.selfID
	if appID == "" {
		return apperrors.New(apperrors.ErrCommandSync, "网关未就绪，缺少应用ID")
	}

	if _, err := b.session.ApplicationCommandBulkOverwrite(appID, b.guildID, slashCommands()); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCommandSync)
	}
	return nil
}

func (b *Bot) onInteractionCreate(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionApplicationCommand {
		return
	}
	b.handleCommand(s, i)
}

// handleCommand 斜杠命令分发
func (b *Bot) handleCommand(r interactionResponder, i *discordgo.InteractionCreate) {
	data := i.ApplicationCommandData()
	userID := interactionUserID(i)

	logger.LogDiscordEvent("slash_command", userID, i.ChannelID, map[string]interface{}{
		"command": data.Name,
	})

	if adminCommands[data.Name] && !b.isAdmin(i) {
		b.respond(r, i, "此指令仅限管理员使用", true)
		return
	}

	switch data.Name {
	case "connect":
		b.cmdConnect(r, i)
	case "disconnect":
		b.cmdDisconnect(r, i)
	case "flush":
		b.cmdFlush(r, i)
	case "set":
		b.cmdSet(r, i, data)
	case "settings":
		b.cmdSettings(r, i)
	case "status":
		b.cmdStatus(r, i)
	case "terminal":
		b.cmdTerminal(r, i)
	case "liveterminal":
		b.cmdLiveTerminal(r, i)
	case "encoding":
		b.cmdEncoding(r, i, data)
	default:
		b.respond(r, i, "未知指令: "+data.Name, true)
	}
}

// isAdmin 管理权限判定：服务器内看Discord管理员权限，私信回退到配置名单
func (b *Bot) isAdmin(i *discordgo.InteractionCreate) bool {
	if i.Member != nil {
		return i.Member.Permissions&discordgo.PermissionAdministrator != 0
	}
	return b.allow.IsAdmin(interactionUserID(i))
}

func interactionUserID(i *discordgo.InteractionCreate) string {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User.ID
	}
	if i.User != nil {
		return i.User.ID
	}
	return ""
}

// respond 用单条消息回应斜杠命令
func (b *Bot) respond(r interactionResponder, i *discordgo.InteractionCreate, content string, ephemeral bool) {
	resp := &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{Content: content},
	}
	if ephemeral {
		resp.Data.Flags = discordgo.MessageFlagsEphemeral
	}

	if err := r.InteractionRespond(i.Interaction, resp); err != nil {
		b.log.Warn("斜杠命令响应失败",
			zap.String("command", i.ApplicationCommandData().Name),
			zap.Error(err))
	}
}

// editResponse 更新延迟响应的内容
func (b *Bot) editResponse(r interactionResponder, i *discordgo.InteractionCreate, content string) {
	if _, err := r.InteractionResponseEdit(i.Interaction, &discordgo.WebhookEdit{Content: &content}); err != nil {
		b.log.Warn("斜杠命令响应编辑失败",
			zap.String("command", i.ApplicationCommandData().Name),
			zap.Error(err))
	}
}

// cmdConnect 打开串口。设备扫描可能较慢，先延迟响应。
func (b *Bot) cmdConnect(r interactionResponder, i *discordgo.InteractionCreate) {
	if err := r.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
	}); err != nil {
		b.log.Warn("斜杠命令响应失败", zap.Error(err))
		return
	}

	var content string
	if err := b.bridge.Connect(); err != nil {
		if apperrors.Is(err, apperrors.ErrAlreadyExists) {
			content = "串口已连接: " + b.bridge.GetStatus().Device
		} else {
			content = renderError(err)
		}
	} else {
		content = "串口连接成功: " + b.bridge.GetStatus().Device
	}
	b.editResponse(r, i, content)
}

func (b *Bot) cmdDisconnect(r interactionResponder, i *discordgo.InteractionCreate) {
	if err := b.bridge.Disconnect(); err != nil {
		b.respond(r, i, renderError(err), true)
		return
	}
	b.respond(r, i, "串口已断开", false)
}

func (b *Bot) cmdFlush(r interactionResponder, i *discordgo.InteractionCreate) {
	if err := b.bridge.Flush(); err != nil {
		b.respond(r, i, renderError(err), true)
		return
	}
	b.respond(r, i, "串口缓冲已清空", false)
}

func (b *Bot) cmdSet(r interactionResponder, i *discordgo.InteractionCreate, data discordgo.ApplicationCommandInteractionData) {
	var key, value string
	for _, opt := range data.Options {
		switch opt.Name {
		case "key":
			key = opt.StringValue()
		case "value":
			value = opt.StringValue()
		}
	}

	msg, err := b.applySetting(key, value)
	if err != nil {
		b.respond(r, i, renderError(err), true)
		return
	}
	b.respond(r, i, msg, false)
}

// applySetting 更新单项串口参数并写回配置文件
func (b *Bot) applySetting(key, value string) (string, error) {
	value = strings.TrimSpace(value)
	settings := b.bridge.CurrentSettings()

	var configKey string
	var configValue interface{}

	switch key {
	case "port":
		settings.Port = value
		configKey, configValue = "port", value

	case "baudrate":
		n, err := strconv.Atoi(value)
		if err != nil || n <= 0 {
			return "", apperrors.Newf(apperrors.ErrInvalidSetting, "波特率无效: %s", value)
		}
		settings.BaudRate = n
		configKey, configValue = "baud_rate", n

	case "databits":
		n, err := strconv.Atoi(value)
		if err != nil {
			return "", apperrors.Newf(apperrors.ErrInvalidSetting, "数据位无效: %s", value)
		}
		settings.DataBits = n
		configKey, configValue = "data_bits", n

	case "parity":
		settings.Parity = strings.ToUpper(value)
		configKey, configValue = "parity", settings.Parity

	case "stopbits":
		n, err := strconv.Atoi(value)
		if err != nil {
			return "", apperrors.Newf(apperrors.ErrInvalidSetting, "停止位无效: %s", value)
		}
		settings.StopBits = n
		configKey, configValue = "stop_bits", n

	case "timeout":
		d, err := parseTimeout(value)
		if err != nil {
			return "", err
		}
		b.bridge.UpdateTimeouts(d, nil)
		if err := b.persistSetting("default_timeout", d.String()); err != nil {
			return "", apperrors.Wrap(err, apperrors.ErrConfigLoad, "参数写回配置失败")
		}
		return fmt.Sprintf("已设置 timeout = %s", d), nil

	default:
		return "", apperrors.Newf(apperrors.ErrInvalidSetting, "未知参数: %s", key)
	}

	if err := b.bridge.UpdateSettings(settings); err != nil {
		return "", err
	}
	if err := b.persistSetting(configKey, configValue); err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrConfigLoad, "参数写回配置失败")
	}

	msg := fmt.Sprintf("已设置 %s = %s", key, value)
	if b.bridge.GetStatus().Connected {
		msg += "（重新连接后生效）"
	}
	return msg, nil
}

// parseTimeout 解析超时时间，纯数字按秒处理
func parseTimeout(value string) (time.Duration, error) {
	if n, err := strconv.Atoi(value); err == nil {
		if n <= 0 {
			return 0, apperrors.Newf(apperrors.ErrInvalidSetting, "超时时间无效: %s", value)
		}
		return time.Duration(n) * time.Second, nil
	}

	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return 0, apperrors.Newf(apperrors.ErrInvalidSetting, "超时时间无效: %s", value)
	}
	return d, nil
}

func (b *Bot) cmdSettings(r interactionResponder, i *discordgo.InteractionCreate) {
	st := b.bridge.GetStatus()
	s := st.Settings

	content := fmt.Sprintf(
		"端口: %s\n波特率: %d\n数据位: %d\n停止位: %d\n校验位: %s\n编码: %s（%s）\n默认超时: %s",
		s.Port, s.BaudRate, s.DataBits, s.StopBits, s.Parity,
		s.Encoding, s.EncodingErrors, st.DefaultTimeout)
	b.respond(r, i, content, false)
}

func (b *Bot) cmdStatus(r interactionResponder, i *discordgo.InteractionCreate) {
	st := b.bridge.GetStatus()

	var sb strings.Builder
	if st.Connected {
		fmt.Fprintf(&sb, "已连接: %s", st.Device)
	} else {
		sb.WriteString("未连接")
	}
	fmt.Fprintf(&sb, "\n队列: %d/%d", st.QueueDepth, st.QueueCapacity)
	fmt.Fprintf(&sb, "\n累计交换: %d（失败 %d）", st.TotalExchanges, st.FailedExchanges)
	if st.MockMode {
		sb.WriteString("\n模拟模式")
	}
	b.respond(r, i, sb.String(), false)
}

func (b *Bot) cmdTerminal(r interactionResponder, i *discordgo.InteractionCreate) {
	if b.terminals.toggle(i.ChannelID) {
		b.respond(r, i, "终端模式已开启，本频道的消息将作为命令发送", false)
		return
	}

	// 关闭终端模式时一并关闭实时终端
	if live := b.terminals.removeLive(i.ChannelID); live != nil {
		live.close(true)
	}
	b.respond(r, i, "终端模式已关闭", false)
}

func (b *Bot) cmdLiveTerminal(r interactionResponder, i *discordgo.InteractionCreate) {
	if live := b.terminals.removeLive(i.ChannelID); live != nil {
		live.close(true)
		b.respond(r, i, "实时终端已关闭", false)
		return
	}

	live, err := newLiveSession(b.chat, i.ChannelID, b.liveWindowSize(), b.liveInterval(), b.log)
	if err != nil {
		b.respond(r, i, renderError(err), true)
		return
	}

	b.terminals.setLive(i.ChannelID, live)
	b.terminals.enable(i.ChannelID)
	b.respond(r, i, "实时终端已开启（终端模式同时开启）", false)
}

func (b *Bot) cmdEncoding(r interactionResponder, i *discordgo.InteractionCreate, data discordgo.ApplicationCommandInteractionData) {
	var name, policy string
	for _, opt := range data.Options {
		switch opt.Name {
		case "name":
			name = opt.StringValue()
		case "errors":
			policy = opt.StringValue()
		}
	}

	enc, err := bridge.NormalizeEncoding(name)
	if err != nil {
		b.respond(r, i, renderError(err), true)
		return
	}

	settings := b.bridge.CurrentSettings()
	settings.Encoding = enc
	if policy != "" {
		pol, perr := bridge.NormalizeEncodingErrors(policy)
		if perr != nil {
			b.respond(r, i, renderError(perr), true)
			return
		}
		settings.EncodingErrors = pol
	}

	if err := b.bridge.UpdateSettings(settings); err != nil {
		b.respond(r, i, renderError(err), true)
		return
	}

	if err := b.persistSetting("encoding", settings.Encoding); err != nil {
		b.respond(r, i, renderError(apperrors.Wrap(err, apperrors.ErrConfigLoad, "参数写回配置失败")), true)
		return
	}
	if policy != "" {
		if err := b.persistSetting("encoding_errors", settings.EncodingErrors); err != nil {
			b.respond(r, i, renderError(apperrors.Wrap(err, apperrors.ErrConfigLoad, "参数写回配置失败")), true)
			return
		}
	}

	b.respond(r, i, fmt.Sprintf("编码已设置为 %s（%s）", settings.Encoding, settings.EncodingErrors), false)
}
