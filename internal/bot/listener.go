package bot

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"
	"github.com/wfunc/serial-bridge/internal/bridge"
	apperrors "github.com/wfunc/serial-bridge/internal/errors"
	"github.com/wfunc/serial-bridge/internal/logger"
	"go.uber.org/zap"
)

func (b *Bot) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	b.handleMessage(m.Message)
}

// handleMessage 终端模式下把频道消息作为命令转发给桥接器。
// 斜杠命令、机器人消息和纯附件消息不转发。
func (b *Bot) handleMessage(m *discordgo.Message) {
	if m.Author == nil || m.Author.Bot || m.Author.ID == b.selfID {
		return
	}
	if !b.terminals.enabled(m.ChannelID) {
		return
	}

	command := strings.TrimSpace(m.Content)
	if command == "" || strings.HasPrefix(command, "/") {
		return
	}

	if err := b.allow.Authorize(m.Author.ID, m.ChannelID); err != nil {
		logger.LogDiscordEvent("command_rejected", m.Author.ID, m.ChannelID, map[string]interface{}{
			"reason": err.Error(),
		})
		b.reply(m.ChannelID, renderError(err))
		return
	}

	logger.LogDiscordEvent("command_received", m.Author.ID, m.ChannelID, map[string]interface{}{
		"command": command,
	})

	if live := b.terminals.liveSession(m.ChannelID); live != nil {
		b.executeLive(live, command, m.Author.ID, m.ChannelID)
		return
	}

	reply, err := b.bridge.ExecuteRequest(context.Background(), bridge.Request{
		Command:   command,
		Source:    bridge.SourceChat,
		UserID:    m.Author.ID,
		ChannelID: m.ChannelID,
	})
	b.reply(m.ChannelID, b.formatReply(reply, err))
}

// executeLive 实时终端路径：响应行直接流入终端消息，不单独回复
func (b *Bot) executeLive(live *liveSession, command, userID, channelID string) {
	live.begin(command)
	_, err := b.bridge.ExecuteRequest(context.Background(), bridge.Request{
		Command:   command,
		Source:    bridge.SourceChat,
		UserID:    userID,
		ChannelID: channelID,
		OnLine:    live.appendLine,
	})
	live.finish(err)
}

// formatReply 把交换结果渲染成单条回复。
// 失败时回复错误描述，超时等场景已读到的部分输出附在后面。
func (b *Bot) formatReply(reply string, err error) string {
	if err != nil {
		msg := renderError(err)
		if reply != "" {
			msg += "\n部分输出：\n" + b.codeBlock(reply)
		}
		return msg
	}

	if reply == "" {
		reply = "(无输出)"
	}
	return b.codeBlock(reply)
}

// reply 向频道发送一条消息
func (b *Bot) reply(channelID, content string) {
	if _, err := b.chat.ChannelMessageSend(channelID, content); err != nil {
		b.log.Warn("回复发送失败",
			zap.String("channel_id", channelID),
			zap.Error(err))
	}
}

// codeBlock 代码块包裹，超长输出按配置截断
func (b *Bot) codeBlock(text string) string {
	limit := b.maxReplyChars()
	if len(text) > limit {
		text = truncateHead(text, limit) + "\n…(输出已截断)"
	}
	return "```\n" + text + "\n```"
}

// renderError 错误的用户可见描述：错误类别，有细节时附上
func renderError(err error) string {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) && appErr.Details != "" {
		return appErr.Message + "：" + appErr.Details
	}
	return apperrors.UserMessage(err)
}

// truncateHead 保留开头max字节，在rune边界截断
func truncateHead(text string, max int) string {
	if len(text) <= max {
		return text
	}
	for max > 0 && !utf8.RuneStart(text[max]) {
		max--
	}
	return text[:max]
}

// truncateTail 保留末尾max字节，在rune边界截断
func truncateTail(text string, max int) string {
	if len(text) <= max {
		return text
	}
	start := len(text) - max
	for start < len(text) && !utf8.RuneStart(text[start]) {
		start++
	}
	return text[start:]
}
