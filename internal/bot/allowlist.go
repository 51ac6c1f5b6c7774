package bot

import (
	"sync"

	apperrors "github.com/wfunc/serial-bridge/internal/errors"
)

// Allowlist 用户与频道准入控制。空列表表示不限制。
// 管理员列表供私信等拿不到服务器权限的场景使用。
type Allowlist struct {
	mu       sync.RWMutex
	users    map[string]struct{}
	channels map[string]struct{}
	admins   map[string]struct{}
}

// NewAllowlist 创建准入控制
func NewAllowlist(users, channels, admins []string) *Allowlist {
	a := &Allowlist{}
	a.Update(users, channels, admins)
	return a
}

// Update 替换准入名单（配置热更新入口）
func (a *Allowlist) Update(users, channels, admins []string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.users = toSet(users)
	a.channels = toSet(channels)
	a.admins = toSet(admins)
}

// UserAllowed 用户是否允许发送命令
func (a *Allowlist) UserAllowed(userID string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if len(a.users) == 0 {
		return true
	}
	_, ok := a.users[userID]
	return ok
}

// ChannelAllowed 频道是否允许接收命令
func (a *Allowlist) ChannelAllowed(channelID string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if len(a.channels) == 0 {
		return true
	}
	_, ok := a.channels[channelID]
	return ok
}

// IsAdmin 用户是否在配置的管理员名单里
func (a *Allowlist) IsAdmin(userID string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()

	_, ok := a.admins[userID]
	return ok
}

// Authorize 校验一次命令请求，拒绝时返回未授权错误
func (a *Allowlist) Authorize(userID, channelID string) error {
	if !a.UserAllowed(userID) {
		return apperrors.Newf(apperrors.ErrAuthorization, "用户 %s 不在允许名单", userID)
	}
	if !a.ChannelAllowed(channelID) {
		return apperrors.Newf(apperrors.ErrAuthorization, "频道 %s 不在允许名单", channelID)
	}
	return nil
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, item := range items {
		if item == "" {
			continue
		}
		set[item] = struct{}{}
	}
	return set
}
