package auth

import "sync"

// Provider 暴露当前的认证状态与身份，并支持订阅状态变化。
// 传输层在 false→true 时打开通道，在 true→false 时关闭通道。
type Provider struct {
	mu       sync.Mutex
	identity *Identity
	watchers []func(authenticated bool, identity *Identity)
}

// NewProvider 创建一个未登录状态的 Provider。
func NewProvider() *Provider {
	return &Provider{}
}

// Login 设置当前身份并通知订阅者。重复以相同身份登录不产生通知。
func (p *Provider) Login(identity Identity) {
	p.mu.Lock()
	if p.identity != nil && p.identity.UserID == identity.UserID && p.identity.Token == identity.Token {
		p.mu.Unlock()
		return
	}
	p.identity = &identity
	watchers := append([]func(bool, *Identity){}, p.watchers...)
	p.mu.Unlock()

	for _, w := range watchers {
		w(true, &identity)
	}
}

// Logout 清除当前身份并通知订阅者。未登录时为空操作。
// 通道上报认证失败时也走这条路径：凭证被拒无法在本地修复，
// 整个会话必须拆除。
func (p *Provider) Logout() {
	p.mu.Lock()
	if p.identity == nil {
		p.mu.Unlock()
		return
	}
	p.identity = nil
	watchers := append([]func(bool, *Identity){}, p.watchers...)
	p.mu.Unlock()

	for _, w := range watchers {
		w(false, nil)
	}
}

// IsAuthenticated 返回当前是否已登录。
func (p *Provider) IsAuthenticated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.identity != nil
}

// Identity 返回当前身份的副本，未登录时 ok 为 false。
func (p *Provider) Identity() (Identity, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.identity == nil {
		return Identity{}, false
	}
	return *p.identity, true
}

// Watch 注册一个状态变化回调。回调在 Login/Logout 的调用 goroutine 中同步执行。
func (p *Provider) Watch(fn func(authenticated bool, identity *Identity)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.watchers = append(p.watchers, fn)
}
