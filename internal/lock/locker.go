// Package lock 提供按许可证密钥的进程内互斥锁，以及保证同一时间只有
// 一个清理任务运行的 Locker（Redis 或进程内实现）。
package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Locker 带 TTL 的非阻塞锁。每次获取成功返回一个令牌，
// Release 只在令牌仍是当前持有者时生效。
type Locker interface {
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	Release(ctx context.Context, key, token string) error
}

type lease struct {
	token   string
	expires time.Time
}

// LocalLocker 单进程部署使用；TTL 到期后锁自动失效
type LocalLocker struct {
	mu    sync.Mutex
	held  map[string]lease
	nowFn func() time.Time
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]lease), nowFn: time.Now}
}

func (l *LocalLocker) TryAcquire(_ context.Context, key string, ttl time.Duration) (string, bool, error) {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.nowFn()
	if cur, ok := l.held[key]; ok && now.Before(cur.expires) {
		return "", false, nil
	}
	token := uuid.NewString()
	l.held[key] = lease{token: token, expires: now.Add(ttl)}
	return token, true, nil
}

// Release 锁已过期并被他人重新获取时不做任何事
func (l *LocalLocker) Release(_ context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.held[key]; ok && cur.token == token {
		delete(l.held, key)
	}
	return nil
}

const defaultTTL = 30 * time.Second
