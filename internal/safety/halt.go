// Package safety implements the operator-facing emergency halt switch.
// 状态存放在外部存储里,多个网关实例共享同一个开关。
package safety

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fopgate/fopgate/internal/model"
	"github.com/fopgate/fopgate/internal/pkg/logger"
)

// StateStore 持久化 halt 状态。Load 在键不存在时返回 (nil, nil)。
type StateStore interface {
	Load(ctx context.Context) (*model.HaltState, error)
	Save(ctx context.Context, state model.HaltState) error
}

// Controller 读写共享的 halt 开关。存储不可用时 Get 退化为
// 进程内最后一次已知状态,绝不因存储故障阻断读取路径。
type Controller struct {
	mu    sync.Mutex
	store StateStore
	last  model.HaltState
	now   func() time.Time
	log   *slog.Logger
}

func NewController(store StateStore) *Controller {
	return &Controller{
		store: store,
		last:  model.HaltState{Halted: false, Reason: "", UpdatedBy: "system"},
		now:   time.Now,
		log:   logger.With(slog.String("component", "emergency_halt")),
	}
}

// WithClock 测试用固定时钟。
func (c *Controller) WithClock(now func() time.Time) *Controller {
	c.now = now
	return c
}

// Get 每次都回源读取,保证别的实例刚落下的 halt 立即可见。
func (c *Controller) Get(ctx context.Context) model.HaltState {
	c.mu.Lock()
	defer c.mu.Unlock()

	state, err := c.store.Load(ctx)
	if err != nil {
		c.log.WarnContext(ctx, "halt state load failed, using last known state",
			slog.String("error", err.Error()),
			slog.Bool("last_halted", c.last.Halted))
		return c.last
	}
	if state == nil {
		return c.last
	}
	c.last = *state
	return c.last
}

// Set 写入新状态,最后写入者获胜。写失败时进程内状态仍然更新,
// 本实例自身的执行门控不受存储故障影响。
func (c *Controller) Set(ctx context.Context, halted bool, reason, updatedBy string) (model.HaltState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	state := model.HaltState{
		Halted:    halted,
		Reason:    reason,
		UpdatedAt: c.now().UTC(),
		UpdatedBy: updatedBy,
	}
	c.last = state
	if err := c.store.Save(ctx, state); err != nil {
		c.log.ErrorContext(ctx, "halt state save failed",
			slog.String("error", err.Error()),
			slog.Bool("halted", halted))
		return state, err
	}
	c.log.InfoContext(ctx, "halt state changed",
		slog.Bool("halted", halted),
		slog.String("reason", reason),
		slog.String("updated_by", updatedBy))
	return state, nil
}

// MemoryStore 进程内实现,测试与单实例部署用。
type MemoryStore struct {
	mu    sync.Mutex
	state *model.HaltState

	// 测试可注入的故障开关。
	LoadErr error
	SaveErr error
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (m *MemoryStore) Load(ctx context.Context) (*model.HaltState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.LoadErr != nil {
		return nil, m.LoadErr
	}
	if m.state == nil {
		return nil, nil
	}
	cp := *m.state
	return &cp, nil
}

func (m *MemoryStore) Save(ctx context.Context, state model.HaltState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SaveErr != nil {
		return m.SaveErr
	}
	cp := state
	m.state = &cp
	return nil
}
