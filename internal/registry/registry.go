package registry

import (
	"cmp"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/agent"
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/fsm"
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/metrics"
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/types"
)

// Loader 把模型文件恢复成可推理的策略
type Loader func(v types.ModelVersion, data []byte) (agent.Agent, error)

// Handle 一次推理期间固定使用的模型版本，创建后不可变
// 调用方在推理开始时 Pin 一次，之后即使发生 promote 或 rollback 也继续使用同一个句柄
type Handle struct {
	Version types.ModelVersion
	Agent   agent.Agent
}

// Registry 模型版本注册中心
// 每种模型类型至多一个 active 版本；所有生命周期变更串行执行
type Registry struct {
	mu        sync.Mutex
	store     Store
	artifacts ArtifactStore
	load      Loader
	logger    *slog.Logger

	viewMu  sync.RWMutex
	active  map[types.AgentType]*Handle
	shadows map[types.AgentType]map[string]*Handle
	closed  bool
}

// New 创建注册中心；load 为 nil 时句柄只携带版本信息
func New(store Store, artifacts ArtifactStore, load Loader, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Registry{
		store:     store,
		artifacts: artifacts,
		load:      load,
		logger:    logger.With("component", "registry"),
		active:    make(map[types.AgentType]*Handle),
		shadows:   make(map[types.AgentType]map[string]*Handle),
	}
}

func (r *Registry) isClosed() bool {
	r.viewMu.RLock()
	defer r.viewMu.RUnlock()
	return r.closed
}

// Register 登记一个已保存的模型文件，初始状态为 registered
func (r *Registry) Register(kind types.AgentType, artifactRef string, m map[string]float64) (types.ModelVersion, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.isClosed() {
		return types.ModelVersion{}, ErrClosed
	}
	if _, err := r.artifacts.Get(artifactRef); err != nil {
		return types.ModelVersion{}, fmt.Errorf("登记模型失败: %w", err)
	}
	now := time.Now()
	v := types.ModelVersion{
		ID:          uuid.NewString(),
		AgentType:   kind,
		ArtifactRef: artifactRef,
		Metrics:     m,
		State:       types.VersionRegistered,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := r.store.Save(v); err != nil {
		return types.ModelVersion{}, err
	}
	r.logger.Info("模型已登记", "version", v.ID, "agent", kind, "artifact", artifactRef)
	return v, nil
}

// Get 按 ID 查询版本
func (r *Registry) Get(id string) (types.ModelVersion, error) {
	return r.store.Load(id)
}

// List 列出某一类型的全部版本
func (r *Registry) List(kind types.AgentType) ([]types.ModelVersion, error) {
	return r.store.List(kind)
}

// transition 按生命周期表推进版本状态并保存
func (r *Registry) transition(v *types.ModelVersion, event fsm.Event) error {
	next, err := fsm.ModelLifecycle.Next(fsm.State(v.State), event)
	if err != nil {
		return fmt.Errorf("version %s: %w", v.ID, err)
	}
	v.State = types.VersionState(next)
	v.UpdatedAt = time.Now()
	return r.store.Save(*v)
}

func (r *Registry) handle(v types.ModelVersion) (*Handle, error) {
	h := &Handle{Version: v}
	if r.load == nil {
		return h, nil
	}
	data, err := r.artifacts.Get(v.ArtifactRef)
	if err != nil {
		return nil, err
	}
	a, err := r.load(v, data)
	if err != nil {
		return nil, fmt.Errorf("加载模型 %s 失败: %w", v.ID, err)
	}
	h.Agent = a
	return h, nil
}

// Deploy 把版本部署为影子：接收实时状态，但其决策不会被执行
func (r *Registry) Deploy(id string) (types.ModelVersion, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.isClosed() {
		return types.ModelVersion{}, ErrClosed
	}
	v, err := r.store.Load(id)
	if err != nil {
		return v, err
	}
	h, err := r.handle(v)
	if err != nil {
		return v, err
	}
	if err := r.transition(&v, fsm.EventDeploy); err != nil {
		return v, err
	}
	h.Version = v

	r.viewMu.Lock()
	if r.shadows[v.AgentType] == nil {
		r.shadows[v.AgentType] = make(map[string]*Handle)
	}
	r.shadows[v.AgentType][id] = h
	r.viewMu.Unlock()

	r.logger.Info("模型已部署为影子", "version", id, "agent", v.AgentType)
	return v, nil
}

// Promote 激活版本，原 active 版本退役并压入历史
func (r *Registry) Promote(id string) (types.ModelVersion, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.isClosed() {
		return types.ModelVersion{}, ErrClosed
	}
	v, err := r.store.Load(id)
	if err != nil {
		return v, err
	}
	if v.State == types.VersionActive {
		return v, nil
	}
	if _, err := fsm.ModelLifecycle.Next(fsm.State(v.State), fsm.EventPromote); err != nil {
		return v, fmt.Errorf("version %s: %w", id, err)
	}
	p, err := r.store.Pointer(v.AgentType)
	if err != nil {
		return v, err
	}
	if err := r.swap(&v, fsm.EventPromote, p.Active); err != nil {
		return v, err
	}
	if p.Active != "" {
		p.History = append(p.History, p.Active)
	}
	p.Active = id
	if err := r.store.SetPointer(v.AgentType, p); err != nil {
		return v, err
	}
	r.logger.Info("模型已激活", "version", id, "agent", v.AgentType, "previous", lastOf(p.History))
	return v, nil
}

// Rollback 回滚激活版本
// target 为空时恢复最近一次 promote 之前的 active 版本；没有历史版本时返回 ErrNoPriorVersion
// 指定 target 时被替换的 active 版本压入历史，之后可以用空 target 回到它
func (r *Registry) Rollback(kind types.AgentType, target string) (types.ModelVersion, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.isClosed() {
		return types.ModelVersion{}, ErrClosed
	}
	p, err := r.store.Pointer(kind)
	if err != nil {
		return types.ModelVersion{}, err
	}
	history := slices.Clone(p.History)
	if target == "" {
		if len(history) == 0 {
			return types.ModelVersion{}, fmt.Errorf("%w: agent %s", ErrNoPriorVersion, kind)
		}
		target = history[len(history)-1]
		history = history[:len(history)-1]
	} else {
		history = slices.DeleteFunc(history, func(id string) bool { return id == target || id == p.Active })
		if p.Active != "" && p.Active != target {
			history = append(history, p.Active)
		}
	}

	v, err := r.store.Load(target)
	if err != nil {
		return v, err
	}
	if v.AgentType != kind {
		return v, fmt.Errorf("registry: version %s is a %s model, not %s", target, v.AgentType, kind)
	}
	if v.State == types.VersionActive {
		return v, nil
	}
	event := fsm.EventPromote
	if v.State == types.VersionRetired {
		event = fsm.EventReactivate
	}
	if err := r.swap(&v, event, p.Active); err != nil {
		return v, err
	}
	if err := r.store.SetPointer(kind, Pointer{Active: target, History: history}); err != nil {
		return v, err
	}
	r.logger.Warn("模型已回滚", "agent", kind, "from", p.Active, "to", target)
	return v, nil
}

// swap 激活 v 并退役 previous，先加载新模型，加载失败时不改变任何状态
func (r *Registry) swap(v *types.ModelVersion, event fsm.Event, previous string) error {
	h, err := r.handle(*v)
	if err != nil {
		return err
	}
	if previous != "" && previous != v.ID {
		old, err := r.store.Load(previous)
		if err != nil {
			return err
		}
		if err := r.transition(&old, fsm.EventRetire); err != nil {
			return err
		}
		metrics.ActiveModel.DeleteLabelValues(string(old.AgentType), old.ID)
	}
	if err := r.transition(v, event); err != nil {
		return err
	}
	h.Version = *v

	r.viewMu.Lock()
	r.active[v.AgentType] = h
	delete(r.shadows[v.AgentType], v.ID)
	r.viewMu.Unlock()

	metrics.ActiveModel.WithLabelValues(string(v.AgentType), v.ID).Set(1)
	return nil
}

// Retire 退役一个未激活的版本（通常是影子版本）
func (r *Registry) Retire(id string) (types.ModelVersion, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.isClosed() {
		return types.ModelVersion{}, ErrClosed
	}
	v, err := r.store.Load(id)
	if err != nil {
		return v, err
	}
	if v.State == types.VersionActive {
		return v, fmt.Errorf("registry: version %s is active, use rollback", id)
	}
	if err := r.transition(&v, fsm.EventRetire); err != nil {
		return v, err
	}
	r.viewMu.Lock()
	delete(r.shadows[v.AgentType], id)
	r.viewMu.Unlock()
	return v, nil
}

// Active 返回某一类型当前的 active 版本
func (r *Registry) Active(kind types.AgentType) (types.ModelVersion, bool) {
	if h, ok := r.Pin(kind); ok {
		return h.Version, true
	}
	return types.ModelVersion{}, false
}

// Pin 返回当前 active 版本的句柄
func (r *Registry) Pin(kind types.AgentType) (*Handle, bool) {
	r.viewMu.RLock()
	defer r.viewMu.RUnlock()
	h, ok := r.active[kind]
	return h, ok
}

// Shadows 返回某一类型的全部影子版本，按版本 ID 排序
func (r *Registry) Shadows(kind types.AgentType) []*Handle {
	r.viewMu.RLock()
	defer r.viewMu.RUnlock()
	out := make([]*Handle, 0, len(r.shadows[kind]))
	for _, h := range r.shadows[kind] {
		out = append(out, h)
	}
	slices.SortFunc(out, func(a, b *Handle) int { return cmp.Compare(a.Version.ID, b.Version.ID) })
	return out
}

// Close 关闭注册中心，之后的生命周期操作都返回 ErrClosed
// 已经 Pin 的句柄仍可继续使用
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.viewMu.Lock()
	if r.closed {
		r.viewMu.Unlock()
		return nil
	}
	r.closed = true
	for kind, h := range r.active {
		metrics.ActiveModel.DeleteLabelValues(string(kind), h.Version.ID)
	}
	r.active = make(map[types.AgentType]*Handle)
	r.shadows = make(map[types.AgentType]map[string]*Handle)
	r.viewMu.Unlock()
	return r.store.Close()
}

func lastOf(ids []string) string {
	if len(ids) == 0 {
		return ""
	}
	return ids[len(ids)-1]
}
