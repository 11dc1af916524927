// 配置热重载管理器实现。
//
// 监听配置文件变更，对比新旧配置并按字段白名单区分
// 热生效与需重启两类变更，向订阅方推送重载通知。
package config

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"go.uber.org/zap"
)

// --- 热重载类型定义 ---

// HotReloadManager manages runtime configuration reloads.
type HotReloadManager struct {
	mu sync.RWMutex

	// 当前配置与版本
	current *Config
	version int

	// 历史快照（有界）
	history        []ConfigSnapshot
	maxHistorySize int

	// 文件来源
	configPath string
	watcher    *FileWatcher

	// 回调
	changeCallbacks []ChangeCallback
	reloadCallbacks []ReloadCallback

	// 记录器
	logger *zap.Logger
}

// ChangeCallback is invoked once per changed field.
type ChangeCallback func(change ConfigChange)

// ReloadCallback is invoked once per applied reload with both configs.
type ReloadCallback func(oldConfig, newConfig *Config)

// ConfigChange describes a single changed field.
type ConfigChange struct {
	// Path 是字段路径，如 "log.level"
	Path string `json:"path"`

	// OldValue 是变更前的值
	OldValue any `json:"old_value"`

	// NewValue 是变更后的值
	NewValue any `json:"new_value"`

	// Timestamp 是变更时间
	Timestamp time.Time `json:"timestamp"`

	// Source 是变更来源: file, api
	Source string `json:"source"`

	// RequiresRestart 表示该字段热重载不生效，需重启
	RequiresRestart bool `json:"requires_restart"`
}

// ConfigSnapshot is one versioned copy in the config history.
type ConfigSnapshot struct {
	// Version 是快照版本号
	Version int `json:"version"`

	// Config 是该版本的配置副本
	Config *Config `json:"config"`

	// Timestamp 是快照时间
	Timestamp time.Time `json:"timestamp"`

	// Source 是快照来源
	Source string `json:"source"`
}

// hotReloadableFields 列出支持热生效的字段路径。
// 其余字段的变更会被应用到配置对象，但只在重启后真正生效。
var hotReloadableFields = map[string]string{
	"log.level":                      "日志级别",
	"session.messages_per_minute":    "每分钟消息上限",
	"session.executions_per_hour":    "每小时执行上限",
	"session.max_concurrent_streams": "最大并发流数",
	"hitl.default_timeout":           "人工决策默认超时",
	"dispatch.queue_size":            "出站队列上限（仅新订阅生效）",
	"notify.send_timeout":            "通知投递超时",
}

// IsHotReloadable 报告字段路径是否支持热生效。
func IsHotReloadable(path string) bool {
	_, ok := hotReloadableFields[path]
	return ok
}

// GetHotReloadableFields 返回热生效字段及描述。
func GetHotReloadableFields() map[string]string {
	out := make(map[string]string, len(hotReloadableFields))
	for k, v := range hotReloadableFields {
		out[k] = v
	}
	return out
}

// --- 构造与选项 ---

// HotReloadOption configures the manager.
type HotReloadOption func(*HotReloadManager)

// WithHotReloadLogger sets the logger.
func WithHotReloadLogger(logger *zap.Logger) HotReloadOption {
	return func(m *HotReloadManager) {
		m.logger = logger
	}
}

// WithConfigPath sets the file to watch and reload from.
func WithConfigPath(path string) HotReloadOption {
	return func(m *HotReloadManager) {
		m.configPath = path
	}
}

// WithMaxHistorySize bounds the snapshot history.
func WithMaxHistorySize(size int) HotReloadOption {
	return func(m *HotReloadManager) {
		if size > 0 {
			m.maxHistorySize = size
		}
	}
}

// NewHotReloadManager creates a manager seeded with the given config.
func NewHotReloadManager(config *Config, opts ...HotReloadOption) *HotReloadManager {
	m := &HotReloadManager{
		current:        deepCopyConfig(config),
		maxHistorySize: 10,
		logger:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.pushHistory(m.current, "initial")
	return m
}

// --- 生命周期 ---

// Start begins watching the config file. Without a path it is a no-op.
func (m *HotReloadManager) Start(ctx context.Context) error {
	if m.configPath == "" {
		m.logger.Info("no config path set, hot reload disabled")
		return nil
	}

	watcher, err := NewFileWatcher(m.configPath, WithWatcherLogger(m.logger))
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	watcher.OnChange(func(event FileEvent) {
		if event.Op == FileOpRemove {
			m.logger.Warn("config file removed, keeping current config",
				zap.String("path", event.Path))
			return
		}
		if err := m.ReloadFromFile(); err != nil {
			m.logger.Error("config reload failed", zap.Error(err))
		}
	})

	m.mu.Lock()
	m.watcher = watcher
	m.mu.Unlock()

	return watcher.Start(ctx)
}

// Stop stops watching.
func (m *HotReloadManager) Stop() error {
	m.mu.RLock()
	watcher := m.watcher
	m.mu.RUnlock()
	if watcher == nil {
		return nil
	}
	return watcher.Stop()
}

// --- 重载与应用 ---

// ReloadFromFile loads the file and applies the result.
func (m *HotReloadManager) ReloadFromFile() error {
	if m.configPath == "" {
		return fmt.Errorf("no config path configured")
	}
	newConfig, err := NewLoader().WithConfigPath(m.configPath).Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	return m.ApplyConfig(newConfig, "file")
}

// ApplyConfig validates the new config, computes field-level changes and
// applies it. Fields outside the hot-reload whitelist are applied too but
// flagged as requiring a restart.
func (m *HotReloadManager) ApplyConfig(newConfig *Config, source string) error {
	if err := newConfig.Validate(); err != nil {
		return fmt.Errorf("rejected config: %w", err)
	}

	m.mu.Lock()
	oldConfig := m.current
	changes := detectChanges(oldConfig, newConfig, source)
	if len(changes) == 0 {
		m.mu.Unlock()
		m.logger.Debug("config unchanged, nothing to apply")
		return nil
	}

	m.current = deepCopyConfig(newConfig)
	m.pushHistory(m.current, source)

	changeCallbacks := make([]ChangeCallback, len(m.changeCallbacks))
	copy(changeCallbacks, m.changeCallbacks)
	reloadCallbacks := make([]ReloadCallback, len(m.reloadCallbacks))
	copy(reloadCallbacks, m.reloadCallbacks)
	m.mu.Unlock()

	for _, change := range changes {
		if change.RequiresRestart {
			m.logger.Warn("config change requires restart to take effect",
				zap.String("path", change.Path))
		} else {
			m.logger.Info("config change applied",
				zap.String("path", change.Path),
				zap.Any("old", change.OldValue),
				zap.Any("new", change.NewValue))
		}
		for _, cb := range changeCallbacks {
			cb(change)
		}
	}
	for _, cb := range reloadCallbacks {
		cb(oldConfig, m.GetConfig())
	}
	return nil
}

// Rollback restores the previous config version.
func (m *HotReloadManager) Rollback() error {
	m.mu.RLock()
	if len(m.history) < 2 {
		m.mu.RUnlock()
		return fmt.Errorf("no previous config version to roll back to")
	}
	target := m.history[len(m.history)-2].Config
	m.mu.RUnlock()

	return m.ApplyConfig(deepCopyConfig(target), "rollback")
}

// --- 查询 ---

// GetConfig returns a copy of the current config.
func (m *HotReloadManager) GetConfig() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return deepCopyConfig(m.current)
}

// GetCurrentVersion returns the current config version.
func (m *HotReloadManager) GetCurrentVersion() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.version
}

// GetConfigHistory returns the snapshot history, oldest first.
func (m *HotReloadManager) GetConfigHistory() []ConfigSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ConfigSnapshot, len(m.history))
	copy(out, m.history)
	return out
}

// OnChange registers a per-field change callback.
func (m *HotReloadManager) OnChange(callback ChangeCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.changeCallbacks = append(m.changeCallbacks, callback)
}

// OnReload registers a per-reload callback.
func (m *HotReloadManager) OnReload(callback ReloadCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reloadCallbacks = append(m.reloadCallbacks, callback)
}

// --- 内部 ---

// pushHistory 需持有 m.mu。
func (m *HotReloadManager) pushHistory(config *Config, source string) {
	m.version++
	m.history = append(m.history, ConfigSnapshot{
		Version:   m.version,
		Config:    deepCopyConfig(config),
		Timestamp: time.Now(),
		Source:    source,
	})
	if len(m.history) > m.maxHistorySize {
		m.history = m.history[len(m.history)-m.maxHistorySize:]
	}
}

func deepCopyConfig(config *Config) *Config {
	if config == nil {
		return nil
	}
	clone := *config
	clone.Log.OutputPaths = append([]string(nil), config.Log.OutputPaths...)
	return &clone
}

// detectChanges walks both configs by yaml tag and emits one ConfigChange
// per differing leaf field.
func detectChanges(oldConfig, newConfig *Config, source string) []ConfigChange {
	var changes []ConfigChange
	compareStructs("", reflect.ValueOf(*oldConfig), reflect.ValueOf(*newConfig), source, &changes)
	return changes
}

func compareStructs(prefix string, oldVal, newVal reflect.Value, source string, changes *[]ConfigChange) {
	t := oldVal.Type()
	for i := 0; i < oldVal.NumField(); i++ {
		tag := t.Field(i).Tag.Get("yaml")
		if tag == "" || tag == "-" {
			continue
		}
		path := tag
		if prefix != "" {
			path = prefix + "." + tag
		}

		of, nf := oldVal.Field(i), newVal.Field(i)
		if of.Kind() == reflect.Struct && of.Type() != reflect.TypeOf(time.Time{}) {
			compareStructs(path, of, nf, source, changes)
			continue
		}
		if !reflect.DeepEqual(of.Interface(), nf.Interface()) {
			*changes = append(*changes, ConfigChange{
				Path:            path,
				OldValue:        of.Interface(),
				NewValue:        nf.Interface(),
				Timestamp:       time.Now(),
				Source:          source,
				RequiresRestart: !IsHotReloadable(path),
			})
		}
	}
}
