package strategy

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"backlab/internal/logger"
	"backlab/internal/signal"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Preset 是一组命名的策略参数。
type Preset struct {
	ID          string         `yaml:"id" json:"id"`
	Strategy    string         `yaml:"strategy" json:"strategy"`
	Description string         `yaml:"description" json:"description,omitempty"`
	Params      map[string]any `yaml:"params" json:"params,omitempty"`
}

// PresetFile 映射 strategies.yaml。
type PresetFile struct {
	Presets map[string]Preset `yaml:"presets"`
}

// PresetSnapshot 公开的预设快照。
type PresetSnapshot struct {
	Version  int64
	LoadedAt time.Time
	Presets  map[string]Preset
}

// Presets 管理预设文件，可选热加载。
type Presets struct {
	path string
	reg  *signal.Registry
	v    *viper.Viper

	mu       sync.RWMutex
	snapshot PresetSnapshot
}

// LoadPresets 读取并校验预设文件；任何预设引用未知策略或参数不合法都会报错。
func LoadPresets(path string, reg *signal.Registry) (*Presets, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("strategy presets 需要 path")
	}
	if reg == nil {
		return nil, fmt.Errorf("strategy presets 需要 registry")
	}
	p := &Presets{path: path, reg: reg}
	if err := p.reload(); err != nil {
		return nil, err
	}
	return p, nil
}

// Watch 监听文件变化并重载；重载失败时保留旧快照。
func (p *Presets) Watch() error {
	v := viper.New()
	v.SetConfigFile(p.path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read strategy presets failed: %w", err)
	}
	v.OnConfigChange(func(evt fsnotify.Event) {
		if err := p.reload(); err != nil {
			logger.Errorf("strategy presets reload failed (%s): %v", evt.Name, err)
		}
	})
	v.WatchConfig()
	p.mu.Lock()
	p.v = v
	p.mu.Unlock()
	return nil
}

// Snapshot 返回当前预设集。
func (p *Presets) Snapshot() PresetSnapshot {
	if p == nil {
		return PresetSnapshot{Presets: map[string]Preset{}}
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return cloneSnapshot(p.snapshot)
}

// Get 返回指定预设。
func (p *Presets) Get(id string) (Preset, bool) {
	if p == nil {
		return Preset{}, false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	preset, ok := p.snapshot.Presets[normalizePresetID(id)]
	return preset, ok
}

// List 返回按 id 排序的预设。
func (p *Presets) List() []Preset {
	snap := p.Snapshot()
	out := make([]Preset, 0, len(snap.Presets))
	for _, preset := range snap.Presets {
		out = append(out, preset)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Resolve 把 name 解析为 (策略 id, 参数)。name 命中预设时以预设参数为底，
// override 覆盖同名键；否则 name 直接当作策略 id。
func (p *Presets) Resolve(name string, override map[string]any) (string, map[string]any) {
	if preset, ok := p.Get(name); ok {
		merged := make(map[string]any, len(preset.Params)+len(override))
		for k, v := range preset.Params {
			merged[k] = v
		}
		for k, v := range override {
			merged[k] = v
		}
		return preset.Strategy, merged
	}
	return strings.TrimSpace(name), override
}

func (p *Presets) reload() error {
	file, err := readPresetFile(p.path)
	if err != nil {
		return err
	}
	presets := make(map[string]Preset, len(file.Presets))
	for name, preset := range file.Presets {
		norm := normalizePreset(name, preset)
		if norm.Strategy == "" {
			return fmt.Errorf("preset %s 缺少 strategy", norm.ID)
		}
		if err := p.reg.Validate(norm.Strategy, norm.Params); err != nil {
			return fmt.Errorf("preset %s 校验失败: %w", norm.ID, err)
		}
		presets[norm.ID] = norm
	}
	p.mu.Lock()
	p.snapshot = PresetSnapshot{
		Version:  p.snapshot.Version + 1,
		LoadedAt: time.Now(),
		Presets:  presets,
	}
	p.mu.Unlock()
	logger.Infof("strategy presets loaded %d from %s", len(presets), filepath.Base(p.path))
	return nil
}

func normalizePreset(name string, preset Preset) Preset {
	preset.ID = normalizePresetID(preset.ID)
	if preset.ID == "" {
		preset.ID = normalizePresetID(name)
	}
	preset.Strategy = strings.ToLower(strings.TrimSpace(preset.Strategy))
	preset.Description = strings.TrimSpace(preset.Description)
	if preset.Params == nil {
		preset.Params = map[string]any{}
	}
	return preset
}

func normalizePresetID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

func cloneSnapshot(src PresetSnapshot) PresetSnapshot {
	dst := PresetSnapshot{
		Version:  src.Version,
		LoadedAt: src.LoadedAt,
		Presets:  make(map[string]Preset, len(src.Presets)),
	}
	for id, preset := range src.Presets {
		dst.Presets[id] = preset
	}
	return dst
}

func readPresetFile(path string) (PresetFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return PresetFile{}, fmt.Errorf("read strategy presets failed: %w", err)
	}
	var file PresetFile
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return PresetFile{}, fmt.Errorf("parse strategy presets failed: %w", err)
	}
	return file, nil
}
