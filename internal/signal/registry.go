package signal

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrUnknownSource 表示注册表中不存在该 id。
var ErrUnknownSource = errors.New("unknown signal source")

// Constructor 用参数构建一个 Source。
type Constructor func(params map[string]any) (Source, error)

// Definition 描述一个可注册的信号源实现。
type Definition struct {
	ID          string
	Description string
	// Schema 是参数的 JSON Schema（可为空，表示不校验）。
	Schema map[string]any
	New    Constructor
}

type entry struct {
	def    Definition
	schema *jsonschema.Schema
}

// Registry 是 id -> 构造函数的显式映射，替代隐式的子类工厂。
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Register 注册定义；重复 id 或非法 schema 返回错误。
func (r *Registry) Register(def Definition) error {
	id := normalizeID(def.ID)
	if id == "" {
		return fmt.Errorf("signal source id 不能为空")
	}
	if def.New == nil {
		return fmt.Errorf("signal source %s 缺少构造函数", id)
	}
	var compiled *jsonschema.Schema
	if len(def.Schema) > 0 {
		var err error
		compiled, err = compileSchema(id, def.Schema)
		if err != nil {
			return fmt.Errorf("signal source %s schema 无效: %w", id, err)
		}
	}
	def.ID = id
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[id]; exists {
		return fmt.Errorf("signal source %s 重复注册", id)
	}
	r.entries[id] = entry{def: def, schema: compiled}
	return nil
}

// MustRegister 用于内置实现的初始化，失败直接 panic。
func (r *Registry) MustRegister(def Definition) {
	if err := r.Register(def); err != nil {
		panic(err)
	}
}

// Validate 按 schema 校验参数。
func (r *Registry) Validate(id string, params map[string]any) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}
	return e.validate(params)
}

// Build 校验参数并构造 Source。
func (r *Registry) Build(id string, params map[string]any) (Source, error) {
	e, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	if err := e.validate(params); err != nil {
		return nil, err
	}
	if params == nil {
		params = map[string]any{}
	}
	src, err := e.def.New(params)
	if err != nil {
		return nil, fmt.Errorf("构建 %s 失败: %w", e.def.ID, err)
	}
	return src, nil
}

// IDs 返回排序后的全部 id。
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for id := range r.entries {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Describe 返回定义（不含构造函数以外的内部状态）。
func (r *Registry) Describe(id string) (Definition, bool) {
	e, err := r.lookup(id)
	if err != nil {
		return Definition{}, false
	}
	return e.def, true
}

func (r *Registry) lookup(id string) (entry, error) {
	key := normalizeID(id)
	r.mu.RLock()
	e, ok := r.entries[key]
	r.mu.RUnlock()
	if !ok {
		return entry{}, fmt.Errorf("%w: %s", ErrUnknownSource, id)
	}
	return e, nil
}

func (e entry) validate(params map[string]any) error {
	if e.schema == nil {
		return nil
	}
	doc := sanitizeParams(params)
	if doc == nil {
		doc = map[string]any{}
	}
	if err := e.schema.Validate(doc); err != nil {
		return fmt.Errorf("%s 参数校验失败: %w", e.def.ID, err)
	}
	return nil
}

func normalizeID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

func compileSchema(id string, data map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	name := id + ".json"
	if err := compiler.AddResource(name, strings.NewReader(string(raw))); err != nil {
		return nil, err
	}
	return compiler.Compile(name)
}

// sanitizeParams 把 map 归一为 JSON 文档形态：字符串数字转 float64，整数转 float64。
func sanitizeParams(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			out[k] = sanitizeParams(child)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			out[fmt.Sprint(k)] = sanitizeParams(child)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, child := range val {
			out[i] = sanitizeParams(child)
		}
		return out
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(val), 64); err == nil {
			return f
		}
		return val
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case int32:
		return float64(val)
	case float32:
		return float64(val)
	default:
		return val
	}
}
