package strategy

import (
	"fmt"

	"github.com/mitchellh/mapstructure"
)

// decodeParams 把注册表传入的 map 解码到带默认值的参数结构体。
// 未出现的键保留 out 中的默认值，未知键报错。
func decodeParams(params map[string]any, out any) error {
	if len(params) == 0 {
		return nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(params); err != nil {
		return fmt.Errorf("参数解析失败: %w", err)
	}
	return nil
}

// intSchema/numberSchema 生成参数 schema 片段。
func intSchema(min int, def int) map[string]any {
	return map[string]any{"type": "integer", "minimum": min, "default": def}
}

func numberSchema(min, max float64, def float64) map[string]any {
	return map[string]any{"type": "number", "minimum": min, "maximum": max, "default": def}
}

func objectSchema(props map[string]any) map[string]any {
	return map[string]any{
		"type":                 "object",
		"properties":           props,
		"additionalProperties": false,
	}
}
