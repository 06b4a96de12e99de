package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// GenerationParams are the fields pulled out of an image's meta blob.
type GenerationParams struct {
	ImageID        string   `db:"image_id" json:"imageId"`
	Prompt         string   `db:"prompt" json:"prompt"`
	NegativePrompt string   `db:"negative_prompt" json:"negativePrompt"`
	ModelName      string   `db:"model_name" json:"modelName"`
	ModelHash      string   `db:"model_hash" json:"modelHash"`
	Sampler        string   `db:"sampler_name" json:"sampler"`
	Steps          *int64   `db:"steps" json:"steps"`
	CfgScale       *float64 `db:"cfg_scale" json:"cfgScale"`
	Seed           *int64   `db:"seed" json:"seed"`
	ClipSkip       *int64   `db:"clip_skip" json:"clipSkip"`
	RawParams      string   `db:"raw_params" json:"-"`
}

// ExtractGenerationParams parses a meta object. ok is false when meta is
// missing, null or not an object.
func ExtractGenerationParams(meta json.RawMessage) (GenerationParams, bool) {
	trimmed := bytes.TrimSpace(meta)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return GenerationParams{}, false
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil || len(m) == 0 {
		return GenerationParams{}, false
	}

	return GenerationParams{
		Prompt:         stringField(m, "prompt"),
		NegativePrompt: stringField(m, "negativePrompt"),
		ModelName:      modelName(m),
		ModelHash:      stringField(m, "Model hash"),
		Sampler:        stringField(m, "sampler", "Sampler"),
		Steps:          intField(m, "steps", "Steps"),
		CfgScale:       floatField(m, "cfgScale", "CFG scale"),
		Seed:           intField(m, "seed", "Seed"),
		ClipSkip:       intField(m, "Clip skip"),
		RawParams:      string(trimmed),
	}, true
}

// modelName applies the naming rules in order: an explicit model, then the
// base model with its checkpoint version, then a "<name> Version" key.
func modelName(m map[string]any) string {
	if name := stringField(m, "model"); name != "" {
		return name
	}
	if base := stringField(m, "baseModel"); base != "" {
		if resources, ok := m["civitaiResources"].([]any); ok {
			for _, r := range resources {
				res, ok := r.(map[string]any)
				if !ok || fmt.Sprint(res["type"]) != "checkpoint" {
					continue
				}
				if v := scalarString(res["modelVersionId"]); v != "" {
					base = fmt.Sprintf("%s (v%s)", base, v)
				}
				break
			}
		}
		return base
	}

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if !strings.HasSuffix(k, "Version") {
			continue
		}
		name := strings.TrimSpace(strings.TrimSuffix(strings.TrimSuffix(k, "Version"), " "))
		if name != "" {
			return name
		}
	}
	return ""
}

func lookup(m map[string]any, keys ...string) (any, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func stringField(m map[string]any, keys ...string) string {
	v, ok := lookup(m, keys...)
	if !ok {
		return ""
	}
	return scalarString(v)
}

func scalarString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	}
	return ""
}

// intField truncates JSON numbers and parses integer strings. Anything else
// is nil.
func intField(m map[string]any, keys ...string) *int64 {
	v, ok := lookup(m, keys...)
	if !ok {
		return nil
	}
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return &i
		}
		f, err := t.Float64()
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return nil
		}
		i := int64(f)
		return &i
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		if err != nil {
			return nil
		}
		return &i
	case bool:
		var i int64
		if t {
			i = 1
		}
		return &i
	}
	return nil
}

func floatField(m map[string]any, keys ...string) *float64 {
	v, ok := lookup(m, keys...)
	if !ok {
		return nil
	}
	var s string
	switch t := v.(type) {
	case json.Number:
		s = t.String()
	case string:
		s = strings.TrimSpace(t)
	default:
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}
