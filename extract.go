package skew

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
)

// UsageReporter is implemented by results that know their token usage.
type UsageReporter interface {
	TokenUsage() TokenUsage
}

// ContentReporter is implemented by results that can describe their text.
type ContentReporter interface {
	ResponseContent() string
}

// promptKeys are checked in order for prompt content.
var promptKeys = []string{"messages", "prompt", "input"}

// requestFacts are read from the caller's params before the call runs.
type requestFacts struct {
	model       string
	maxTokens   *int
	temperature *float64
	prompt      string
}

func captureFacts(params Params) (facts requestFacts) {
	defer func() {
		if recover() != nil {
			facts = requestFacts{}
		}
	}()

	facts.model = paramString(params["model"])
	if n, ok := toInt(reflect.ValueOf(params["max_tokens"])); ok {
		facts.maxTokens = &n
	}
	if f, ok := toFloat(reflect.ValueOf(params["temperature"])); ok {
		facts.temperature = &f
	}
	for _, key := range promptKeys {
		v, ok := params[key]
		if !ok || v == nil {
			continue
		}
		facts.prompt = serializePrompt(v)
		break
	}
	return facts
}

func paramString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case fmt.Stringer:
		return s.String()
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.String {
		return rv.String()
	}
	return ""
}

func serializePrompt(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

// extractUsage reads token counts from a call result. Missing or null
// fields count as zero; anything unreadable yields zero usage.
func extractUsage(result any) (usage TokenUsage) {
	defer func() {
		if recover() != nil {
			usage = TokenUsage{}
		}
	}()

	if r, ok := result.(UsageReporter); ok {
		return r.TokenUsage()
	}
	return usageFrom(member(reflect.ValueOf(result), "usage", "Usage"))
}

func usageFrom(v reflect.Value) TokenUsage {
	v = indirect(v)
	if !v.IsValid() {
		return TokenUsage{}
	}
	if v.CanInterface() {
		if u, ok := v.Interface().(TokenUsage); ok {
			return u
		}
	}

	var usage TokenUsage
	usage.PromptTokens = intMember(v, "prompt_tokens", "PromptTokens", "input_tokens", "InputTokens")
	usage.CompletionTokens = intMember(v, "completion_tokens", "CompletionTokens", "output_tokens", "OutputTokens")
	usage.TotalTokens = intMember(v, "total_tokens", "TotalTokens")
	return usage
}

// extractContent returns the text of the first choice of a call result.
func extractContent(result any) (content string) {
	defer func() {
		if recover() != nil {
			content = ""
		}
	}()

	switch r := result.(type) {
	case ContentReporter:
		return r.ResponseContent()
	case string:
		return r
	}

	choices := indirect(member(reflect.ValueOf(result), "choices", "Choices"))
	if !choices.IsValid() || (choices.Kind() != reflect.Slice && choices.Kind() != reflect.Array) || choices.Len() == 0 {
		return ""
	}
	first := choices.Index(0)
	if msg := indirect(member(first, "message", "Message")); msg.IsValid() {
		if s := stringMember(msg, "content", "Content"); s != "" {
			return s
		}
	}
	return stringMember(first, "text", "Text")
}

func indirect(v reflect.Value) reflect.Value {
	for v.IsValid() && (v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface) {
		if v.IsNil() {
			return reflect.Value{}
		}
		v = v.Elem()
	}
	return v
}

// member looks a field up on a struct or a key up on a string-keyed map.
// mapKey and field name the same member in each representation.
func member(v reflect.Value, mapKey, field string) reflect.Value {
	v = indirect(v)
	if !v.IsValid() {
		return reflect.Value{}
	}
	switch v.Kind() {
	case reflect.Map:
		if v.Type().Key().Kind() != reflect.String {
			return reflect.Value{}
		}
		return v.MapIndex(reflect.ValueOf(mapKey).Convert(v.Type().Key()))
	case reflect.Struct:
		return v.FieldByName(field)
	}
	return reflect.Value{}
}

// intMember reads the first of the given map key / field pairs that holds
// a number.
func intMember(v reflect.Value, names ...string) int {
	for i := 0; i+1 < len(names); i += 2 {
		if n, ok := toInt(member(v, names[i], names[i+1])); ok {
			return n
		}
	}
	return 0
}

func stringMember(v reflect.Value, mapKey, field string) string {
	s := indirect(member(v, mapKey, field))
	if s.IsValid() && s.Kind() == reflect.String {
		return s.String()
	}
	return ""
}

func toInt(v reflect.Value) (int, bool) {
	v = indirect(v)
	if !v.IsValid() {
		return 0, false
	}
	switch v.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return int(v.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return int(v.Uint()), true
	case reflect.Float32, reflect.Float64:
		return int(v.Float()), true
	}
	if v.Kind() == reflect.String && v.CanInterface() {
		if n, ok := v.Interface().(json.Number); ok {
			i, err := n.Int64()
			return int(i), err == nil
		}
	}
	return 0, false
}

func toFloat(v reflect.Value) (float64, bool) {
	v = indirect(v)
	if !v.IsValid() {
		return 0, false
	}
	switch v.Kind() {
	case reflect.Float32:
		// keep the decimal value the caller wrote, not its float32 rounding
		f, err := strconv.ParseFloat(strconv.FormatFloat(v.Float(), 'g', -1, 32), 64)
		return f, err == nil
	case reflect.Float64:
		return v.Float(), true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(v.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(v.Uint()), true
	}
	return 0, false
}
