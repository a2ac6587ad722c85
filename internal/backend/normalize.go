package backend

import (
	"fmt"
	"strings"
	"time"

	"github.com/valyala/fastjson"

	"github.com/agentlens/loom/internal/model"
	"github.com/agentlens/loom/pkg/jsonutil"
	"github.com/agentlens/loom/pkg/timeutil"
)

// Cloud export column names. The export API flattens OpenInference
// attributes into dotted columns; everything not consumed here is preserved
// in RawMetadata.
const (
	colSpanID    = "context.span_id"
	colTraceID   = "context.trace_id"
	colParentID  = "parent_id"
	colName      = "name"
	colStartTime = "start_time"
	colEndTime   = "end_time"

	attrKind     = "attributes.openinference.span.kind"
	attrInput    = "attributes.input.value"
	attrOutput   = "attributes.output.value"
	attrMetadata = "attributes.metadata"
	attrPrefix   = "attributes."
)

// spanFromExportRow normalizes one cloud-export row into the canonical
// shape. Known columns become Span fields; the metadata column is merged
// key-by-key into RawMetadata (it is where the session identity hides);
// every other attribute lands in RawMetadata under its de-prefixed name.
func spanFromExportRow(row *fastjson.Value) (model.Span, error) {
	obj, err := row.Object()
	if err != nil {
		return model.Span{}, fmt.Errorf("span row is not an object: %w", err)
	}

	sp := model.Span{Kind: model.KindUnknown, RawMetadata: map[string]any{}}
	var metaVal *fastjson.Value

	obj.Visit(func(key []byte, v *fastjson.Value) {
		switch k := string(key); k {
		case colSpanID:
			sp.SpanID = valString(v)
		case colTraceID:
			sp.TraceID = valString(v)
		case colParentID:
			sp.ParentSpanID = valString(v)
		case colName:
			sp.Name = valString(v)
		case colStartTime, colEndTime:
			// parsed below, where an error can be reported
		case attrKind:
			sp.Kind = model.KindFromString(valString(v))
		case attrInput:
			sp.Input = valString(v)
		case attrOutput:
			sp.Output = valString(v)
		case attrMetadata:
			metaVal = v
		default:
			if rest, ok := strings.CutPrefix(k, attrPrefix); ok {
				sp.RawMetadata[rest] = jsonValueToAny(v)
			} else {
				sp.RawMetadata[k] = jsonValueToAny(v)
			}
		}
	})

	if sp.SpanID == "" {
		return model.Span{}, fmt.Errorf("span row missing %s", colSpanID)
	}

	start, err := rowTime(row, colStartTime)
	if err != nil {
		return model.Span{}, err
	}
	sp.StartTime = start
	if end, err := rowTime(row, colEndTime); err == nil {
		sp.EndTime = end
	}

	if metaVal != nil {
		mergeMetadata(sp.RawMetadata, metaVal)
	}
	clampTimes(&sp)
	return sp, nil
}

// rowTime reads a timestamp column that arrives either as a millisecond
// epoch number (the usual export shape) or an RFC3339 string.
func rowTime(row *fastjson.Value, key string) (time.Time, error) {
	v := row.Get(key)
	if v == nil || v.Type() == fastjson.TypeNull {
		return time.Time{}, fmt.Errorf("span row missing %s", key)
	}
	switch v.Type() {
	case fastjson.TypeNumber:
		return timeutil.FromMillis(int64(v.GetFloat64())), nil
	case fastjson.TypeString:
		return timeutil.ParseBackendTime(string(v.GetStringBytes()))
	default:
		return time.Time{}, fmt.Errorf("span row has unparseable %s", key)
	}
}

// valString reads a column as a string; nulls collapse to "", and
// structured values are re-serialized so payload columns survive odd
// shapes.
func valString(v *fastjson.Value) string {
	switch v.Type() {
	case fastjson.TypeString:
		return string(v.GetStringBytes())
	case fastjson.TypeNull:
		return ""
	default:
		return string(v.MarshalTo(nil))
	}
}

// mergeMetadata folds the metadata column into dst. The column shows up
// either as a JSON object or as a JSON-encoded string holding one; both are
// handled, and anything else is kept verbatim under "metadata".
func mergeMetadata(dst map[string]any, v *fastjson.Value) {
	switch v.Type() {
	case fastjson.TypeObject:
		obj, _ := v.Object()
		obj.Visit(func(k []byte, val *fastjson.Value) {
			dst[string(k)] = jsonValueToAny(val)
		})
	case fastjson.TypeString:
		var p fastjson.Parser
		inner, err := p.ParseBytes(v.GetStringBytes())
		if err == nil && inner.Type() == fastjson.TypeObject {
			obj, _ := inner.Object()
			obj.Visit(func(k []byte, val *fastjson.Value) {
				dst[string(k)] = jsonValueToAny(val)
			})
			return
		}
		if s := string(v.GetStringBytes()); s != "" {
			dst["metadata"] = s
		}
	case fastjson.TypeNull:
		// nothing to merge
	default:
		dst["metadata"] = jsonValueToAny(v)
	}
}

// jsonValueToAny deep-copies a fastjson value into plain Go values. The
// copy matters: fastjson values alias the parser's buffer and must not
// outlive it.
func jsonValueToAny(v *fastjson.Value) any {
	switch v.Type() {
	case fastjson.TypeObject:
		obj, _ := v.Object()
		m := make(map[string]any, obj.Len())
		obj.Visit(func(k []byte, val *fastjson.Value) {
			m[string(k)] = jsonValueToAny(val)
		})
		return m
	case fastjson.TypeArray:
		arr := v.GetArray()
		out := make([]any, 0, len(arr))
		for _, el := range arr {
			out = append(out, jsonValueToAny(el))
		}
		return out
	case fastjson.TypeString:
		return string(v.GetStringBytes())
	case fastjson.TypeNumber:
		return v.GetFloat64()
	case fastjson.TypeTrue:
		return true
	case fastjson.TypeFalse:
		return false
	default:
		return nil
	}
}

// clampTimes enforces the canonical time invariant: EndTime is either zero
// (the span never finished) or >= StartTime.
func clampTimes(sp *model.Span) {
	if !sp.EndTime.IsZero() && sp.EndTime.Before(sp.StartTime) {
		sp.EndTime = sp.StartTime
	}
}

// spanFromGraphNode normalizes one GraphQL span node. The node's attributes
// document may be nested ({"input": {"value": ...}}) or dotted-flat
// ({"input.value": ...}) depending on the server version; both shapes feed
// the same canonical span.
func spanFromGraphNode(node graphSpanNode) (model.Span, error) {
	if node.Context.SpanID == "" {
		return model.Span{}, fmt.Errorf("span node missing context.spanId")
	}

	sp := model.Span{
		SpanID:       node.Context.SpanID,
		TraceID:      node.Context.TraceID,
		ParentSpanID: node.ParentID,
		Kind:         model.KindFromString(node.SpanKind),
		Name:         node.Name,
		RawMetadata:  map[string]any{},
	}

	start, err := timeutil.ParseBackendTime(node.StartTime)
	if err != nil {
		return model.Span{}, err
	}
	sp.StartTime = start
	if node.EndTime != "" {
		if end, err := timeutil.ParseBackendTime(node.EndTime); err == nil {
			sp.EndTime = end
		}
	}

	if node.Input != nil {
		sp.Input = node.Input.Value
	}
	if node.Output != nil {
		sp.Output = node.Output.Value
	}

	if attrs := decodeAttributes(node.Attributes); attrs != nil {
		for k, v := range attrs {
			if k == "metadata" {
				mergeMetaAny(sp.RawMetadata, v)
				continue
			}
			sp.RawMetadata[k] = v
		}
		if sp.Input == "" {
			sp.Input = lookupValue(attrs, "input")
		}
		if sp.Output == "" {
			sp.Output = lookupValue(attrs, "output")
		}
		if sp.Kind == model.KindUnknown {
			if s, ok := attrs["openinference.span.kind"].(string); ok {
				sp.Kind = model.KindFromString(s)
			}
		}
	}

	clampTimes(&sp)
	return sp, nil
}

// decodeAttributes parses a GraphQL attributes payload, unwrapping the
// double-encoded string form some server versions emit.
func decodeAttributes(raw []byte) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var p fastjson.Parser
	v, err := p.ParseBytes(raw)
	if err != nil {
		return nil
	}
	if v.Type() == fastjson.TypeString {
		var inner fastjson.Parser
		v, err = inner.ParseBytes(v.GetStringBytes())
		if err != nil {
			return nil
		}
	}
	if v.Type() != fastjson.TypeObject {
		return nil
	}
	m, _ := jsonValueToAny(v).(map[string]any)
	return m
}

// mergeMetaAny folds an already-decoded metadata value into dst, handling
// the object form and the JSON-string form.
func mergeMetaAny(dst map[string]any, v any) {
	switch meta := v.(type) {
	case map[string]any:
		for k, val := range meta {
			dst[k] = val
		}
	case string:
		parsed := jsonutil.SafeUnmarshal(meta)
		if len(parsed) > 0 {
			for k, val := range parsed {
				dst[k] = val
			}
			return
		}
		if meta != "" {
			dst["metadata"] = meta
		}
	}
}

// lookupValue pulls "<key>.value" out of an attributes map in either its
// dotted or nested spelling.
func lookupValue(attrs map[string]any, key string) string {
	if s, ok := attrs[key+".value"].(string); ok {
		return s
	}
	if nested, ok := attrs[key].(map[string]any); ok {
		if s, ok := nested["value"].(string); ok {
			return s
		}
	}
	return ""
}
