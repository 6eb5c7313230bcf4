package messaging

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/cht/sentinel/internal/config"
	"github.com/cht/sentinel/pkg/doc"
)

var placeholderRE = regexp.MustCompile(`\{\{\s*([\w.\[\]]+)\s*\}\}`)

var indexRE = regexp.MustCompile(`\[([0-9]+)\]`)

// lookupPath resolves a dot path ("contact.name", "fields.items[0]") into a
// decoded JSON value.
func lookupPath(root any, path string) any {
	current := root
	for _, part := range strings.Split(path, ".") {
		var index = -1
		if m := indexRE.FindStringSubmatch(part); m != nil {
			index, _ = strconv.Atoi(m[1])
			part = indexRE.ReplaceAllString(part, "")
		}
		m, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current = m[part]
		if index >= 0 {
			arr, ok := current.([]any)
			if !ok || index >= len(arr) {
				return nil
			}
			current = arr[index]
		}
	}
	return current
}

// templateContext flattens a document (by its JSON shape) and overlays any
// extra values, so templates can reference contact.name, patient_id,
// fields.<x> and friends.
func templateContext(d *doc.Document, extra map[string]any) map[string]any {
	ctx := make(map[string]any)
	if d != nil {
		b, _ := json.Marshal(d)
		_ = json.Unmarshal(b, &ctx)
	}
	for k, v := range extra {
		ctx[k] = v
	}
	return ctx
}

// RenderMessage substitutes {{path}} placeholders in a configured message
// body with values from the document. Unresolvable placeholders are left
// in place so misconfigurations stay visible.
func RenderMessage(template string, d *doc.Document, extra map[string]any) string {
	ctx := templateContext(d, extra)
	return placeholderRE.ReplaceAllStringFunc(template, func(match string) string {
		path := placeholderRE.FindStringSubmatch(match)[1]
		v := lookupPath(ctx, path)
		if v == nil {
			return match
		}
		switch t := v.(type) {
		case string:
			return t
		case float64:
			return strconv.FormatFloat(t, 'f', -1, 64)
		case bool:
			return strconv.FormatBool(t)
		default:
			return fmt.Sprintf("%v", t)
		}
	})
}

// MessageText picks the localized content of a configured message, falling
// back to English and then to the first entry.
func MessageText(msgs []config.LocalizedMessage, locale string) string {
	for _, m := range msgs {
		if m.Locale == locale {
			return m.Content
		}
	}
	for _, m := range msgs {
		if m.Locale == "en" {
			return m.Content
		}
	}
	if len(msgs) > 0 {
		return msgs[0].Content
	}
	return ""
}
