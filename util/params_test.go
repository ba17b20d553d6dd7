package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolveParams(t *testing.T) {
	variables := map[string]any{
		"order": map[string]any{
			"id":     "ord-81",
			"amount": 42.5,
			"items":  []any{"sku-1", "sku-2"},
		},
		"approved": true,
	}

	for scenario, fn := range map[string]func(t *testing.T){
		"shouldKeepPlainValues": func(t *testing.T) {
			out := ResolveParams(variables, map[string]any{"limit": 10, "note": "no tokens"})
			assert.Equal(t, 10, out["limit"])
			assert.Equal(t, "no tokens", out["note"])
		},
		"shouldInterpolateText": func(t *testing.T) {
			out := ResolveParams(variables, map[string]any{"subject": "order {$.order.id} charged"})
			assert.Equal(t, "order ord-81 charged", out["subject"])
		},
		"shouldPreserveNativeType": func(t *testing.T) {
			out := ResolveParams(variables, map[string]any{
				"amount":   "{$.order.amount}",
				"approved": "{$.approved}",
				"items":    "{$.order.items}",
			})
			assert.Equal(t, 42.5, out["amount"])
			assert.Equal(t, true, out["approved"])
			assert.Equal(t, []any{"sku-1", "sku-2"}, out["items"])
		},
		"shouldResolveNested": func(t *testing.T) {
			out := ResolveParams(variables, map[string]any{
				"payload": map[string]any{
					"ref":  "{$.order.id}",
					"tags": []any{"{$.order.id}", "static"},
				},
			})
			payload := out["payload"].(map[string]any)
			assert.Equal(t, "ord-81", payload["ref"])
			assert.Equal(t, []any{"ord-81", "static"}, payload["tags"])
		},
		"shouldNilMissingPath": func(t *testing.T) {
			out := ResolveParams(variables, map[string]any{"missing": "{$.nope.nothing}"})
			assert.Nil(t, out["missing"])
		},
		"shouldIgnoreNonPathBraces": func(t *testing.T) {
			out := ResolveParams(variables, map[string]any{"tmpl": "{literal}"})
			assert.Equal(t, "{literal}", out["tmpl"])
		},
	} {
		t.Run(scenario, fn)
	}
}
