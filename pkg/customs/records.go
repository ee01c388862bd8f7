package customs

import (
	"errors"
	"fmt"
	"time"

	"github.com/Ramsey-B/sorrel/pkg/models"
)

// listItems finds the record array in a list response. JSON responses carry
// {"items": [...]} or a bare array; XML responses <declarations><declaration/>...
func listItems(body any) ([]map[string]any, error) {
	var raw any
	switch v := body.(type) {
	case nil:
		return nil, nil
	case []any:
		raw = v
	case map[string]any:
		if items, ok := v["items"]; ok {
			raw = items
		} else if root, ok := v["declarations"]; ok {
			if root == nil {
				return nil, nil
			}
			inner, ok := root.(map[string]any)
			if !ok {
				return nil, nil
			}
			raw = inner["declaration"]
		} else {
			return nil, errors.New("list response has no items")
		}
	default:
		return nil, fmt.Errorf("unexpected list response %T", body)
	}

	switch v := raw.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		// a single XML child is not wrapped in an array
		return []map[string]any{v}, nil
	case []any:
		items := make([]map[string]any, 0, len(v))
		for _, item := range v {
			m, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("list item is %T, want object", item)
			}
			items = append(items, m)
		}
		return items, nil
	default:
		return nil, fmt.Errorf("list items are %T, want array", raw)
	}
}

func toListRecord(item map[string]any) (models.ListRecord, error) {
	rec := models.ListRecord{Raw: item}

	guid, _ := item["guid"].(string)
	if guid == "" {
		return rec, errors.New("missing guid")
	}
	rec.GUID = guid
	rec.DeclarationNumber, _ = item["declarationNumber"].(string)
	rec.Status, _ = item["status"].(string)

	declaredAt, _ := item["declaredAt"].(string)
	t, err := parseTime(declaredAt)
	if err != nil {
		return rec, fmt.Errorf("guid %s: %w", guid, err)
	}
	rec.DeclaredAt = t
	return rec, nil
}

func parseTime(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", time.DateOnly} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid declaredAt %q", s)
}
