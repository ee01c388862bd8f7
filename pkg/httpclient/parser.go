package httpclient

import (
	"encoding/json"
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseResponse decodes a JSON or XML body into BodyJSON. XML is converted to
// nested maps with attributes under "@name" keys.
func ParseResponse(resp *Response) error {
	if len(resp.Body) == 0 {
		return nil
	}

	contentType := strings.ToLower(resp.ContentType)
	switch {
	case strings.Contains(contentType, "xml"):
		result, err := xmlToMap(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to parse XML: %w", err)
		}
		resp.BodyJSON = result
	default:
		var result any
		if err := json.Unmarshal(resp.Body, &result); err != nil {
			return fmt.Errorf("failed to parse JSON: %w", err)
		}
		resp.BodyJSON = result
	}
	return nil
}

type xmlNode struct {
	XMLName  xml.Name
	Attrs    []xml.Attr `xml:",any,attr"`
	Content  string     `xml:",chardata"`
	Children []xmlNode  `xml:",any"`
}

func xmlToMap(data []byte) (map[string]any, error) {
	var node xmlNode
	if err := xml.Unmarshal(data, &node); err != nil {
		return nil, err
	}
	return nodeToMap(node), nil
}

func nodeToMap(node xmlNode) map[string]any {
	result := make(map[string]any)
	for _, attr := range node.Attrs {
		result["@"+attr.Name.Local] = attr.Value
	}

	if len(node.Children) == 0 {
		content := strings.TrimSpace(node.Content)
		if content != "" {
			if len(result) == 0 {
				return map[string]any{node.XMLName.Local: content}
			}
			result["#text"] = content
		}
		return map[string]any{node.XMLName.Local: result}
	}

	groups := make(map[string][]any)
	var order []string
	for _, child := range node.Children {
		for k, v := range nodeToMap(child) {
			if _, seen := groups[k]; !seen {
				order = append(order, k)
			}
			groups[k] = append(groups[k], v)
		}
	}
	for _, name := range order {
		if values := groups[name]; len(values) == 1 {
			result[name] = values[0]
		} else {
			result[name] = values
		}
	}
	return map[string]any{node.XMLName.Local: result}
}

func IsSuccessStatus(statusCode int) bool {
	return statusCode >= 200 && statusCode < 300
}

// RetryAfter reads a Retry-After header in seconds or HTTP-date form.
func RetryAfter(resp *Response, now time.Time) time.Duration {
	value := resp.Header.Get("Retry-After")
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(max(secs, 0)) * time.Second
	}
	if at, err := time.Parse(time.RFC1123, value); err == nil {
		return max(at.Sub(now), 0)
	}
	return 0
}
