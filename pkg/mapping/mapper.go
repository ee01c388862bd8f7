package mapping

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/jmespath/go-jmespath"
	"github.com/shopspring/decimal"

	"github.com/Ramsey-B/sorrel/pkg/models"
)

// ErrIncomplete means the payload lacks the fields a summary requires.
var ErrIncomplete = errors.New("payload is missing required fields")

// Config holds JMESPath expressions evaluated against the merged payload
// ({"list": ..., "detail": ...}). Goods expressions are evaluated per goods item.
type Config struct {
	DeclarationType  string
	CustomsOffice    string
	Declarant        string
	TotalValue       string
	Currency         string
	Goods            string
	GoodsCode        string
	GoodsDescription string
}

type Mapper struct {
	declarationType  *jmespath.JMESPath
	customsOffice    *jmespath.JMESPath
	declarant        *jmespath.JMESPath
	totalValue       *jmespath.JMESPath
	currency         *jmespath.JMESPath
	goods            *jmespath.JMESPath
	goodsCode        *jmespath.JMESPath
	goodsDescription *jmespath.JMESPath
}

// NewMapper compiles every expression up front so a bad configuration fails at startup.
func NewMapper(cfg Config) (*Mapper, error) {
	var m Mapper
	for _, f := range []struct {
		name string
		expr string
		dst  **jmespath.JMESPath
	}{
		{"declaration type", cfg.DeclarationType, &m.declarationType},
		{"customs office", cfg.CustomsOffice, &m.customsOffice},
		{"declarant", cfg.Declarant, &m.declarant},
		{"total value", cfg.TotalValue, &m.totalValue},
		{"currency", cfg.Currency, &m.currency},
		{"goods", cfg.Goods, &m.goods},
		{"goods code", cfg.GoodsCode, &m.goodsCode},
		{"goods description", cfg.GoodsDescription, &m.goodsDescription},
	} {
		compiled, err := jmespath.Compile(f.expr)
		if err != nil {
			return nil, fmt.Errorf("invalid %s expression %q: %w", f.name, f.expr, err)
		}
		*f.dst = compiled
	}
	return &m, nil
}

// Map derives the summary and commodity codes from payload. It returns
// ErrIncomplete when the declaration type cannot be found.
func (m *Mapper) Map(payload map[string]any) (*models.DeclarationSummary, []models.DeclarationCode, error) {
	summary := &models.DeclarationSummary{}

	declType, err := m.optionalString(m.declarationType, payload)
	if err != nil {
		return nil, nil, err
	}
	if declType == nil {
		return nil, nil, ErrIncomplete
	}
	summary.DeclarationType = declType

	if summary.CustomsOffice, err = m.optionalString(m.customsOffice, payload); err != nil {
		return nil, nil, err
	}
	if summary.Declarant, err = m.optionalString(m.declarant, payload); err != nil {
		return nil, nil, err
	}
	if summary.Currency, err = m.optionalString(m.currency, payload); err != nil {
		return nil, nil, err
	}

	raw, err := m.totalValue.Search(payload)
	if err != nil {
		return nil, nil, fmt.Errorf("total value: %w", err)
	}
	if summary.TotalValue, err = toDecimal(raw); err != nil {
		return nil, nil, fmt.Errorf("total value: %w", err)
	}

	codes, err := m.codes(payload)
	if err != nil {
		return nil, nil, err
	}
	summary.GoodsCount = len(codes)
	return summary, codes, nil
}

func (m *Mapper) codes(payload map[string]any) ([]models.DeclarationCode, error) {
	raw, err := m.goods.Search(payload)
	if err != nil {
		return nil, fmt.Errorf("goods: %w", err)
	}

	var items []any
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case []any:
		items = v
	default:
		// a single XML goods element is not wrapped in an array
		items = []any{v}
	}

	codes := make([]models.DeclarationCode, 0, len(items))
	for i, item := range items {
		code, err := m.optionalString(m.goodsCode, item)
		if err != nil {
			return nil, err
		}
		if code == nil {
			continue
		}
		description, err := m.optionalString(m.goodsDescription, item)
		if err != nil {
			return nil, err
		}
		codes = append(codes, models.DeclarationCode{LineNumber: i + 1, Code: *code, Description: description})
	}
	return codes, nil
}

func (m *Mapper) optionalString(expr *jmespath.JMESPath, data any) (*string, error) {
	raw, err := expr.Search(data)
	if err != nil {
		return nil, err
	}
	var s string
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case string:
		s = v
	case float64:
		s = strconv.FormatFloat(v, 'f', -1, 64)
	default:
		s = fmt.Sprintf("%v", v)
	}
	if s == "" {
		return nil, nil
	}
	return &s, nil
}

func toDecimal(raw any) (*decimal.Decimal, error) {
	var d decimal.Decimal
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case float64:
		d = decimal.NewFromFloat(v)
	case string:
		parsed, err := decimal.NewFromString(v)
		if err != nil {
			return nil, err
		}
		d = parsed
	default:
		return nil, fmt.Errorf("unexpected type %T", raw)
	}
	return &d, nil
}
