package mapping

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		DeclarationType:  "detail.declarationType",
		CustomsOffice:    "detail.customsOffice.code",
		Declarant:        "detail.declarant.name",
		TotalValue:       "detail.invoice.totalValue",
		Currency:         "detail.invoice.currency",
		Goods:            "detail.goods",
		GoodsCode:        "commodityCode",
		GoodsDescription: "description",
	}
}

func TestMapper_Map(t *testing.T) {
	m, err := NewMapper(testConfig())
	require.NoError(t, err)

	payload := map[string]any{
		"list": map[string]any{"guid": "g-1"},
		"detail": map[string]any{
			"declarationType": "IM40",
			"customsOffice":   map[string]any{"code": "DE001"},
			"declarant":       map[string]any{"name": "Acme"},
			"invoice":         map[string]any{"totalValue": "1234.50", "currency": "EUR"},
			"goods": []any{
				map[string]any{"commodityCode": "8471300000", "description": "Laptops"},
				map[string]any{"commodityCode": 8504403000.0},
				map[string]any{"description": "no code"},
			},
		},
	}

	summary, codes, err := m.Map(payload)
	require.NoError(t, err)
	assert.Equal(t, "IM40", *summary.DeclarationType)
	assert.Equal(t, "DE001", *summary.CustomsOffice)
	assert.Equal(t, "Acme", *summary.Declarant)
	assert.Equal(t, "EUR", *summary.Currency)
	assert.True(t, decimal.RequireFromString("1234.5").Equal(*summary.TotalValue))

	require.Len(t, codes, 2)
	assert.Equal(t, 1, codes[0].LineNumber)
	assert.Equal(t, "Laptops", *codes[0].Description)
	assert.Equal(t, "8504403000", codes[1].Code)
	assert.Nil(t, codes[1].Description)
	assert.Equal(t, 2, summary.GoodsCount)
}

func TestMapper_SingleGoodsElement(t *testing.T) {
	m, err := NewMapper(testConfig())
	require.NoError(t, err)

	_, codes, err := m.Map(map[string]any{"detail": map[string]any{
		"declarationType": "EX",
		"goods":           map[string]any{"commodityCode": "0101"},
	}})
	require.NoError(t, err)
	require.Len(t, codes, 1)
	assert.Equal(t, "0101", codes[0].Code)
}

func TestMapper_Incomplete(t *testing.T) {
	m, err := NewMapper(testConfig())
	require.NoError(t, err)

	_, _, err = m.Map(map[string]any{"list": map[string]any{"guid": "g-1"}})
	assert.ErrorIs(t, err, ErrIncomplete)
}

func TestMapper_InvalidTotalValue(t *testing.T) {
	m, err := NewMapper(testConfig())
	require.NoError(t, err)

	_, _, err = m.Map(map[string]any{"detail": map[string]any{
		"declarationType": "IM",
		"invoice":         map[string]any{"totalValue": "twelve"},
	}})
	assert.Error(t, err)
}

func TestNewMapper_InvalidExpression(t *testing.T) {
	cfg := testConfig()
	cfg.Goods = "detail.goods[?"
	_, err := NewMapper(cfg)
	assert.Error(t, err)
}
