package databases

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeFiltersEmpty(t *testing.T) {
	assert.Nil(t, NormalizeFilters(nil))
	assert.Nil(t, NormalizeFilters(map[string]interface{}{}))
	assert.Nil(t, NormalizeFilters(map[string]interface{}{"user_id": nil}))
	assert.Nil(t, NormalizeFilters(map[string]interface{}{"user_id": "  "}))
}

func TestNormalizeFiltersString(t *testing.T) {
	clause := NormalizeFilters(map[string]interface{}{"user_id": "U-123"})
	require.NotNil(t, clause)

	assert.Equal(t, []string{"user_id"}, clause["path"])
	assert.Equal(t, "ContainsAny", clause["operator"])
	assert.Equal(t, []string{"u-123"}, clause["valueText"])
}

func TestNormalizeFiltersScalars(t *testing.T) {
	boolClause := NormalizeFilters(map[string]interface{}{"archived": false})
	require.NotNil(t, boolClause)
	assert.Equal(t, "Equal", boolClause["operator"])
	assert.Equal(t, false, boolClause["valueBoolean"])

	numClause := NormalizeFilters(map[string]interface{}{"page": 3})
	require.NotNil(t, numClause)
	assert.Equal(t, "Equal", numClause["operator"])
	assert.Equal(t, 3.0, numClause["valueNumber"])
}

func TestNormalizeFiltersList(t *testing.T) {
	clause := NormalizeFilters(map[string]interface{}{
		"file_id": []interface{}{"f1", "f2"},
	})
	require.NotNil(t, clause)

	assert.Equal(t, "Or", clause["operator"])
	operands, ok := clause["operands"].([]map[string]interface{})
	require.True(t, ok)
	require.Len(t, operands, 2)
	assert.Equal(t, []string{"f1"}, operands[0]["valueText"])
	assert.Equal(t, []string{"f2"}, operands[1]["valueText"])
}

func TestNormalizeFiltersSingleItemListCollapses(t *testing.T) {
	clause := NormalizeFilters(map[string]interface{}{
		"file_id": []string{"f1"},
	})
	require.NotNil(t, clause)

	// One-element lists skip the Or wrapper
	assert.Equal(t, "ContainsAny", clause["operator"])
	assert.Equal(t, []string{"f1"}, clause["valueText"])
}

func TestNormalizeFiltersMultipleKeys(t *testing.T) {
	clause := NormalizeFilters(map[string]interface{}{
		"user_id": "u1",
		"page":    2,
	})
	require.NotNil(t, clause)

	assert.Equal(t, "And", clause["operator"])
	operands, ok := clause["operands"].([]map[string]interface{})
	require.True(t, ok)
	assert.Len(t, operands, 2)

	// Operands follow key order: page before user_id.
	assert.Equal(t, []string{"page"}, operands[0]["path"])
	assert.Equal(t, []string{"user_id"}, operands[1]["path"])
}

func TestNormalizeFiltersDeterministicOrder(t *testing.T) {
	filters := map[string]interface{}{
		"user_id": "u1",
		"file_id": "f1",
		"page":    3,
	}
	first := renderWhere(NormalizeFilters(filters))
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, renderWhere(NormalizeFilters(filters)))
	}
}

func TestRenderWhere(t *testing.T) {
	clause := NormalizeFilters(map[string]interface{}{"user_id": "u1"})
	rendered := renderWhere(clause)

	assert.Equal(t, `{path: ["user_id"], operator: ContainsAny, valueText: ["u1"]}`, rendered)
}

func TestRenderWhereNested(t *testing.T) {
	clause := NormalizeFilters(map[string]interface{}{
		"file_id": []string{"f1", "f2"},
	})
	rendered := renderWhere(clause)

	assert.Contains(t, rendered, "operator: Or")
	assert.Contains(t, rendered, `valueText: ["f1"]`)
	assert.Contains(t, rendered, `valueText: ["f2"]`)
}
