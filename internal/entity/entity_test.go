package entity

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestID(t *testing.T) {
	table := []struct {
		entity Entity
		id     int64
		ok     bool
	}{
		{entity: Entity{"id": float64(12)}, id: 12, ok: true},
		{entity: Entity{"id": json.Number("9007199254740993")}, id: 9007199254740993, ok: true},
		{entity: Entity{"id": "44"}, id: 44, ok: true},
		{entity: Entity{"id": nil}, ok: false},
		{entity: Entity{"id": 0}, ok: false},
		{entity: Entity{}, ok: false},
		{entity: nil, ok: false},
	}

	for _, row := range table {
		id, ok := ID(row.entity)
		require.Equal(t, row.ok, ok)
		require.Equal(t, row.id, id)
	}
}

func TestVisualIDFallsBack(t *testing.T) {
	require.Equal(t, "1042", VisualID(Entity{"id": float64(7), "visual_id": json.Number("1042")}))
	require.Equal(t, "7", VisualID(Entity{"id": float64(7)}))
}

func TestCustomerName(t *testing.T) {
	require.Equal(t, "Acme Tees", CustomerName(Entity{"company_name": "Acme Tees", "full_name": "Jo Doe"}))
	require.Equal(t, "Jo Doe", CustomerName(Entity{"company_name": "", "full_name": "Jo Doe"}))
	require.Equal(t, "Jo Doe", CustomerName(Entity{"first_name": "Jo", "last_name": "Doe"}))
	require.Equal(t, "", CustomerName(nil))
}

func TestTimeAndDate(t *testing.T) {
	e := Entity{"created_at": "2023-04-05T10:11:12.000-07:00"}
	parsed, ok := Time(e, "created_at")
	require.True(t, ok)
	require.Equal(t, 2023, parsed.Year())
	require.Equal(t, "2023-04-05", Date(e, "created_at"))

	_, ok = Time(Entity{"created_at": "garbage"}, "created_at")
	require.False(t, ok)
}

func TestList(t *testing.T) {
	e := Entity{"lineitems_attributes": []any{
		map[string]any{"id": float64(1)},
		"not an object",
		map[string]any{"id": float64(2)},
	}}
	require.Len(t, List(e, "lineitems_attributes"), 2)
	require.Equal(t, 3, Count(e, "lineitems_attributes"))
	require.Empty(t, List(e, "missing"))
}
