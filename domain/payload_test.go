package domain

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPayload_EncodeDecode(t *testing.T) {
	p := bomPayload(line("RM-1", 2))
	p.Schema = ""

	b, err := EncodePayload(p)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"schema":"plm.bom/v1"`)

	got, err := DecodePayload(b)
	require.NoError(t, err)
	assert.Equal(t, SchemaBOMV1, got.Schema)
	assert.Equal(t, KindBOM, got.Kind())
	assert.True(t, got.BOM.Items[0].Qty.Equal(decimal.NewFromInt(2)))
}

func TestPayload_DecodeIgnoresUnknownFields(t *testing.T) {
	raw := `{"schema":"plm.item/v1","item":{"item_code":"ITEM-1","item_name":"Bolt","weight_kg":"0.2"}}`

	got, err := DecodePayload([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, "Bolt", got.Item.ItemName)
}

func TestPayload_DecodeRejectsUnknownSchema(t *testing.T) {
	_, err := DecodePayload([]byte(`{"schema":"plm.bom/v9","bom":{}}`))
	assert.Error(t, err)
}

func TestPayload_UpgradesLegacyBOM(t *testing.T) {
	raw := `{"item":"FG-1","quantity":1,"items":[{"item_code":"RM-1","qty":2.5,"rate":10}],"operations":[{"operation":"Weld","time_in_mins":15}]}`

	got, err := DecodePayload([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, SchemaBOMV1, got.Schema)
	require.Len(t, got.BOM.Items, 1)
	assert.True(t, got.BOM.Items[0].Qty.Equal(decimal.RequireFromString("2.5")))
	assert.Equal(t, "Weld", got.BOM.Operations[0].Operation)
}

func TestPayload_UpgradesLegacyItem(t *testing.T) {
	raw := `{"item_code":"ITEM-1","item_name":"Bolt","custom_document_list":[{"link":"DOC-1","version":"A"}]}`

	got, err := DecodePayload([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, SchemaItemV1, got.Schema)
	require.Len(t, got.Item.Documents, 1)
	assert.Equal(t, "DOC-1", got.Item.Documents[0].Link)
}

func TestPayload_CloneIsDeep(t *testing.T) {
	p := NewItemPayload(ItemData{
		ItemCode:   "ITEM-1",
		Attributes: map[string]string{"color": "red"},
		Documents:  []DocumentLink{{Link: "DOC-1"}},
	})
	c := p.Clone()
	c.Item.Attributes["color"] = "blue"
	c.Item.Documents[0].Link = "DOC-2"
	c.Item.ItemName = "changed"

	assert.Equal(t, "red", p.Item.Attributes["color"])
	assert.Equal(t, "DOC-1", p.Item.Documents[0].Link)
	assert.Empty(t, p.Item.ItemName)
}

func TestPayload_Validate(t *testing.T) {
	assert.NoError(t, bomPayload(line("RM-1", 1)).Validate(KindBOM, "BOM-1"))
	assert.True(t, IsValidationError(bomPayload(line("RM-1", 0)).Validate(KindBOM, "BOM-1")))
	assert.True(t, IsValidationError(bomPayload().Validate(KindItem, "ITEM-1")))

	item := NewItemPayload(ItemData{ItemCode: "ITEM-1"})
	assert.NoError(t, item.Validate(KindItem, "ITEM-1"))
	assert.True(t, IsValidationError(item.Validate(KindItem, "ITEM-2")))
}
