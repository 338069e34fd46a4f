package domain

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Snapshot schemas. Minor additions keep the schema name; readers ignore
// unknown fields. A breaking change gets a new name and an upgrade in
// UnmarshalJSON.
const (
	SchemaItemV1 = "plm.item/v1"
	SchemaBOMV1  = "plm.bom/v1"
)

// Payload is the schema-tagged body of a snapshot or of an entity's working data
type Payload struct {
	Schema string    `json:"schema"`
	Item   *ItemData `json:"item,omitempty"`
	BOM    *BOMData  `json:"bom,omitempty"`
}

// ItemData is the captured state of an Item
type ItemData struct {
	ItemCode    string            `json:"item_code"`
	ItemName    string            `json:"item_name,omitempty"`
	Description string            `json:"description,omitempty"`
	ItemGroup   string            `json:"item_group,omitempty"`
	StockUOM    string            `json:"stock_uom,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	Documents   []DocumentLink    `json:"documents,omitempty"`
}

// DocumentLink is a drawing or document attached to an Item
type DocumentLink struct {
	Link       string `json:"link"`
	Version    string `json:"version,omitempty"`
	Type       string `json:"type,omitempty"`
	Attachment string `json:"attachment,omitempty"`
	Filename   string `json:"filename,omitempty"`
}

// BOMData is the captured state of a BOM
type BOMData struct {
	Item       string            `json:"item"`
	Quantity   decimal.Decimal   `json:"quantity"`
	UOM        string            `json:"uom,omitempty"`
	Currency   string            `json:"currency,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Items      []BOMLine         `json:"items,omitempty"`
	Operations []BOMOperation    `json:"operations,omitempty"`
}

// BOMLine is a raw material line of a BOM
type BOMLine struct {
	ItemCode        string          `json:"item_code"`
	ItemName        string          `json:"item_name,omitempty"`
	Qty             decimal.Decimal `json:"qty"`
	UOM             string          `json:"uom,omitempty"`
	Rate            decimal.Decimal `json:"rate"`
	Amount          decimal.Decimal `json:"amount"`
	SourceWarehouse string          `json:"source_warehouse,omitempty"`
}

// BOMOperation is a routing step of a BOM
type BOMOperation struct {
	Operation     string          `json:"operation"`
	Workstation   string          `json:"workstation,omitempty"`
	TimeInMins    decimal.Decimal `json:"time_in_mins"`
	OperatingCost decimal.Decimal `json:"operating_cost"`
}

// NewItemPayload wraps item data in the current item schema
func NewItemPayload(data ItemData) Payload {
	return Payload{Schema: SchemaItemV1, Item: &data}
}

// NewBOMPayload wraps BOM data in the current BOM schema
func NewBOMPayload(data BOMData) Payload {
	return Payload{Schema: SchemaBOMV1, BOM: &data}
}

// Kind returns the entity kind the payload describes
func (p Payload) Kind() Kind {
	if p.BOM != nil {
		return KindBOM
	}
	return KindItem
}

// IsZero reports whether the payload carries no data
func (p Payload) IsZero() bool {
	return p.Item == nil && p.BOM == nil
}

// Clone returns a deep copy; snapshots never share slices or maps with the
// working data they were taken from.
func (p Payload) Clone() Payload {
	out := Payload{Schema: p.Schema}
	if p.Item != nil {
		item := *p.Item
		item.Attributes = cloneMap(p.Item.Attributes)
		if p.Item.Documents != nil {
			item.Documents = append([]DocumentLink(nil), p.Item.Documents...)
		}
		out.Item = &item
	}
	if p.BOM != nil {
		bom := *p.BOM
		bom.Attributes = cloneMap(p.BOM.Attributes)
		if p.BOM.Items != nil {
			bom.Items = append([]BOMLine(nil), p.BOM.Items...)
		}
		if p.BOM.Operations != nil {
			bom.Operations = append([]BOMOperation(nil), p.BOM.Operations...)
		}
		out.BOM = &bom
	}
	return out
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Validate checks the payload against the kind and identity it is stored under
func (p Payload) Validate(kind Kind, identity string) error {
	switch kind {
	case KindItem:
		if p.Item == nil || p.BOM != nil {
			return NewValidationError("item data is required")
		}
		if strings.TrimSpace(p.Item.ItemCode) == "" {
			return NewValidationError("item_code is required")
		}
		if identity != "" && p.Item.ItemCode != identity {
			return NewValidationError(fmt.Sprintf("item_code %q does not match item %q", p.Item.ItemCode, identity))
		}
		for i, doc := range p.Item.Documents {
			if strings.TrimSpace(doc.Link) == "" {
				return NewValidationError(fmt.Sprintf("document row %d has no link", i+1))
			}
		}
	case KindBOM:
		if p.BOM == nil || p.Item != nil {
			return NewValidationError("bom data is required")
		}
		if strings.TrimSpace(p.BOM.Item) == "" {
			return NewValidationError("bom item is required")
		}
		if p.BOM.Quantity.IsNegative() {
			return NewValidationError("bom quantity cannot be negative")
		}
		for i, line := range p.BOM.Items {
			if strings.TrimSpace(line.ItemCode) == "" {
				return NewValidationError(fmt.Sprintf("bom line %d has no item_code", i+1))
			}
			if !line.Qty.IsPositive() {
				return NewValidationError(fmt.Sprintf("bom line %d (%s) must have a positive qty", i+1, line.ItemCode))
			}
		}
	default:
		return NewValidationError(fmt.Sprintf("unknown entity kind %q", kind))
	}
	return nil
}

// EncodePayload serializes a payload, stamping the current schema when missing
func EncodePayload(p Payload) ([]byte, error) {
	if p.Schema == "" {
		if p.BOM != nil {
			p.Schema = SchemaBOMV1
		} else {
			p.Schema = SchemaItemV1
		}
	}
	return json.Marshal(p)
}

// DecodePayload parses a stored payload in any supported schema
func DecodePayload(b []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(b, &p); err != nil {
		return Payload{}, err
	}
	return p, nil
}

type payloadEnvelope struct {
	Schema string          `json:"schema"`
	Item   json.RawMessage `json:"item"`
	BOM    json.RawMessage `json:"bom"`
}

// UnmarshalJSON accepts the current schemas and upgrades schema-less
// snapshots taken as flat document dumps.
func (p *Payload) UnmarshalJSON(b []byte) error {
	var env payloadEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return err
	}

	switch env.Schema {
	case SchemaItemV1:
		var item ItemData
		if err := json.Unmarshal(env.Item, &item); err != nil {
			return fmt.Errorf("decode %s: %w", SchemaItemV1, err)
		}
		*p = Payload{Schema: SchemaItemV1, Item: &item}
		return nil
	case SchemaBOMV1:
		var bom BOMData
		if err := json.Unmarshal(env.BOM, &bom); err != nil {
			return fmt.Errorf("decode %s: %w", SchemaBOMV1, err)
		}
		*p = Payload{Schema: SchemaBOMV1, BOM: &bom}
		return nil
	case "":
		return p.upgradeLegacy(b)
	default:
		return fmt.Errorf("unsupported snapshot schema %q", env.Schema)
	}
}

// legacyDocument is the flat field dump older snapshots were stored as
type legacyDocument struct {
	Item               string          `json:"item"`
	ItemCode           string          `json:"item_code"`
	Items              json.RawMessage `json:"items"`
	CustomDocumentList []DocumentLink  `json:"custom_document_list"`
	Documents          []DocumentLink  `json:"documents"`
}

func (p *Payload) upgradeLegacy(b []byte) error {
	var doc legacyDocument
	if err := json.Unmarshal(b, &doc); err != nil {
		return err
	}

	if doc.Item != "" || len(doc.Items) > 0 {
		var bom BOMData
		if err := json.Unmarshal(b, &bom); err != nil {
			return fmt.Errorf("upgrade legacy bom snapshot: %w", err)
		}
		*p = Payload{Schema: SchemaBOMV1, BOM: &bom}
		return nil
	}

	if doc.ItemCode != "" {
		var item ItemData
		if err := json.Unmarshal(b, &item); err != nil {
			return fmt.Errorf("upgrade legacy item snapshot: %w", err)
		}
		if len(item.Documents) == 0 {
			item.Documents = doc.CustomDocumentList
		}
		*p = Payload{Schema: SchemaItemV1, Item: &item}
		return nil
	}

	// An empty legacy snapshot stays empty.
	*p = Payload{}
	return nil
}
