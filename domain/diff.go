package domain

import (
	"fmt"
	"sort"
)

// FieldChange is a top-level field whose value differs between two versions
type FieldChange struct {
	Field    string `json:"field"`
	Version1 string `json:"version1"`
	Version2 string `json:"version2"`
}

// RowRef identifies a child row in a collection
type RowRef struct {
	Collection string      `json:"collection"`
	Key        string      `json:"key"`
	Row        interface{} `json:"row"`
}

// RowChange is a child row present in both versions with different content
type RowChange struct {
	Collection string      `json:"collection"`
	Key        string      `json:"key"`
	Version1   interface{} `json:"version1"`
	Version2   interface{} `json:"version2"`
}

// Diff is the structural difference between two snapshots
type Diff struct {
	Fields  []FieldChange `json:"fields"`
	Added   []RowRef      `json:"added"`
	Removed []RowRef      `json:"removed"`
	Changed []RowChange   `json:"changed"`
}

// Empty reports whether the two snapshots were identical
func (d Diff) Empty() bool {
	return len(d.Fields) == 0 && len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0
}

type field struct {
	name  string
	value string
}

type row struct {
	key       string
	canonical string
	value     interface{}
}

// Compare diffs two payloads of the same kind. Rows are matched by a stable
// key: item_code for BOM lines, operation name for BOM operations and link
// for Item documents. Repeated keys are disambiguated by occurrence.
func Compare(a, b Payload) (Diff, error) {
	if a.Kind() != b.Kind() {
		return Diff{}, NewValidationError("cannot compare snapshots of different kinds")
	}

	d := Diff{
		Fields:  []FieldChange{},
		Added:   []RowRef{},
		Removed: []RowRef{},
		Changed: []RowChange{},
	}

	d.Fields = compareFields(fieldsOf(a), fieldsOf(b))

	ca, cb := collectionsOf(a), collectionsOf(b)
	for _, name := range collectionNames(a.Kind()) {
		added, removed, changed := compareRows(name, ca[name], cb[name])
		d.Added = append(d.Added, added...)
		d.Removed = append(d.Removed, removed...)
		d.Changed = append(d.Changed, changed...)
	}
	return d, nil
}

func compareFields(fa, fb []field) []FieldChange {
	va := make(map[string]string, len(fa))
	for _, f := range fa {
		va[f.name] = f.value
	}
	vb := make(map[string]string, len(fb))
	for _, f := range fb {
		vb[f.name] = f.value
	}

	names := make([]string, 0, len(va)+len(vb))
	seen := map[string]bool{}
	for _, f := range append(append([]field{}, fa...), fb...) {
		if !seen[f.name] {
			seen[f.name] = true
			names = append(names, f.name)
		}
	}

	changes := []FieldChange{}
	for _, name := range names {
		if va[name] != vb[name] {
			changes = append(changes, FieldChange{Field: name, Version1: va[name], Version2: vb[name]})
		}
	}
	return changes
}

func compareRows(collection string, ra, rb []row) ([]RowRef, []RowRef, []RowChange) {
	ia := make(map[string]row, len(ra))
	for _, r := range ra {
		ia[r.key] = r
	}
	ib := make(map[string]row, len(rb))
	for _, r := range rb {
		ib[r.key] = r
	}

	var (
		added   []RowRef
		removed []RowRef
		changed []RowChange
	)
	for _, r := range rb {
		prev, ok := ia[r.key]
		if !ok {
			added = append(added, RowRef{Collection: collection, Key: r.key, Row: r.value})
			continue
		}
		if prev.canonical != r.canonical {
			changed = append(changed, RowChange{Collection: collection, Key: r.key, Version1: prev.value, Version2: r.value})
		}
	}
	for _, r := range ra {
		if _, ok := ib[r.key]; !ok {
			removed = append(removed, RowRef{Collection: collection, Key: r.key, Row: r.value})
		}
	}
	return added, removed, changed
}

func fieldsOf(p Payload) []field {
	var fields []field
	switch {
	case p.Item != nil:
		fields = []field{
			{"item_code", p.Item.ItemCode},
			{"item_name", p.Item.ItemName},
			{"description", p.Item.Description},
			{"item_group", p.Item.ItemGroup},
			{"stock_uom", p.Item.StockUOM},
		}
		fields = append(fields, attributeFields(p.Item.Attributes)...)
	case p.BOM != nil:
		fields = []field{
			{"item", p.BOM.Item},
			{"quantity", p.BOM.Quantity.String()},
			{"uom", p.BOM.UOM},
			{"currency", p.BOM.Currency},
		}
		fields = append(fields, attributeFields(p.BOM.Attributes)...)
	}
	return fields
}

func attributeFields(attrs map[string]string) []field {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fields := make([]field, 0, len(keys))
	for _, k := range keys {
		fields = append(fields, field{"attributes." + k, attrs[k]})
	}
	return fields
}

func collectionNames(kind Kind) []string {
	if kind == KindBOM {
		return []string{"items", "operations"}
	}
	return []string{"documents"}
}

func collectionsOf(p Payload) map[string][]row {
	out := map[string][]row{}
	switch {
	case p.Item != nil:
		keys := newKeyer()
		for _, d := range p.Item.Documents {
			out["documents"] = append(out["documents"], row{
				key:       keys.key(d.Link),
				canonical: fmt.Sprintf("%s|%s|%s|%s|%s", d.Link, d.Version, d.Type, d.Attachment, d.Filename),
				value:     d,
			})
		}
	case p.BOM != nil:
		keys := newKeyer()
		for _, l := range p.BOM.Items {
			out["items"] = append(out["items"], row{
				key: keys.key(l.ItemCode),
				canonical: fmt.Sprintf("%s|%s|%s|%s|%s|%s|%s", l.ItemCode, l.ItemName, l.Qty.String(), l.UOM,
					l.Rate.String(), l.Amount.String(), l.SourceWarehouse),
				value: l,
			})
		}
		opKeys := newKeyer()
		for _, o := range p.BOM.Operations {
			out["operations"] = append(out["operations"], row{
				key:       opKeys.key(o.Operation),
				canonical: fmt.Sprintf("%s|%s|%s|%s", o.Operation, o.Workstation, o.TimeInMins.String(), o.OperatingCost.String()),
				value:     o,
			})
		}
	}
	return out
}

type keyer map[string]int

func newKeyer() keyer { return keyer{} }

func (k keyer) key(base string) string {
	k[base]++
	if n := k[base]; n > 1 {
		return fmt.Sprintf("%s#%d", base, n)
	}
	return base
}
