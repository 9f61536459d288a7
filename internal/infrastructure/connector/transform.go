package connector

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/erp/syncbridge/internal/domain/entitysync"
	"github.com/shopspring/decimal"
	"github.com/ttacon/libphonenumber"
)

// Mapper implements entitysync.Transformer for the CRM and Finance record shapes
type Mapper struct {
	// DefaultRegion is the ISO 3166 region used for phone numbers without a country prefix
	DefaultRegion string
}

// NewMapper creates a Mapper
func NewMapper(defaultRegion string) *Mapper {
	if defaultRegion == "" {
		defaultRegion = "DE"
	}
	return &Mapper{DefaultRegion: strings.ToUpper(defaultRegion)}
}

// Transform implements entitysync.Transformer
func (m *Mapper) Transform(entityType entitysync.EntityType, direction entitysync.Direction, source entitysync.Snapshot) (map[string]any, error) {
	switch {
	case entityType == entitysync.EntityTypeCustomer && direction == entitysync.DirectionAToB:
		return m.customerToContact(source.Data)
	case entityType == entitysync.EntityTypeCustomer && direction == entitysync.DirectionBToA:
		return m.contactToCustomer(source.Data)
	case entityType == entitysync.EntityTypePreInvoice && direction == entitysync.DirectionAToB:
		return m.invoiceToPreInvoice(source.Data)
	case entityType == entitysync.EntityTypePreInvoice && direction == entitysync.DirectionBToA:
		return m.preInvoiceToInvoice(source.Data)
	}
	return nil, fmt.Errorf("%w: %s %s", entitysync.ErrNoTransformer, entityType, direction)
}

// ---------------------------------------------------------------------------
// Customers
// ---------------------------------------------------------------------------

func (m *Mapper) customerToContact(src map[string]any) (map[string]any, error) {
	out := map[string]any{
		"name":  str(src, "name"),
		"email": strings.ToLower(str(src, "email")),
	}
	if num := str(src, "customerNumber"); num != "" {
		n, err := entitysync.DecodeCustomerNumber(num)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUntransformable, err)
		}
		out["contactNumber"] = n
	}

	addr, _ := src["address"].(map[string]any)
	region := m.DefaultRegion
	if c := str(addr, "country"); c != "" {
		region = strings.ToUpper(c)
	}
	phone, err := m.normalizePhone(str(src, "phone"), region)
	if err != nil {
		return nil, err
	}
	out["phone"] = phone
	if addr != nil {
		out["billingAddress"] = map[string]any{
			"line1":       str(addr, "street"),
			"city":        str(addr, "city"),
			"zip":         str(addr, "postalCode"),
			"countryCode": strings.ToUpper(str(addr, "country")),
		}
	}
	return out, nil
}

func (m *Mapper) contactToCustomer(src map[string]any) (map[string]any, error) {
	out := map[string]any{
		"name":  str(src, "name"),
		"email": strings.ToLower(str(src, "email")),
	}
	if num := str(src, "contactNumber"); num != "" {
		n, err := strconv.ParseInt(num, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: contact number %q", ErrUntransformable, num)
		}
		customerNumber, err := entitysync.EncodeCustomerNumber(n)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUntransformable, err)
		}
		out["customerNumber"] = customerNumber
	}

	addr, _ := src["billingAddress"].(map[string]any)
	region := m.DefaultRegion
	if c := str(addr, "countryCode"); c != "" {
		region = strings.ToUpper(c)
	}
	phone, err := m.normalizePhone(str(src, "phone"), region)
	if err != nil {
		return nil, err
	}
	out["phone"] = phone
	if addr != nil {
		out["address"] = map[string]any{
			"street":     str(addr, "line1"),
			"city":       str(addr, "city"),
			"postalCode": str(addr, "zip"),
			"country":    strings.ToUpper(str(addr, "countryCode")),
		}
	}
	return out, nil
}

// normalizePhone formats a phone number as E.164. Empty stays empty.
func (m *Mapper) normalizePhone(raw, region string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", nil
	}
	num, err := libphonenumber.Parse(raw, region)
	if err != nil {
		return "", fmt.Errorf("%w: phone %q: %v", ErrUntransformable, raw, err)
	}
	if !libphonenumber.IsValidNumber(num) {
		return "", fmt.Errorf("%w: phone %q is not a valid number for %s", ErrUntransformable, raw, region)
	}
	return libphonenumber.Format(num, libphonenumber.E164), nil
}

// ---------------------------------------------------------------------------
// Invoices
// ---------------------------------------------------------------------------

func (m *Mapper) invoiceToPreInvoice(src map[string]any) (map[string]any, error) {
	ref := entitysync.NormalizeNaturalKey(str(src, "invoiceNumber"))
	if ref == "" {
		return nil, fmt.Errorf("%w: invoice without invoiceNumber", ErrUntransformable)
	}
	out := map[string]any{
		"reference": ref,
		"currency":  strings.ToUpper(str(src, "currency")),
		"date":      str(src, "issueDate"),
	}
	if num := str(src, "customerNumber"); num != "" {
		n, err := entitysync.DecodeCustomerNumber(num)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUntransformable, err)
		}
		out["contactNumber"] = n
	}

	lines, _ := src["lines"].([]any)
	items := make([]any, 0, len(lines))
	net := decimal.Zero
	for i, l := range lines {
		line, ok := l.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: invoice line %d is not an object", ErrUntransformable, i)
		}
		qty, err := decimalField(line, "quantity")
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrUntransformable, i, err)
		}
		price, err := decimalField(line, "unitPrice")
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrUntransformable, i, err)
		}
		net = net.Add(qty.Mul(price))
		items = append(items, map[string]any{
			"text":     str(line, "description"),
			"quantity": qty.String(),
			"price":    price.StringFixed(2),
		})
	}
	if _, ok := src["total"]; ok {
		total, err := decimalField(src, "total")
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUntransformable, err)
		}
		if !total.Round(2).Equal(net.Round(2)) {
			return nil, fmt.Errorf("%w: invoice total %s does not match line sum %s", ErrUntransformable, total.StringFixed(2), net.StringFixed(2))
		}
	}
	out["items"] = items
	out["netAmount"] = net.StringFixed(2)
	return out, nil
}

func (m *Mapper) preInvoiceToInvoice(src map[string]any) (map[string]any, error) {
	ref := entitysync.NormalizeNaturalKey(str(src, "reference"))
	if ref == "" {
		return nil, fmt.Errorf("%w: pre-invoice without reference", ErrUntransformable)
	}
	out := map[string]any{
		"invoiceNumber": ref,
		"currency":      strings.ToUpper(str(src, "currency")),
		"issueDate":     str(src, "date"),
	}
	if num := str(src, "contactNumber"); num != "" {
		n, err := strconv.ParseInt(num, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: contact number %q", ErrUntransformable, num)
		}
		customerNumber, err := entitysync.EncodeCustomerNumber(n)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUntransformable, err)
		}
		out["customerNumber"] = customerNumber
	}

	items, _ := src["items"].([]any)
	lines := make([]any, 0, len(items))
	total := decimal.Zero
	for i, it := range items {
		item, ok := it.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: pre-invoice item %d is not an object", ErrUntransformable, i)
		}
		qty, err := decimalField(item, "quantity")
		if err != nil {
			return nil, fmt.Errorf("%w: item %d: %v", ErrUntransformable, i, err)
		}
		price, err := decimalField(item, "price")
		if err != nil {
			return nil, fmt.Errorf("%w: item %d: %v", ErrUntransformable, i, err)
		}
		total = total.Add(qty.Mul(price))
		lines = append(lines, map[string]any{
			"description": str(item, "text"),
			"quantity":    qty.String(),
			"unitPrice":   price.StringFixed(2),
		})
	}
	out["lines"] = lines
	out["total"] = total.StringFixed(2)
	return out, nil
}

func str(rec map[string]any, field string) string {
	if rec == nil {
		return ""
	}
	return strings.TrimSpace(stringField(rec, field))
}

func decimalField(rec map[string]any, field string) (decimal.Decimal, error) {
	switch v := rec[field].(type) {
	case json.Number:
		return decimal.NewFromString(v.String())
	case string:
		return decimal.NewFromString(strings.TrimSpace(v))
	case float64:
		return decimal.NewFromFloat(v), nil
	case int:
		return decimal.NewFromInt(int64(v)), nil
	case int64:
		return decimal.NewFromInt(v), nil
	case nil:
		return decimal.Zero, fmt.Errorf("%s is missing", field)
	}
	return decimal.Zero, fmt.Errorf("%s has unsupported type %T", field, rec[field])
}

var _ entitysync.Transformer = (*Mapper)(nil)
