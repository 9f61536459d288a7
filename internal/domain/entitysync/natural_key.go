package entitysync

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/text/width"
)

// Customer numbers are shared by both systems without any offset: Finance
// stores the contact number as a positive integer, the CRM stores the same
// value as its canonical decimal string. EncodeCustomerNumber and
// DecodeCustomerNumber are inverse bijections between those two spaces.

// EncodeCustomerNumber turns a Finance contact number into the CRM customer number
func EncodeCustomerNumber(contactNumber int64) (string, error) {
	if contactNumber <= 0 {
		return "", fmt.Errorf("%w: contact number must be positive, got %d", ErrInvalidNaturalKey, contactNumber)
	}
	return strconv.FormatInt(contactNumber, 10), nil
}

// DecodeCustomerNumber turns a CRM customer number into the Finance contact
// number. Full-width digits and surrounding spaces are normalized first;
// anything else that is not the canonical form (leading zeros, signs) is rejected.
func DecodeCustomerNumber(customerNumber string) (int64, error) {
	s := NormalizeNaturalKey(customerNumber)
	if s == "" {
		return 0, fmt.Errorf("%w: empty customer number", ErrInvalidNaturalKey)
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("%w: customer number %q is not numeric", ErrInvalidNaturalKey, customerNumber)
		}
	}
	if s[0] == '0' {
		return 0, fmt.Errorf("%w: customer number %q has leading zeros", ErrInvalidNaturalKey, customerNumber)
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: customer number %q: %v", ErrInvalidNaturalKey, customerNumber, err)
	}
	return n, nil
}

// NormalizeNaturalKey narrows full-width characters to ASCII and trims spaces
func NormalizeNaturalKey(key string) string {
	return strings.TrimSpace(width.Narrow.String(key))
}

// TranslateNaturalKey converts a natural key as reported by the source side
// into the form the target side is searched by.
func TranslateNaturalKey(entityType EntityType, source Side, key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("%w: empty key", ErrInvalidNaturalKey)
	}
	switch entityType {
	case EntityTypeCustomer:
		if source == SideA {
			n, err := DecodeCustomerNumber(key)
			if err != nil {
				return "", err
			}
			return strconv.FormatInt(n, 10), nil
		}
		n, err := DecodeCustomerNumber(key)
		if err != nil {
			return "", err
		}
		return EncodeCustomerNumber(n)
	case EntityTypePreInvoice:
		// Invoice numbers are carried verbatim as the pre-invoice reference.
		k := NormalizeNaturalKey(key)
		if k == "" {
			return "", fmt.Errorf("%w: empty invoice number", ErrInvalidNaturalKey)
		}
		return k, nil
	}
	return "", ErrInvalidEntityType
}
