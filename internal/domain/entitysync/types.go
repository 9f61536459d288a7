package entitysync

import (
	"fmt"
	"strings"
)

// EntityType identifies the kind of business record being synchronized
type EntityType string

const (
	EntityTypeCustomer   EntityType = "CUSTOMER"
	EntityTypePreInvoice EntityType = "PREINVOICE"
)

// AllEntityTypes returns every supported entity type
func AllEntityTypes() []EntityType {
	return []EntityType{EntityTypeCustomer, EntityTypePreInvoice}
}

// IsValid returns true if the entity type is supported
func (t EntityType) IsValid() bool {
	switch t {
	case EntityTypeCustomer, EntityTypePreInvoice:
		return true
	}
	return false
}

// String returns the string representation
func (t EntityType) String() string {
	return string(t)
}

// ParseEntityKind converts a URL entity kind ("customer", "preinvoice",
// "pre-invoice", "invoice") into an EntityType.
func ParseEntityKind(kind string) (EntityType, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "customer", "customers", "contact", "contacts":
		return EntityTypeCustomer, nil
	case "preinvoice", "pre-invoice", "preinvoices", "invoice", "invoices":
		return EntityTypePreInvoice, nil
	}
	t := EntityType(strings.ToUpper(kind))
	if t.IsValid() {
		return t, nil
	}
	return "", fmt.Errorf("unknown entity kind %q", kind)
}

// Side is one of the two sides of a mapping. Side A is the CRM, side B is Finance.
type Side string

const (
	SideA Side = "A"
	SideB Side = "B"
)

// IsValid returns true if the side is A or B
func (s Side) IsValid() bool {
	return s == SideA || s == SideB
}

// Opposite returns the counterpart side
func (s Side) Opposite() Side {
	if s == SideA {
		return SideB
	}
	return SideA
}

// System returns the concrete system that lives on this side
func (s Side) System() System {
	if s == SideA {
		return SystemCRM
	}
	return SystemFinance
}

// System identifies an external system
type System string

const (
	SystemCRM     System = "crm"
	SystemFinance System = "finance"
)

// ParseSystem parses a system name, case-insensitively
func ParseSystem(s string) (System, error) {
	sys := System(strings.ToLower(strings.TrimSpace(s)))
	if !sys.IsValid() {
		return "", fmt.Errorf("unknown system %q", s)
	}
	return sys, nil
}

// IsValid returns true if the system is known
func (s System) IsValid() bool {
	return s == SystemCRM || s == SystemFinance
}

// Side returns the mapping side this system occupies
func (s System) Side() Side {
	if s == SystemCRM {
		return SideA
	}
	return SideB
}

// String returns the string representation
func (s System) String() string {
	return string(s)
}

// Direction is the direction of a single sync attempt
type Direction string

const (
	DirectionAToB Direction = "A_TO_B"
	DirectionBToA Direction = "B_TO_A"
)

// DirectionFrom returns the direction of a sync whose source is the given side
func DirectionFrom(source Side) Direction {
	if source == SideA {
		return DirectionAToB
	}
	return DirectionBToA
}

// IsValid returns true if the direction is valid
func (d Direction) IsValid() bool {
	return d == DirectionAToB || d == DirectionBToA
}

// TriggerType is the origin of a sync request
type TriggerType string

const (
	TriggerWebhook TriggerType = "WEBHOOK"
	TriggerPoll    TriggerType = "POLL"
	TriggerManual  TriggerType = "MANUAL"
)

// IsValid returns true if the trigger type is valid
func (t TriggerType) IsValid() bool {
	switch t {
	case TriggerWebhook, TriggerPoll, TriggerManual:
		return true
	}
	return false
}

// Action is the change reported by a trigger
type Action string

const (
	ActionCreated Action = "created"
	ActionUpdated Action = "updated"
	ActionDeleted Action = "deleted"
)

// ParseAction normalizes vendor action names ("create", "UPDATE", "contact.updated")
func ParseAction(s string) (Action, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	if i := strings.LastIndexAny(v, ".:"); i >= 0 {
		v = v[i+1:]
	}
	switch v {
	case "created", "create", "insert", "new":
		return ActionCreated, nil
	case "updated", "update", "modify", "modified", "changed":
		return ActionUpdated, nil
	case "deleted", "delete", "remove", "removed":
		return ActionDeleted, nil
	}
	return "", fmt.Errorf("unknown action %q", s)
}

// IsValid returns true if the action is valid
func (a Action) IsValid() bool {
	switch a {
	case ActionCreated, ActionUpdated, ActionDeleted:
		return true
	}
	return false
}
