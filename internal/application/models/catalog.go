package models

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/shopspring/decimal"
)

// ApplicationType names the document being requested.
type ApplicationType string

const (
	TypePassportFirst         ApplicationType = "passport-first"
	TypePassportReplacement   ApplicationType = "passport-replacement"
	TypeNationalIDFirst       ApplicationType = "nationalid-first"
	TypeNationalIDReplacement ApplicationType = "nationalid-replacement"
	TypeNationalIDCorrection  ApplicationType = "nationalid-correction"
	TypeVisa                  ApplicationType = "visa"
	TypePermit                ApplicationType = "permit"
	TypeEmergencyTravel       ApplicationType = "emergency-travel"
)

// TypeSpec is the configuration attached to one application type.
type TypeSpec struct {
	Label         string
	RequiredSlots []Slot
	Fee           decimal.Decimal
}

// Catalog maps application types to their required attachment slots and fee.
// It is configuration data: adding a type never touches the state machine.
type Catalog struct {
	currency   string
	defaultFee decimal.Decimal
	types      map[ApplicationType]TypeSpec
}

// DefaultCatalog returns the built-in document types.
func DefaultCatalog() *Catalog {
	return &Catalog{
		currency:   "SSP",
		defaultFee: decimal.NewFromInt(500),
		types: map[ApplicationType]TypeSpec{
			TypePassportFirst: {
				Label:         "Passport (first issue)",
				RequiredSlots: []Slot{SlotPhoto, SlotIDCopy, SlotSignature, SlotBirthCertificate},
				Fee:           decimal.NewFromInt(500),
			},
			TypePassportReplacement: {
				Label:         "Passport (replacement)",
				RequiredSlots: []Slot{SlotPhoto, SlotSignature, SlotOldDocument},
				Fee:           decimal.NewFromInt(300),
			},
			TypeNationalIDFirst: {
				Label:         "National ID (first issue)",
				RequiredSlots: []Slot{SlotPhoto, SlotSignature, SlotBirthCertificate},
				Fee:           decimal.NewFromInt(200),
			},
			TypeNationalIDReplacement: {
				Label:         "National ID (replacement)",
				RequiredSlots: []Slot{SlotPhoto, SlotPoliceReport},
				Fee:           decimal.NewFromInt(150),
			},
			TypeNationalIDCorrection: {
				Label:         "National ID (correction)",
				RequiredSlots: []Slot{SlotPhoto, SlotOldDocument},
				Fee:           decimal.NewFromInt(500),
			},
			TypeVisa: {
				Label:         "Visa",
				RequiredSlots: []Slot{SlotPhoto, SlotIDCopy},
				Fee:           decimal.NewFromInt(500),
			},
			TypePermit: {
				Label:         "Residence/work permit",
				RequiredSlots: []Slot{SlotPhoto, SlotIDCopy},
				Fee:           decimal.NewFromInt(500),
			},
			TypeEmergencyTravel: {
				Label:         "Emergency travel document",
				RequiredSlots: []Slot{SlotPhoto, SlotIDCopy},
				Fee:           decimal.NewFromInt(500),
			},
		},
	}
}

type catalogFile struct {
	Currency   string                       `json:"currency"`
	DefaultFee *decimal.Decimal             `json:"default_fee"`
	Types      map[string]catalogTypeConfig `json:"types"`
}

type catalogTypeConfig struct {
	Label         string           `json:"label"`
	RequiredSlots []string         `json:"required_slots"`
	Fee           *decimal.Decimal `json:"fee"`
}

// LoadCatalog overlays a JSON document on the defaults. Types present in the
// document replace the built-in entry of the same name; new names are added.
func LoadCatalog(r io.Reader) (*Catalog, error) {
	var file catalogFile
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}

	c := DefaultCatalog()
	if file.Currency != "" {
		c.currency = file.Currency
	}
	if file.DefaultFee != nil {
		if file.DefaultFee.IsNegative() {
			return nil, fmt.Errorf("default_fee must not be negative")
		}
		c.defaultFee = *file.DefaultFee
	}
	for name, cfg := range file.Types {
		if name == "" {
			return nil, fmt.Errorf("catalog type name must not be empty")
		}
		spec := TypeSpec{Label: cfg.Label, Fee: c.defaultFee}
		if spec.Label == "" {
			spec.Label = name
		}
		if cfg.Fee != nil {
			if cfg.Fee.IsNegative() {
				return nil, fmt.Errorf("fee for %s must not be negative", name)
			}
			spec.Fee = *cfg.Fee
		}
		for _, raw := range cfg.RequiredSlots {
			slot := Slot(raw)
			if !slot.IsValid() {
				return nil, fmt.Errorf("type %s: unknown slot %q", name, raw)
			}
			spec.RequiredSlots = append(spec.RequiredSlots, slot)
		}
		c.types[ApplicationType(name)] = spec
	}
	return c, nil
}

func (c *Catalog) Lookup(t ApplicationType) (TypeSpec, bool) {
	spec, ok := c.types[t]
	return spec, ok
}

func (c *Catalog) IsKnown(t ApplicationType) bool {
	_, ok := c.types[t]
	return ok
}

// RequiredSlots returns the slots that must be filled before any transition.
func (c *Catalog) RequiredSlots(t ApplicationType) []Slot {
	return append([]Slot(nil), c.types[t].RequiredSlots...)
}

// Fee returns the fee for t, falling back to the default fee.
func (c *Catalog) Fee(t ApplicationType) decimal.Decimal {
	if spec, ok := c.types[t]; ok {
		return spec.Fee
	}
	return c.defaultFee
}

func (c *Catalog) Currency() string {
	return c.currency
}

// Types returns the configured type names in lexical order.
func (c *Catalog) Types() []ApplicationType {
	out := make([]ApplicationType, 0, len(c.types))
	for t := range c.types {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
