package models

import (
	"strings"

	dErrors "dossier/pkg/domain-errors"
)

// Slot names one typed document position on an application.
type Slot string

const (
	SlotPhoto               Slot = "photo"
	SlotIDCopy              Slot = "idCopy"
	SlotSignature           Slot = "signature"
	SlotBirthCertificate    Slot = "birthCertificate"
	SlotOldDocument         Slot = "oldDocument"
	SlotPoliceReport        Slot = "policeReport"
	SlotPaymentProof        Slot = "paymentProof"
	SlotCivilRegistryNumber Slot = "civilRegistryNumber"
)

var allSlots = []Slot{
	SlotPhoto,
	SlotIDCopy,
	SlotSignature,
	SlotBirthCertificate,
	SlotOldDocument,
	SlotPoliceReport,
	SlotPaymentProof,
	SlotCivilRegistryNumber,
}

func AllSlots() []Slot {
	return append([]Slot(nil), allSlots...)
}

func (s Slot) IsValid() bool {
	for _, known := range allSlots {
		if s == known {
			return true
		}
	}
	return false
}

// ParseSlot validates a slot name from a request.
func ParseSlot(raw string) (Slot, error) {
	s := Slot(strings.TrimSpace(raw))
	if !s.IsValid() {
		return "", dErrors.New(dErrors.CodeValidation, "unknown attachment slot: "+raw)
	}
	return s, nil
}

// BlobRef is an opaque attachment store reference.
type BlobRef string

func (r BlobRef) IsZero() bool { return r == "" }

func (r BlobRef) String() string { return string(r) }
