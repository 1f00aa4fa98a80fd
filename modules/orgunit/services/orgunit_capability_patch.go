package services

import (
	"errors"
	"reflect"
	"strings"
)

var ErrCapabilityContractInvalid = errors.New("CAPABILITY_CONTRACT_INVALID")

// WriteCapability is the kernel's per-request declaration of what one write
// intent may touch. AllowedFields and the key-set of FieldPayloadKeys must be
// in bijection; anything else is treated as "nothing permitted".
type WriteCapability struct {
	Enabled          bool              `json:"enabled"`
	AllowedFields    []string          `json:"allowed_fields"`
	FieldPayloadKeys map[string]string `json:"field_payload_keys"`
	DenyReasons      []string          `json:"deny_reasons"`
}

// OrgUnitSnapshot is one effective-dated state of an org unit: the fixed core
// fields plus tenant-configured extension fields under Ext. Next-state values
// absent from the map mean "operator did not touch this field".
type OrgUnitSnapshot struct {
	Core map[string]any `json:"core"`
	Ext  map[string]any `json:"ext"`
}

// WritePatch carries only the fields whose next value differs from the
// original. Extension changes nest under "ext"; the key is absent when no
// extension field changed.
type WritePatch map[string]any

var orgUnitCoreFieldSet = map[string]struct{}{
	"is_business_unit": {},
	"manager_pernr":    {},
	"name":             {},
	"parent_org_code":  {},
	"status":           {},
}

// BuildWritePatch diffs next against original under a capability contract.
// A contract whose AllowedFields and FieldPayloadKeys key-set are not in
// exact bijection yields ErrCapabilityContractInvalid and no patch.
func BuildWritePatch(capability WriteCapability, original OrgUnitSnapshot, next OrgUnitSnapshot) (WritePatch, error) {
	if err := validateCapabilityContract(capability); err != nil {
		return nil, err
	}

	patch := WritePatch{}
	ext := map[string]any{}

	for _, fieldKey := range capability.AllowedFields {
		fieldKey = strings.TrimSpace(fieldKey)
		if fieldKey == "" {
			continue
		}
		if _, ok := orgUnitCoreFieldSet[fieldKey]; ok {
			nextValue, touched := snapshotValue(next.Core, fieldKey)
			if !touched {
				continue
			}
			originalValue, _ := snapshotValue(original.Core, fieldKey)
			if snapshotValueEqual(originalValue, nextValue) {
				continue
			}
			patch[fieldKey] = nextValue
			continue
		}

		nextValue, touched := snapshotValue(next.Ext, fieldKey)
		if !touched {
			continue
		}
		originalValue, _ := snapshotValue(original.Ext, fieldKey)
		if snapshotValueEqual(originalValue, nextValue) {
			continue
		}
		ext[fieldKey] = nextValue
	}

	if len(ext) > 0 {
		patch["ext"] = ext
	}
	return patch, nil
}

func validateCapabilityContract(capability WriteCapability) error {
	allowed := make(map[string]struct{}, len(capability.AllowedFields))
	for _, raw := range capability.AllowedFields {
		fieldKey := strings.TrimSpace(raw)
		if fieldKey == "" {
			return ErrCapabilityContractInvalid
		}
		if _, ok := allowed[fieldKey]; ok {
			return ErrCapabilityContractInvalid
		}
		allowed[fieldKey] = struct{}{}
		if _, ok := capability.FieldPayloadKeys[fieldKey]; !ok {
			return ErrCapabilityContractInvalid
		}
	}
	seenPayloadKeys := make(map[string]struct{}, len(capability.FieldPayloadKeys))
	for fieldKey, payloadKey := range capability.FieldPayloadKeys {
		if _, ok := allowed[strings.TrimSpace(fieldKey)]; !ok {
			return ErrCapabilityContractInvalid
		}
		payloadKey = strings.TrimSpace(payloadKey)
		if payloadKey == "" {
			return ErrCapabilityContractInvalid
		}
		if _, ok := seenPayloadKeys[payloadKey]; ok {
			return ErrCapabilityContractInvalid
		}
		seenPayloadKeys[payloadKey] = struct{}{}
	}
	return nil
}

func snapshotValue(fields map[string]any, fieldKey string) (any, bool) {
	if fields == nil {
		return nil, false
	}
	v, ok := fields[fieldKey]
	return v, ok
}

func snapshotValueEqual(a any, b any) bool {
	return reflect.DeepEqual(a, b)
}
