package validation

import (
	"fmt"
	"sort"
)

// Registry maps operation names to their schemas. Operations without a
// registered schema still pass through the security scan with every field
// treated as an identifier; a schema is only needed where type and bounds
// checks matter.
type Registry struct {
	schemas map[string]Schema
}

func NewRegistry() *Registry {
	return &Registry{schemas: map[string]Schema{}}
}

func (r *Registry) Register(operation string, schema Schema) error {
	if operation == "" {
		return fmt.Errorf("%w: operation name is empty", ErrInvalidRegistry)
	}
	if _, exists := r.schemas[operation]; exists {
		return fmt.Errorf("%w: duplicate schema for %s", ErrInvalidRegistry, operation)
	}
	r.schemas[operation] = schema
	return nil
}

func (r *Registry) Schema(operation string) (Schema, bool) {
	schema, ok := r.schemas[operation]
	return schema, ok
}

// Check verifies internal consistency of every registered schema. It is run
// once at startup so a malformed descriptor fails fast instead of surfacing
// mid-request.
func (r *Registry) Check() error {
	operations := make([]string, 0, len(r.schemas))
	for op := range r.schemas {
		operations = append(operations, op)
	}
	sort.Strings(operations)

	for _, op := range operations {
		for name, field := range r.schemas[op] {
			if err := checkField(field); err != nil {
				return fmt.Errorf("%w: %s.%s: %v", ErrInvalidRegistry, op, name, err)
			}
		}
	}
	return nil
}

func checkField(field Field) error {
	switch field.Type {
	case TypeString, TypeInt, TypeBool:
	default:
		return fmt.Errorf("unknown type %q", field.Type)
	}

	switch field.Class {
	case ClassIdentifier, ClassFreeText, "":
	default:
		return fmt.Errorf("unknown class %q", field.Class)
	}

	switch field.Format {
	case FormatNone, FormatUUID, FormatIP, FormatURL:
	default:
		return fmt.Errorf("unknown format %q", field.Format)
	}

	if field.Type != TypeString {
		if field.MinLen != 0 || field.MaxLen != 0 {
			return fmt.Errorf("length bounds on non-string type %q", field.Type)
		}
		if len(field.Enum) > 0 {
			return fmt.Errorf("enum on non-string type %q", field.Type)
		}
		if field.Format != FormatNone {
			return fmt.Errorf("format on non-string type %q", field.Type)
		}
	}
	if field.Type != TypeInt && (field.Min != nil || field.Max != nil) {
		return fmt.Errorf("numeric bounds on non-int type %q", field.Type)
	}
	if field.MinLen < 0 || field.MaxLen < 0 {
		return fmt.Errorf("negative length bound")
	}
	if field.MaxLen > 0 && field.MinLen > field.MaxLen {
		return fmt.Errorf("min length %d exceeds max length %d", field.MinLen, field.MaxLen)
	}
	if field.Min != nil && field.Max != nil && *field.Min > *field.Max {
		return fmt.Errorf("min %d exceeds max %d", *field.Min, *field.Max)
	}
	return nil
}

// DefaultRegistry carries schemas for the operations the gateway guards most
// tightly. The broader generated tool surface relies on the scan-only path.
func DefaultRegistry() (*Registry, error) {
	registry := NewRegistry()

	schemas := map[string]Schema{
		"deployVirtualMachine": {
			"serviceofferingid": {Type: TypeString, Required: true, Format: FormatUUID, Class: ClassIdentifier},
			"templateid":        {Type: TypeString, Required: true, Format: FormatUUID, Class: ClassIdentifier},
			"zoneid":            {Type: TypeString, Required: true, Format: FormatUUID, Class: ClassIdentifier},
			"name":              {Type: TypeString, MinLen: 1, MaxLen: 63, Class: ClassIdentifier},
			"displayname":       {Type: TypeString, MaxLen: 255, Class: ClassFreeText},
			"userdata":          {Type: TypeString, MaxLen: 32768, Class: ClassFreeText},
		},
		"destroyVirtualMachine": {
			"id":      {Type: TypeString, Required: true, Format: FormatUUID, Class: ClassIdentifier},
			"expunge": {Type: TypeBool, Class: ClassIdentifier},
		},
		"stopVirtualMachine": {
			"id":     {Type: TypeString, Required: true, Format: FormatUUID, Class: ClassIdentifier},
			"forced": {Type: TypeBool, Class: ClassIdentifier},
		},
		"scaleVirtualMachine": {
			"id":                {Type: TypeString, Required: true, Format: FormatUUID, Class: ClassIdentifier},
			"serviceofferingid": {Type: TypeString, Required: true, Format: FormatUUID, Class: ClassIdentifier},
		},
		"deleteVolume": {
			"id": {Type: TypeString, Required: true, Format: FormatUUID, Class: ClassIdentifier},
		},
		"createVolume": {
			"name":   {Type: TypeString, Required: true, MinLen: 1, MaxLen: 63, Class: ClassIdentifier},
			"zoneid": {Type: TypeString, Format: FormatUUID, Class: ClassIdentifier},
			"size":   {Type: TypeInt, Min: int64Ptr(1), Max: int64Ptr(65536), Class: ClassIdentifier},
		},
		"deleteNetwork": {
			"id":     {Type: TypeString, Required: true, Format: FormatUUID, Class: ClassIdentifier},
			"forced": {Type: TypeBool, Class: ClassIdentifier},
		},
		"createNetwork": {
			"name":              {Type: TypeString, Required: true, MinLen: 1, MaxLen: 63, Class: ClassIdentifier},
			"displaytext":       {Type: TypeString, MaxLen: 255, Class: ClassFreeText},
			"networkofferingid": {Type: TypeString, Required: true, Format: FormatUUID, Class: ClassIdentifier},
			"zoneid":            {Type: TypeString, Required: true, Format: FormatUUID, Class: ClassIdentifier},
			"gateway":           {Type: TypeString, Format: FormatIP, Class: ClassIdentifier},
			"netmask":           {Type: TypeString, Format: FormatIP, Class: ClassIdentifier},
		},
		"registerTemplate": {
			"name":        {Type: TypeString, Required: true, MinLen: 1, MaxLen: 63, Class: ClassIdentifier},
			"displaytext": {Type: TypeString, MaxLen: 255, Class: ClassFreeText},
			"url":         {Type: TypeString, Required: true, Format: FormatURL, Class: ClassIdentifier},
			"format":      {Type: TypeString, Required: true, Enum: []string{"QCOW2", "RAW", "VHD", "OVA"}, Class: ClassIdentifier},
			"hypervisor":  {Type: TypeString, Required: true, Enum: []string{"KVM", "XenServer", "VMware", "Hyperv"}, Class: ClassIdentifier},
			"zoneid":      {Type: TypeString, Required: true, Format: FormatUUID, Class: ClassIdentifier},
		},
		"expungeVirtualMachine": {
			"id": {Type: TypeString, Required: true, Format: FormatUUID, Class: ClassIdentifier},
		},
		"restoreVirtualMachine": {
			"virtualmachineid": {Type: TypeString, Required: true, Format: FormatUUID, Class: ClassIdentifier},
			"templateid":       {Type: TypeString, Format: FormatUUID, Class: ClassIdentifier},
		},
	}

	for op, schema := range schemas {
		if err := registry.Register(op, schema); err != nil {
			return nil, err
		}
	}
	if err := registry.Check(); err != nil {
		return nil, err
	}
	return registry, nil
}

func int64Ptr(v int64) *int64 {
	return &v
}
