package object

import (
	"fmt"

	"github.com/cybroslabs/libdlms-go/axdr"
	"github.com/cybroslabs/libdlms-go/cosem"
)

// Register is COSEM class id 3: a measured value (attribute 2) with a
// scaler/unit (attribute 3, structure of (scaler int8, unit enum)).
// Grounded on spec §8 scenario S2/S3 ("a registered Register holding
// Unsigned(10)") and on the teacher's dlmsal/utils.go COSEM unit table;
// attribute 3 carries the unit as a raw enum code.
type Register struct {
	LN       cosem.LN
	Value    axdr.Data
	Scaler   int8
	Unit     uint8
	Access   []cosem.AttributeAccessDescriptor
	Methods  []cosem.MethodAccessDescriptor
	Hook     *Hooks
}

const RegisterClassID = 3

// NewCurrencyRegister builds a Register whose unit is UnitCurrency,
// rejecting a currencyCode that ISO 4217 does not recognize. The code
// itself is not placed on the wire (the scaler/unit structure has no
// third field for it); it exists for the caller's own bookkeeping and
// logging of which currency the register's amounts are denominated in.
func NewCurrencyRegister(ln cosem.LN, value axdr.Data, scaler int8, currencyCode string) (*Register, error) {
	if !cosem.ValidCurrencyCode(currencyCode) {
		return nil, fmt.Errorf("object: %q is not a recognized ISO 4217 currency code", currencyCode)
	}
	return &Register{LN: ln, Value: value, Scaler: scaler, Unit: cosem.UnitCurrency}, nil
}

func (r *Register) ClassID() uint16       { return RegisterClassID }
func (r *Register) Version() uint8        { return 0 }
func (r *Register) LogicalName() cosem.LN { return r.LN }

func (r *Register) AttributeAccessRights() []cosem.AttributeAccessDescriptor {
	if r.Access != nil {
		return r.Access
	}
	return []cosem.AttributeAccessDescriptor{
		{AttributeID: 2, Mode: cosem.ReadWrite},
		{AttributeID: 3, Mode: cosem.Read},
	}
}

func (r *Register) MethodAccessRights() []cosem.MethodAccessDescriptor {
	if r.Methods != nil {
		return r.Methods
	}
	return []cosem.MethodAccessDescriptor{{MethodID: 1, Mode: cosem.MethodAccess}} // reset
}

func (r *Register) scalerUnit() axdr.Data {
	return axdr.NewStructure(axdr.NewInteger(r.Scaler), axdr.NewEnum(r.Unit))
}

func (r *Register) GetAttribute(attributeID int8) (axdr.Data, bool) {
	switch attributeID {
	case 2:
		return r.Value, true
	case 3:
		return r.scalerUnit(), true
	default:
		return axdr.Data{}, false
	}
}

func (r *Register) SetAttribute(attributeID int8, value axdr.Data) bool {
	switch attributeID {
	case 2:
		r.Value = value
		return true
	case 3:
		if value.Tag != axdr.TagStructure || len(value.Elements) != 2 {
			return false
		}
		r.Scaler = value.Elements[0].I8
		r.Unit = value.Elements[1].U8
		return true
	default:
		return false
	}
}

// InvokeMethod supports method 1 (reset): zeroes the value.
func (r *Register) InvokeMethod(methodID int8, _ axdr.Data) (axdr.Data, bool) {
	if methodID != 1 {
		return axdr.Data{}, false
	}
	r.Value = axdr.NewDoubleLongUnsigned(0)
	return axdr.NewNull(), true
}

func (r *Register) Hooks() *Hooks { return r.Hook }

func (r *Register) Clone() Object {
	cp := *r
	cp.Access = append([]cosem.AttributeAccessDescriptor(nil), r.Access...)
	cp.Methods = append([]cosem.MethodAccessDescriptor(nil), r.Methods...)
	return &cp
}

// ExtendedRegister is COSEM class id 4: a Register plus status (attribute
// 4) and capture_time (attribute 5, a 12-byte date-time).
type ExtendedRegister struct {
	Register
	Status      uint32
	CaptureTime [12]byte
}

const ExtendedRegisterClassID = 4

func (e *ExtendedRegister) ClassID() uint16 { return ExtendedRegisterClassID }

func (e *ExtendedRegister) AttributeAccessRights() []cosem.AttributeAccessDescriptor {
	if e.Access != nil {
		return e.Access
	}
	return []cosem.AttributeAccessDescriptor{
		{AttributeID: 2, Mode: cosem.Read},
		{AttributeID: 3, Mode: cosem.Read},
		{AttributeID: 4, Mode: cosem.Read},
		{AttributeID: 5, Mode: cosem.Read},
	}
}

func (e *ExtendedRegister) GetAttribute(attributeID int8) (axdr.Data, bool) {
	switch attributeID {
	case 4:
		return axdr.NewDoubleLongUnsigned(e.Status), true
	case 5:
		return axdr.NewDateTime(e.CaptureTime), true
	default:
		return e.Register.GetAttribute(attributeID)
	}
}

func (e *ExtendedRegister) SetAttribute(attributeID int8, value axdr.Data) bool {
	switch attributeID {
	case 4, 5:
		return false // status/capture_time are read-only, set by the metrology firmware the dispatcher stands in for
	default:
		return e.Register.SetAttribute(attributeID, value)
	}
}

func (e *ExtendedRegister) Clone() Object {
	cp := *e
	cp.Access = append([]cosem.AttributeAccessDescriptor(nil), e.Access...)
	cp.Methods = append([]cosem.MethodAccessDescriptor(nil), e.Methods...)
	return &cp
}
