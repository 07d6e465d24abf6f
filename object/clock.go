package object

import (
	"github.com/cybroslabs/libdlms-go/axdr"
	"github.com/cybroslabs/libdlms-go/cosem"
)

// Clock is COSEM class id 8: attribute 2 holds the current date-time as
// the 12-byte COSEM wire representation (year BE, month, day-of-month,
// day-of-week, hour, minute, second, hundredths, deviation BE, clock
// status). Exercises the A-XDR date-time variant the teacher's data.go
// already carries but which §6's core subset does not mandate.
type Clock struct {
	LN       cosem.LN
	DateTime [12]byte
	Access   []cosem.AttributeAccessDescriptor
	Methods  []cosem.MethodAccessDescriptor
	Hook     *Hooks
}

const ClockClassID = 8

func (c *Clock) ClassID() uint16       { return ClockClassID }
func (c *Clock) Version() uint8        { return 0 }
func (c *Clock) LogicalName() cosem.LN { return c.LN }

func (c *Clock) AttributeAccessRights() []cosem.AttributeAccessDescriptor {
	if c.Access != nil {
		return c.Access
	}
	return []cosem.AttributeAccessDescriptor{{AttributeID: 2, Mode: cosem.ReadWrite}}
}

func (c *Clock) MethodAccessRights() []cosem.MethodAccessDescriptor { return c.Methods }

func (c *Clock) GetAttribute(attributeID int8) (axdr.Data, bool) {
	if attributeID == 2 {
		return axdr.NewDateTime(c.DateTime), true
	}
	return axdr.Data{}, false
}

func (c *Clock) SetAttribute(attributeID int8, value axdr.Data) bool {
	if attributeID != 2 || value.Tag != axdr.TagDateTime || len(value.Bytes) != 12 {
		return false
	}
	copy(c.DateTime[:], value.Bytes)
	return true
}

func (c *Clock) InvokeMethod(int8, axdr.Data) (axdr.Data, bool) { return axdr.Data{}, false }

func (c *Clock) Hooks() *Hooks { return c.Hook }

func (c *Clock) Clone() Object {
	cp := *c
	cp.Access = append([]cosem.AttributeAccessDescriptor(nil), c.Access...)
	cp.Methods = append([]cosem.MethodAccessDescriptor(nil), c.Methods...)
	return &cp
}
