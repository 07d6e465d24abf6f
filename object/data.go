package object

import (
	"github.com/cybroslabs/libdlms-go/axdr"
	"github.com/cybroslabs/libdlms-go/cosem"
)

// Data is COSEM class id 1: a single free-form attribute holding any
// CosemData value. Grounded on spec §4.6's minimal-set floor.
type Data struct {
	LN      cosem.LN
	Value   axdr.Data
	Access  []cosem.AttributeAccessDescriptor
	Methods []cosem.MethodAccessDescriptor
	Hook    *Hooks
}

const dataClassID = 1

func (d *Data) ClassID() uint16      { return dataClassID }
func (d *Data) Version() uint8       { return 0 }
func (d *Data) LogicalName() cosem.LN { return d.LN }

func (d *Data) AttributeAccessRights() []cosem.AttributeAccessDescriptor {
	if d.Access != nil {
		return d.Access
	}
	return []cosem.AttributeAccessDescriptor{{AttributeID: 2, Mode: cosem.ReadWrite}}
}

func (d *Data) MethodAccessRights() []cosem.MethodAccessDescriptor { return d.Methods }

func (d *Data) GetAttribute(attributeID int8) (axdr.Data, bool) {
	if attributeID == 2 {
		return d.Value, true
	}
	return axdr.Data{}, false
}

func (d *Data) SetAttribute(attributeID int8, value axdr.Data) bool {
	if attributeID != 2 {
		return false
	}
	d.Value = value
	return true
}

func (d *Data) InvokeMethod(int8, axdr.Data) (axdr.Data, bool) { return axdr.Data{}, false }

func (d *Data) Hooks() *Hooks { return d.Hook }

func (d *Data) Clone() Object {
	cp := *d
	cp.Access = append([]cosem.AttributeAccessDescriptor(nil), d.Access...)
	cp.Methods = append([]cosem.MethodAccessDescriptor(nil), d.Methods...)
	return &cp
}
