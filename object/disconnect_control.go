package object

import (
	"github.com/cybroslabs/libdlms-go/axdr"
	"github.com/cybroslabs/libdlms-go/cosem"
)

// DisconnectControl is COSEM class id 70: attribute 2 is the output state
// (true = connected), method 1 disconnects and method 2 reconnects.
// Grounded on spec §3's supplemental class list.
type DisconnectControl struct {
	LN        cosem.LN
	Connected bool
	Access    []cosem.AttributeAccessDescriptor
	Methods   []cosem.MethodAccessDescriptor
	Hook      *Hooks
}

const DisconnectControlClassID = 70

func (d *DisconnectControl) ClassID() uint16       { return DisconnectControlClassID }
func (d *DisconnectControl) Version() uint8        { return 0 }
func (d *DisconnectControl) LogicalName() cosem.LN { return d.LN }

func (d *DisconnectControl) AttributeAccessRights() []cosem.AttributeAccessDescriptor {
	if d.Access != nil {
		return d.Access
	}
	return []cosem.AttributeAccessDescriptor{{AttributeID: 2, Mode: cosem.Read}}
}

func (d *DisconnectControl) MethodAccessRights() []cosem.MethodAccessDescriptor {
	if d.Methods != nil {
		return d.Methods
	}
	return []cosem.MethodAccessDescriptor{
		{MethodID: 1, Mode: cosem.MethodAccess}, // remote_disconnect
		{MethodID: 2, Mode: cosem.MethodAccess}, // remote_reconnect
	}
}

func (d *DisconnectControl) GetAttribute(attributeID int8) (axdr.Data, bool) {
	if attributeID != 2 {
		return axdr.Data{}, false
	}
	return axdr.NewBoolean(d.Connected), true
}

func (d *DisconnectControl) SetAttribute(int8, axdr.Data) bool { return false }

func (d *DisconnectControl) InvokeMethod(methodID int8, _ axdr.Data) (axdr.Data, bool) {
	switch methodID {
	case 1:
		d.Connected = false
		return axdr.NewNull(), true
	case 2:
		d.Connected = true
		return axdr.NewNull(), true
	default:
		return axdr.Data{}, false
	}
}

func (d *DisconnectControl) Hooks() *Hooks { return d.Hook }

func (d *DisconnectControl) Clone() Object {
	cp := *d
	cp.Access = append([]cosem.AttributeAccessDescriptor(nil), d.Access...)
	cp.Methods = append([]cosem.MethodAccessDescriptor(nil), d.Methods...)
	return &cp
}
