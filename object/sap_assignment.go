package object

import (
	"github.com/cybroslabs/libdlms-go/axdr"
	"github.com/cybroslabs/libdlms-go/cosem"
)

// SapAssignment is COSEM class id 21: attribute 2 is an array of
// (sap uint16, device-name octet-string) pairs mapping each client SAP the
// dispatcher recognizes to a human-readable name. Grounded on spec §3's
// "pre-registered client SAPs (0x0010/0x0020/0x0030)".
type SapAssignment struct {
	LN           cosem.LN
	Assignments  map[uint16]string
	Access       []cosem.AttributeAccessDescriptor
	Hook         *Hooks
}

const SapAssignmentClassID = 21

func (s *SapAssignment) ClassID() uint16       { return SapAssignmentClassID }
func (s *SapAssignment) Version() uint8        { return 0 }
func (s *SapAssignment) LogicalName() cosem.LN { return s.LN }

func (s *SapAssignment) AttributeAccessRights() []cosem.AttributeAccessDescriptor {
	if s.Access != nil {
		return s.Access
	}
	return []cosem.AttributeAccessDescriptor{{AttributeID: 2, Mode: cosem.ReadWrite}}
}

func (s *SapAssignment) MethodAccessRights() []cosem.MethodAccessDescriptor { return nil }

func (s *SapAssignment) GetAttribute(attributeID int8) (axdr.Data, bool) {
	if attributeID != 2 {
		return axdr.Data{}, false
	}
	saps := make([]uint16, 0, len(s.Assignments))
	for sap := range s.Assignments {
		saps = append(saps, sap)
	}
	// deterministic wire order
	for i := 1; i < len(saps); i++ {
		for j := i; j > 0 && saps[j-1] > saps[j]; j-- {
			saps[j-1], saps[j] = saps[j], saps[j-1]
		}
	}
	entries := make([]axdr.Data, 0, len(saps))
	for _, sap := range saps {
		entries = append(entries, axdr.NewStructure(
			axdr.NewLongUnsigned(sap),
			axdr.NewOctetString([]byte(s.Assignments[sap])),
		))
	}
	return axdr.NewArray(entries...), true
}

func (s *SapAssignment) SetAttribute(attributeID int8, value axdr.Data) bool {
	if attributeID != 2 || value.Tag != axdr.TagArray {
		return false
	}
	out := make(map[uint16]string, len(value.Elements))
	for _, el := range value.Elements {
		if el.Tag != axdr.TagStructure || len(el.Elements) != 2 {
			return false
		}
		sap := el.Elements[0].U16
		name := el.Elements[1].Bytes
		out[sap] = string(name)
	}
	s.Assignments = out
	return true
}

func (s *SapAssignment) InvokeMethod(int8, axdr.Data) (axdr.Data, bool) { return axdr.Data{}, false }

func (s *SapAssignment) Hooks() *Hooks { return s.Hook }

func (s *SapAssignment) Clone() Object {
	cp := *s
	cp.Assignments = make(map[uint16]string, len(s.Assignments))
	for k, v := range s.Assignments {
		cp.Assignments[k] = v
	}
	cp.Access = append([]cosem.AttributeAccessDescriptor(nil), s.Access...)
	return &cp
}
