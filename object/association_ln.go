package object

import (
	"github.com/cybroslabs/libdlms-go/axdr"
	"github.com/cybroslabs/libdlms-go/cosem"
)

// AssociationLN is COSEM class id 15. Grounded on
// original_source/association_ln.rs (object_list, associated_partners_id,
// application_context_name, xdlms_context_info,
// authentication_mechanism_name fields; method 1 = reply-to-HLS-
// authentication, not wired here since HLS is out of scope) and spec §3/§4.6.
//
// Attribute 2 (object_list) is read-only and dynamic: it is never stored,
// only rendered on demand from ObjectListProvider, which the dispatcher
// points at its live registry guarded by its own mutex (spec §5's "single
// writer / multiple reader" shared-resource note).
type AssociationLN struct {
	LN                          cosem.LN
	AssociatedPartnersID        uint32
	ApplicationContextName      []byte
	XdlmsContextInfo            []byte
	AuthenticationMechanismName []byte
	ObjectListProvider          func() []cosem.ObjectListEntry
	Hook                        *Hooks
}

const AssociationLNClassID = 15

func (a *AssociationLN) ClassID() uint16       { return AssociationLNClassID }
func (a *AssociationLN) Version() uint8        { return 0 }
func (a *AssociationLN) LogicalName() cosem.LN { return a.LN }

func (a *AssociationLN) AttributeAccessRights() []cosem.AttributeAccessDescriptor {
	return []cosem.AttributeAccessDescriptor{
		{AttributeID: 2, Mode: cosem.Read},
		{AttributeID: 3, Mode: cosem.ReadWrite},
		{AttributeID: 4, Mode: cosem.ReadWrite},
		{AttributeID: 5, Mode: cosem.ReadWrite},
		{AttributeID: 6, Mode: cosem.ReadWrite},
	}
}

func (a *AssociationLN) MethodAccessRights() []cosem.MethodAccessDescriptor {
	return []cosem.MethodAccessDescriptor{{MethodID: 1, Mode: cosem.MethodAccess}} // reply_to_hls_authentication
}

func (a *AssociationLN) GetAttribute(attributeID int8) (axdr.Data, bool) {
	switch attributeID {
	case 2:
		entries := a.ObjectListProvider()
		elems := make([]axdr.Data, 0, len(entries))
		for _, e := range entries {
			elems = append(elems, e.ToData())
		}
		return axdr.NewArray(elems...), true
	case 3:
		return axdr.NewDoubleLongUnsigned(a.AssociatedPartnersID), true
	case 4:
		return axdr.NewOctetString(a.ApplicationContextName), true
	case 5:
		return axdr.NewOctetString(a.XdlmsContextInfo), true
	case 6:
		return axdr.NewOctetString(a.AuthenticationMechanismName), true
	default:
		return axdr.Data{}, false
	}
}

func (a *AssociationLN) SetAttribute(attributeID int8, value axdr.Data) bool {
	switch attributeID {
	case 3:
		if value.Tag != axdr.TagDoubleLongUns {
			return false
		}
		a.AssociatedPartnersID = value.U32
		return true
	case 4:
		if value.Tag != axdr.TagOctetString {
			return false
		}
		a.ApplicationContextName = append([]byte(nil), value.Bytes...)
		return true
	case 5:
		if value.Tag != axdr.TagOctetString {
			return false
		}
		a.XdlmsContextInfo = append([]byte(nil), value.Bytes...)
		return true
	case 6:
		if value.Tag != axdr.TagOctetString {
			return false
		}
		a.AuthenticationMechanismName = append([]byte(nil), value.Bytes...)
		return true
	default:
		return false // attribute 2 is read-only and dynamic
	}
}

// InvokeMethod does not implement method 1 (reply-to-HLS-authentication):
// HLS/GMAC authentication is explicitly out of scope (spec §1 non-goals).
func (a *AssociationLN) InvokeMethod(int8, axdr.Data) (axdr.Data, bool) { return axdr.Data{}, false }

func (a *AssociationLN) Hooks() *Hooks { return a.Hook }

// Clone returns a copy with its own byte slices; ObjectListProvider and
// Hook are shared with the original. The dispatcher does not use Clone for
// its per-client-SAP instances: it builds each one directly, stamped with
// that SAP's AssociatedPartnersID.
func (a *AssociationLN) Clone() Object {
	cp := *a
	cp.ApplicationContextName = append([]byte(nil), a.ApplicationContextName...)
	cp.XdlmsContextInfo = append([]byte(nil), a.XdlmsContextInfo...)
	cp.AuthenticationMechanismName = append([]byte(nil), a.AuthenticationMechanismName...)
	return &cp
}
