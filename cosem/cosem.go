// Package cosem holds the identifiers and small value types shared between
// the A-XDR, xDLMS and object-model layers: logical names, attribute and
// method descriptors, the conformance bitmask and the object-list entry
// rendered through Association-LN attribute 2.
package cosem

import (
	"fmt"

	"github.com/rmg/iso4217"

	"github.com/cybroslabs/libdlms-go/axdr"
)

// LN is a 6-byte COSEM logical name, unique within a logical device.
type LN [6]byte

func (l LN) String() string {
	return fmt.Sprintf("%d.%d.%d.%d.%d.%d", l[0], l[1], l[2], l[3], l[4], l[5])
}

// AccessMode is the per-attribute or per-method access right granted to an
// association.
type AccessMode byte

const (
	NoAccess  AccessMode = 0
	Read      AccessMode = 1
	Write     AccessMode = 2
	ReadWrite AccessMode = 3

	MethodNoAccess AccessMode = 0
	MethodAccess   AccessMode = 1
)

// AttributeAccessDescriptor pairs an attribute id with its access mode and
// an optional selective-access parameter (opaque to the codec, interpreted
// by the owning object).
type AttributeAccessDescriptor struct {
	AttributeID       int8
	Mode              AccessMode
	SelectiveAccessID *int8
}

// MethodAccessDescriptor pairs a method id with its access mode.
type MethodAccessDescriptor struct {
	MethodID int8
	Mode     AccessMode
}

// AttributeDescriptor identifies one attribute of one object instance.
type AttributeDescriptor struct {
	ClassID     uint16
	InstanceID  LN
	AttributeID int8
}

// MethodDescriptor identifies one method of one object instance.
type MethodDescriptor struct {
	ClassID    uint16
	InstanceID LN
	MethodID   int8
}

// ObjectListEntry is one row of the object list rendered through
// Association-LN attribute 2.
type ObjectListEntry struct {
	ClassID           uint16
	Version           uint8
	LogicalName       LN
	AttributeAccess   []AttributeAccessDescriptor
	MethodAccess      []MethodAccessDescriptor
}

// Conformance is the 24-bit bitmask of optional xDLMS services a peer
// supports, transmitted as 3 big-endian bytes inside an ASN.1
// [APPLICATION 31] wrapper with an unused-bits byte of zero.
type Conformance uint32

const conformanceMask Conformance = 0x00FFFFFF

const (
	ConformanceGeneralProtection    Conformance = 1 << 23
	ConformanceGeneralBlockTransfer Conformance = 1 << 22
	ConformanceRead                 Conformance = 1 << 21
	ConformanceWrite                Conformance = 1 << 20
	ConformanceUnconfirmedWrite     Conformance = 1 << 19
	ConformanceAttribute0Set        Conformance = 1 << 16
	ConformancePriorityMgmt         Conformance = 1 << 15
	ConformanceAttribute0Get        Conformance = 1 << 14
	ConformanceBlockTransferGet     Conformance = 1 << 13
	ConformanceBlockTransferSet     Conformance = 1 << 12
	ConformanceBlockTransferAction  Conformance = 1 << 11
	ConformanceMultipleReferences   Conformance = 1 << 10
	ConformanceInformationReport    Conformance = 1 << 9
	ConformanceDataNotification     Conformance = 1 << 8
	ConformanceAccess               Conformance = 1 << 7
	ConformanceParametrizedAccess   Conformance = 1 << 6
	ConformanceGet                  Conformance = 1 << 5
	ConformanceSet                  Conformance = 1 << 4
	ConformanceSelectiveAccess      Conformance = 1 << 3
	ConformanceEventNotification    Conformance = 1 << 2
	ConformanceAction               Conformance = 1 << 1

	// DefaultConformance is the default every peer proposes/supports unless
	// configured otherwise: Write only (bit 0x00100000).
	DefaultConformance Conformance = ConformanceWrite
)

// Intersection returns the bits set in both c and other.
func (c Conformance) Intersection(other Conformance) Conformance {
	return (c & conformanceMask) & (other & conformanceMask)
}

// Contains reports whether c has every bit set in other.
func (c Conformance) Contains(other Conformance) bool {
	return c.Intersection(other) == other&conformanceMask
}

// IsEmpty reports whether no conformance bits are set.
func (c Conformance) IsEmpty() bool {
	return c&conformanceMask == 0
}

// Bytes renders the 3 big-endian conformance bytes (without the ASN.1
// wrapper or unused-bits byte; see acse/xdlms encoders for that framing).
func (c Conformance) Bytes() [3]byte {
	v := uint32(c & conformanceMask)
	return [3]byte{byte(v >> 16), byte(v >> 8), byte(v)}
}

// ConformanceFromBytes decodes the 3 big-endian conformance bytes.
func ConformanceFromBytes(b [3]byte) Conformance {
	return Conformance(uint32(b[0])<<16|uint32(b[1])<<8|uint32(b[2])) & conformanceMask
}

// DataAccessResult is the single-byte result code of a GET/SET exchange.
// Numeric codes follow the values this protocol's wire format fixes
// (distinct from the real-world DLMS standard's numbering).
type DataAccessResult byte

const (
	ResultSuccess                 DataAccessResult = 0
	ResultHardwareFault           DataAccessResult = 1
	ResultTemporaryFailure        DataAccessResult = 2
	ResultReadWriteDenied         DataAccessResult = 3
	ResultObjectUndefined         DataAccessResult = 4
	ResultObjectClassInconsistent DataAccessResult = 5
	ResultObjectUnavailable       DataAccessResult = 6
	ResultTypeUnmatched           DataAccessResult = 7
	ResultScopeOfAccessViolated   DataAccessResult = 8
	ResultDataBlockUnavailable    DataAccessResult = 9
	ResultLongGetAborted          DataAccessResult = 10
	ResultNoLongGetInProgress     DataAccessResult = 11
	ResultLongSetAborted          DataAccessResult = 12
	ResultNoLongSetInProgress     DataAccessResult = 13
	ResultDataBlockNumberInvalid  DataAccessResult = 14
)

// OtherReason renders an OtherReason(x) result for an arbitrary code.
func OtherReason(code byte) DataAccessResult { return DataAccessResult(code) }

func (r DataAccessResult) String() string {
	switch r {
	case ResultSuccess:
		return "success"
	case ResultHardwareFault:
		return "hardware-fault"
	case ResultTemporaryFailure:
		return "temporary-failure"
	case ResultReadWriteDenied:
		return "read-write-denied"
	case ResultObjectUndefined:
		return "object-undefined"
	case ResultObjectClassInconsistent:
		return "object-class-inconsistent"
	case ResultObjectUnavailable:
		return "object-unavailable"
	case ResultTypeUnmatched:
		return "type-unmatched"
	case ResultScopeOfAccessViolated:
		return "scope-of-access-violated"
	case ResultDataBlockUnavailable:
		return "data-block-unavailable"
	case ResultLongGetAborted:
		return "long-get-aborted"
	case ResultNoLongGetInProgress:
		return "no-long-get-in-progress"
	case ResultLongSetAborted:
		return "long-set-aborted"
	case ResultNoLongSetInProgress:
		return "no-long-set-in-progress"
	case ResultDataBlockNumberInvalid:
		return "data-block-number-invalid"
	default:
		return fmt.Sprintf("other-reason(%d)", byte(r))
	}
}

// ActionResult is the single-byte result code of an ACTION exchange; it
// shares its numeric codes with DataAccessResult per spec.
type ActionResult = DataAccessResult

// UnitCurrency is the COSEM unit code for "currency" in the teacher's
// physical-units table (dlmsal/utils.go's _units[10]).
const UnitCurrency uint8 = 10

// ValidCurrencyCode reports whether code is a recognized ISO 4217
// alphabetic currency code. Used to validate a Register whose scaler/unit
// designates UnitCurrency before the value it carries is treated as a
// monetary amount.
func ValidCurrencyCode(code string) bool {
	_, ok := iso4217.ByCode(code)
	return ok
}

// ToData renders one object-list entry the way Association-LN attribute 2
// puts it on the wire: a 4-field structure (class_id, version,
// logical_name, access_rights), where access_rights is itself a 3-array of
// (attribute-access list, a reserved placeholder, method-access list).
func (e ObjectListEntry) ToData() axdr.Data {
	attrs := make([]axdr.Data, 0, len(e.AttributeAccess))
	for _, a := range e.AttributeAccess {
		attrs = append(attrs, axdr.NewStructure(
			axdr.NewInteger(a.AttributeID),
			axdr.NewEnum(byte(a.Mode)),
			axdr.NewArray(),
		))
	}
	methods := make([]axdr.Data, 0, len(e.MethodAccess))
	for _, m := range e.MethodAccess {
		methods = append(methods, axdr.NewStructure(
			axdr.NewInteger(m.MethodID),
			axdr.NewEnum(byte(m.Mode)),
		))
	}
	accessRights := axdr.NewArray(
		axdr.NewArray(attrs...),
		axdr.NewNull(), // reserved placeholder
		axdr.NewArray(methods...),
	)
	return axdr.NewStructure(
		axdr.NewLongUnsigned(e.ClassID),
		axdr.NewUnsigned(e.Version),
		axdr.NewOctetString(e.LogicalName[:]),
		accessRights,
	)
}
