// Package object implements the COSEM interface-object contract and a set
// of concrete object classes.
//
// Grounded on original_source/cosem_object.rs (the CosemObject trait:
// class_id/get_attribute/set_attribute/invoke_method returning Option) and
// original_source/association_ln.rs, expressed in the teacher's Go idiom:
// explicit interfaces instead of trait objects, struct literals instead of
// derive macros, *zap.SugaredLogger-free (objects are pure data + hooks;
// the dispatcher owns logging).
package object

import "github.com/cybroslabs/libdlms-go/cosem"
import "github.com/cybroslabs/libdlms-go/axdr"

// Hooks are the optional, per-instance observer callbacks spec §4.6
// describes. A nil field means "no observer"; the dispatcher treats that
// as an unconditional pass-through.
type Hooks struct {
	// PreRead runs before a GET is served. A non-nil result short-circuits
	// the response with that DataAccessResult.
	PreRead func(attributeID int8) *cosem.DataAccessResult

	// PostRead may replace the value about to be returned, or short-circuit
	// with a DataAccessResult.
	PostRead func(attributeID int8, value axdr.Data) (axdr.Data, *cosem.DataAccessResult)

	// PreWrite may mutate the incoming value before SetAttribute commits it,
	// or short-circuit with a DataAccessResult.
	PreWrite func(attributeID int8, value axdr.Data) (axdr.Data, *cosem.DataAccessResult)

	// PostWrite runs after a successful SetAttribute; a non-nil result
	// short-circuits the (otherwise successful) response.
	PostWrite func(attributeID int8) *cosem.DataAccessResult

	// PreAction may mutate method parameters before InvokeMethod runs, or
	// short-circuit with an ActionResult.
	PreAction func(methodID int8, params axdr.Data) (axdr.Data, *cosem.ActionResult)

	// PostAction may replace the method's return value, or short-circuit
	// with an ActionResult.
	PostAction func(methodID int8, result axdr.Data) (axdr.Data, *cosem.ActionResult)
}

// Object is the interface every COSEM class implements. get_attribute/
// set_attribute/invoke_method return ok=false on unknown id or, for
// SetAttribute, on type mismatch — mirroring the Option<T>/Option<()>
// contract in cosem_object.rs.
type Object interface {
	ClassID() uint16
	Version() uint8
	LogicalName() cosem.LN

	AttributeAccessRights() []cosem.AttributeAccessDescriptor
	MethodAccessRights() []cosem.MethodAccessDescriptor

	GetAttribute(attributeID int8) (axdr.Data, bool)
	SetAttribute(attributeID int8, value axdr.Data) bool
	InvokeMethod(methodID int8, params axdr.Data) (axdr.Data, bool)

	Hooks() *Hooks

	// Clone returns a value copy suitable for per-client-SAP instantiation
	// (spec §3's Association-LN-per-SAP requirement generalizes to any
	// object a dispatcher might want to stamp per association).
	Clone() Object
}

// AccessMode looks up the access mode registered for an attribute id,
// defaulting to NoAccess for attributes missing from the table (spec §4.6:
// "Missing attributes are implicitly NoAccess").
func AccessMode(rights []cosem.AttributeAccessDescriptor, attributeID int8) cosem.AccessMode {
	for _, r := range rights {
		if r.AttributeID == attributeID {
			return r.Mode
		}
	}
	return cosem.NoAccess
}

// MethodMode looks up the access mode registered for a method id,
// defaulting to NoAccess.
func MethodMode(rights []cosem.MethodAccessDescriptor, methodID int8) cosem.AccessMode {
	for _, r := range rights {
		if r.MethodID == methodID {
			return r.Mode
		}
	}
	return cosem.NoAccess
}
