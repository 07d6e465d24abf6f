// Package dispatcher implements the server-side request-handling pipeline:
// de-framing, PDU family recognition, association negotiation, and
// per-attribute/per-method access control against a registry of COSEM
// objects. Grounded on original_source/server.rs's dispatch loop, adapted
// to the teacher's error-sentinel and *zap.SugaredLogger idiom
// (dlmsal/dlmsal.go).
package dispatcher

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/cybroslabs/libdlms-go/acse"
	"github.com/cybroslabs/libdlms-go/axdr"
	"github.com/cybroslabs/libdlms-go/base"
	"github.com/cybroslabs/libdlms-go/cosem"
	"github.com/cybroslabs/libdlms-go/framer"
	"github.com/cybroslabs/libdlms-go/object"
	"github.com/cybroslabs/libdlms-go/session"
	"github.com/cybroslabs/libdlms-go/xdlms"
)

// ErrXdlms is returned when the information field cannot be parsed as any
// known PDU family (spec §4.7 step 2).
var ErrXdlms = errors.New("dispatcher: unrecognized pdu")

// ErrPduCapacity is returned when an encoded response exceeds the
// negotiated (or default) max receive pdu size for the peer (spec §4.7
// step 7); it is fatal for the offending request.
var ErrPduCapacity = errors.New("dispatcher: response exceeds negotiated pdu capacity")

const (
	SapPublic       uint16 = 0x0010
	SapMeterReader  uint16 = 0x0020
	SapConfigurator uint16 = 0x0030
)

var preRegisteredAssociations = map[uint16]cosem.LN{
	SapPublic:       {0x00, 0x00, 0x28, 0x00, 0x01, 0xFF},
	SapMeterReader:  {0x00, 0x00, 0x28, 0x00, 0x02, 0xFF},
	SapConfigurator: {0x00, 0x00, 0x28, 0x00, 0x03, 0xFF},
}

// Dispatcher owns the server's object registry and per-connection request
// pipeline for one server SAP. One Dispatcher serves one transport
// connection at a time, matching spec §5's single-threaded-per-connection
// model; nothing here is safe for concurrent use from multiple goroutines.
type Dispatcher struct {
	serverAddress uint16
	params        session.AssociationParameters
	engine        *session.Engine

	// objectsMu guards objects: the dispatcher writes it on RegisterObject
	// and any AssociationLN instance reads it (via objectList, invoked
	// through ObjectListProvider) on an attribute-2 GET. Spec §5: "a single
	// writer (dispatcher, on registration) / multiple reader... structure;
	// use a mutual-exclusion primitive scoped to the list."
	objectsMu sync.RWMutex
	objects   map[cosem.LN]object.Object
	assocLN   map[uint16]*object.AssociationLN // per-sap instantiated Association-LN

	log *zap.SugaredLogger
}

// NewDispatcher builds a dispatcher for the given server SAP. A per-SAP
// Association-LN instance is built (and stamped with
// associated_partners_id) on first successful Initiate for that SAP,
// per spec §4.7.
func NewDispatcher(serverAddress uint16, params session.AssociationParameters, password []byte) *Dispatcher {
	d := &Dispatcher{
		serverAddress: serverAddress,
		params:        params,
		engine:        session.NewEngine(params, password),
		objects:       make(map[cosem.LN]object.Object),
		assocLN:       make(map[uint16]*object.AssociationLN),
	}
	return d
}

// SetLogger installs a logger for the dispatcher and its session engine.
func (d *Dispatcher) SetLogger(l *zap.SugaredLogger) {
	d.log = l
	d.engine.SetLogger(l)
}

// RegisterObject adds (or replaces) an object in the registry, keyed by
// its logical name. Safe to call between requests on the same connection;
// not safe concurrently with a Handle call (spec §5's object-list mutual
// exclusion maps to the caller serializing registration with dispatch).
func (d *Dispatcher) RegisterObject(obj object.Object) {
	d.objectsMu.Lock()
	defer d.objectsMu.Unlock()
	d.objects[obj.LogicalName()] = obj
}

// RegisterObjects registers a batch of objects, collecting one error per
// rejected logical name (a duplicate, or one that collides with a
// pre-registered Association-LN name) rather than aborting at the first
// bad entry, so a configuration pass can report everything wrong at once.
func (d *Dispatcher) RegisterObjects(objs []object.Object) error {
	d.objectsMu.Lock()
	defer d.objectsMu.Unlock()
	var err error
next:
	for _, obj := range objs {
		ln := obj.LogicalName()
		if _, exists := d.objects[ln]; exists {
			err = multierr.Append(err, fmt.Errorf("dispatcher: duplicate logical name %s", ln))
			continue
		}
		for _, reserved := range preRegisteredAssociations {
			if reserved == ln {
				err = multierr.Append(err, fmt.Errorf("dispatcher: logical name %s is reserved for association-ln", ln))
				continue next
			}
		}
		d.objects[ln] = obj
	}
	return err
}

// objectList renders the live registered object set; its critical section
// is bounded by the live object count (spec §5) and no reference into the
// registry escapes it — each entry is copied into a fresh ObjectListEntry.
func (d *Dispatcher) objectList() []cosem.ObjectListEntry {
	d.objectsMu.RLock()
	defer d.objectsMu.RUnlock()
	entries := make([]cosem.ObjectListEntry, 0, len(d.objects))
	for _, obj := range d.objects {
		entries = append(entries, cosem.ObjectListEntry{
			ClassID:         obj.ClassID(),
			Version:         obj.Version(),
			LogicalName:     obj.LogicalName(),
			AttributeAccess: obj.AttributeAccessRights(),
			MethodAccess:    obj.MethodAccessRights(),
		})
	}
	return entries
}

// Resolve looks up the object a client SAP should see for logicalName: its
// own per-SAP Association-LN instance if the name matches, otherwise the
// shared registry, per spec §4.7's Resolve(client_sap, logical_name).
func (d *Dispatcher) Resolve(clientSAP uint16, logicalName cosem.LN) (object.Object, bool) {
	if assoc, ok := d.assocLN[clientSAP]; ok && assoc.LogicalName() == logicalName {
		return assoc, true
	}
	d.objectsMu.RLock()
	defer d.objectsMu.RUnlock()
	if obj, ok := d.objects[logicalName]; ok {
		return obj, true
	}
	return nil, false
}

func (d *Dispatcher) ensureAssociationLN(clientSAP uint16) *object.AssociationLN {
	if assoc, ok := d.assocLN[clientSAP]; ok {
		return assoc
	}
	ln, ok := preRegisteredAssociations[clientSAP]
	if !ok {
		ln = preRegisteredAssociations[SapPublic]
	}
	assoc := &object.AssociationLN{
		LN:                   ln,
		AssociatedPartnersID: uint32(clientSAP)<<16 | uint32(d.serverAddress),
		ObjectListProvider:   d.objectList,
	}
	d.assocLN[clientSAP] = assoc
	return assoc
}

func (d *Dispatcher) clientMaxPdu(clientSAP uint16) uint16 {
	if ctx, ok := d.engine.Context(clientSAP); ok {
		return ctx.ClientMaxReceivePduSize
	}
	return d.params.MaxReceivePduSize
}

// HandleFrame runs the full request-handling pipeline (spec §4.7) over one
// raw HDLC frame (both 0x7E flags included), de-framing it first, and
// returns the HDLC frame to send back.
func (d *Dispatcher) HandleFrame(raw []byte) ([]byte, error) {
	in, err := framer.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: de-framing: %w", err)
	}
	if len(in.Information) > int(d.params.MaxReceivePduSize) {
		return nil, fmt.Errorf("%w: request exceeds server max_receive_pdu_size", ErrPduCapacity)
	}

	clientSAP := in.Address
	info, err := d.handlePdu(clientSAP, in.Information)
	if err != nil {
		return nil, err
	}

	if len(info) > int(d.clientMaxPdu(clientSAP)) {
		return nil, fmt.Errorf("%w", ErrPduCapacity)
	}
	return framer.Encode(framer.Frame{Address: d.serverAddress, Control: in.Control, Information: info}), nil
}

// handlePdu implements spec §4.7 steps 2-6: family recognition, AARQ/RLRQ
// handling, and GET/SET/ACTION dispatch with access control and hooks.
func (d *Dispatcher) handlePdu(clientSAP uint16, info []byte) ([]byte, error) {
	if len(info) == 0 {
		return nil, fmt.Errorf("%w: empty information field", ErrXdlms)
	}

	switch info[0] {
	case acse.TagAARQ:
		return d.handleAARQ(clientSAP, info)
	case acse.TagRLRQ:
		return d.handleRLRQ(clientSAP, info)
	case xdlms.TagGetRequestNormal:
		return d.handleGet(clientSAP, info)
	case xdlms.TagGetOrSetRequestNext:
		return d.handleSet(clientSAP, info)
	case xdlms.TagActionRequestNormal:
		return d.handleAction(clientSAP, info)
	default:
		return nil, fmt.Errorf("%w: tag %#02x", ErrXdlms, info[0])
	}
}

func (d *Dispatcher) handleAARQ(clientSAP uint16, info []byte) ([]byte, error) {
	req, err := acse.DecodeAARQ(info)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrXdlms, err)
	}

	if len(req.MechanismName) > 0 && req.CallingAuthenticationValue == nil {
		challenge, err := d.engine.IssueChallenge(clientSAP)
		if err != nil {
			return nil, err
		}
		aare := acse.AARE{
			ApplicationContextName:        req.ApplicationContextName,
			Result:                        1,
			ResultSourceDiagnostic:        byte(session.DiagnosticNone),
			RespondingAuthenticationValue: challenge,
		}
		out, err := aare.Encode()
		if err != nil {
			return nil, err
		}
		return out, nil
	}

	if len(req.MechanismName) > 0 && req.CallingAuthenticationValue != nil {
		if err := d.engine.VerifyChallenge(clientSAP, req.CallingAuthenticationValue); err != nil {
			aare := acse.AARE{ApplicationContextName: req.ApplicationContextName, Result: 1}
			out, encErr := aare.Encode()
			if encErr != nil {
				return nil, encErr
			}
			return out, nil
		}
	}

	initReq, err := xdlms.DecodeInitiateRequest(req.UserInformation)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrXdlms, err)
	}

	responseAllowed := true
	if initReq.ResponseAllowed != nil {
		responseAllowed = *initReq.ResponseAllowed != 0
	}
	result := d.engine.Negotiate(responseAllowed, initReq.ProposedDlmsVersion, initReq.ClientMaxReceivePduSize, initReq.ProposedConformance, initReq.ProposedQualityOfService)

	if !result.Accepted {
		d.engine.PurgeContext(clientSAP)
		initResp := xdlms.InitiateResponse{
			NegotiatedDlmsVersion:   d.params.DlmsVersion,
			NegotiatedConformance:   d.params.Conformance,
			ServerMaxReceivePduSize: d.params.MaxReceivePduSize,
			VAAName:                0x0007,
		}
		userInfo, err := initResp.Encode()
		if err != nil {
			return nil, err
		}
		aare := acse.AARE{
			ApplicationContextName: req.ApplicationContextName,
			Result:                 1,
			ResultSourceDiagnostic: byte(result.Diagnostic),
			UserInformation:        userInfo,
		}
		return aare.Encode()
	}

	d.engine.Establish(clientSAP, initReq.ClientMaxReceivePduSize, result.NegotiatedConformance)
	d.ensureAssociationLN(clientSAP)

	initResp := xdlms.InitiateResponse{
		NegotiatedQualityOfService: result.NegotiatedQoS,
		NegotiatedDlmsVersion:      d.params.DlmsVersion,
		NegotiatedConformance:      result.NegotiatedConformance,
		ServerMaxReceivePduSize:    d.params.MaxReceivePduSize,
		VAAName:                    0x0007,
	}
	userInfo, err := initResp.Encode()
	if err != nil {
		return nil, err
	}
	aare := acse.AARE{
		ApplicationContextName: req.ApplicationContextName,
		Result:                 0,
		UserInformation:        userInfo,
	}
	return aare.Encode()
}

func (d *Dispatcher) handleRLRQ(clientSAP uint16, info []byte) ([]byte, error) {
	rlrq, err := acse.DecodeRLRQ(info)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrXdlms, err)
	}
	d.engine.Release(clientSAP)
	delete(d.assocLN, clientSAP)

	var reason byte
	if rlrq.Reason != nil {
		reason = *rlrq.Reason
	}
	rlre := acse.RLRE{Reason: &reason, UserInformation: rlrq.UserInformation}
	return rlre.Encode()
}

func (d *Dispatcher) handleGet(clientSAP uint16, info []byte) ([]byte, error) {
	req, err := xdlms.DecodeGetRequestNormal(info)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrXdlms, err)
	}
	if _, ok := d.engine.Context(clientSAP); !ok {
		resp := xdlms.NewGetResponseFailure(req.InvokeIDPriority, cosem.ResultReadWriteDenied)
		return resp.Encode()
	}

	obj, ok := d.Resolve(clientSAP, req.InstanceID)
	if !ok {
		resp := xdlms.NewGetResponseFailure(req.InvokeIDPriority, cosem.ResultObjectUndefined)
		return resp.Encode()
	}
	mode := object.AccessMode(obj.AttributeAccessRights(), req.AttributeID)
	if mode != cosem.Read && mode != cosem.ReadWrite {
		resp := xdlms.NewGetResponseFailure(req.InvokeIDPriority, cosem.ResultReadWriteDenied)
		return resp.Encode()
	}

	hooks := obj.Hooks()
	if hooks != nil && hooks.PreRead != nil {
		if result := hooks.PreRead(req.AttributeID); result != nil {
			resp := xdlms.NewGetResponseFailure(req.InvokeIDPriority, *result)
			return resp.Encode()
		}
	}

	value, ok := obj.GetAttribute(req.AttributeID)
	if !ok {
		resp := xdlms.NewGetResponseFailure(req.InvokeIDPriority, cosem.ResultObjectUnavailable)
		return resp.Encode()
	}

	if hooks != nil && hooks.PostRead != nil {
		var result *cosem.DataAccessResult
		value, result = hooks.PostRead(req.AttributeID, value)
		if result != nil {
			resp := xdlms.NewGetResponseFailure(req.InvokeIDPriority, *result)
			return resp.Encode()
		}
	}

	resp := xdlms.NewGetResponseSuccess(req.InvokeIDPriority, value)
	return resp.Encode()
}

func (d *Dispatcher) handleSet(clientSAP uint16, info []byte) ([]byte, error) {
	req, err := xdlms.DecodeSetRequestNormal(info)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrXdlms, err)
	}
	if _, ok := d.engine.Context(clientSAP); !ok {
		return xdlms.SetResponseNormal{InvokeIDPriority: req.InvokeIDPriority, Result: cosem.ResultReadWriteDenied}.Encode(), nil
	}

	obj, ok := d.Resolve(clientSAP, req.InstanceID)
	if !ok {
		return xdlms.SetResponseNormal{InvokeIDPriority: req.InvokeIDPriority, Result: cosem.ResultObjectUndefined}.Encode(), nil
	}
	mode := object.AccessMode(obj.AttributeAccessRights(), req.AttributeID)
	if mode != cosem.Write && mode != cosem.ReadWrite {
		return xdlms.SetResponseNormal{InvokeIDPriority: req.InvokeIDPriority, Result: cosem.ResultReadWriteDenied}.Encode(), nil
	}

	value := req.Value
	hooks := obj.Hooks()
	if hooks != nil && hooks.PreWrite != nil {
		var result *cosem.DataAccessResult
		value, result = hooks.PreWrite(req.AttributeID, value)
		if result != nil {
			return xdlms.SetResponseNormal{InvokeIDPriority: req.InvokeIDPriority, Result: *result}.Encode(), nil
		}
	}

	if !obj.SetAttribute(req.AttributeID, value) {
		return xdlms.SetResponseNormal{InvokeIDPriority: req.InvokeIDPriority, Result: cosem.ResultObjectUnavailable}.Encode(), nil
	}

	result := cosem.ResultSuccess
	if hooks != nil && hooks.PostWrite != nil {
		if r := hooks.PostWrite(req.AttributeID); r != nil {
			result = *r
		}
	}
	return xdlms.SetResponseNormal{InvokeIDPriority: req.InvokeIDPriority, Result: result}.Encode(), nil
}

func (d *Dispatcher) handleAction(clientSAP uint16, info []byte) ([]byte, error) {
	req, err := xdlms.DecodeActionRequestNormal(info)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrXdlms, err)
	}
	if _, ok := d.engine.Context(clientSAP); !ok {
		resp := xdlms.ActionResponseNormal{InvokeIDPriority: req.InvokeIDPriority, Result: cosem.ResultReadWriteDenied}
		return resp.Encode()
	}

	obj, ok := d.Resolve(clientSAP, req.InstanceID)
	if !ok {
		resp := xdlms.ActionResponseNormal{InvokeIDPriority: req.InvokeIDPriority, Result: cosem.ResultObjectUndefined}
		return resp.Encode()
	}
	mode := object.MethodMode(obj.MethodAccessRights(), req.MethodID)
	if mode != cosem.MethodAccess {
		resp := xdlms.ActionResponseNormal{InvokeIDPriority: req.InvokeIDPriority, Result: cosem.ResultReadWriteDenied}
		return resp.Encode()
	}

	hooks := obj.Hooks()
	paramValue := axdr.NewNull()
	if req.Params != nil {
		paramValue = *req.Params
	}
	if hooks != nil && hooks.PreAction != nil {
		var result *cosem.ActionResult
		paramValue, result = hooks.PreAction(req.MethodID, paramValue)
		if result != nil {
			resp := xdlms.ActionResponseNormal{InvokeIDPriority: req.InvokeIDPriority, Result: *result}
			return resp.Encode()
		}
	}

	retValue, ok := obj.InvokeMethod(req.MethodID, paramValue)
	if !ok {
		resp := xdlms.ActionResponseNormal{InvokeIDPriority: req.InvokeIDPriority, Result: cosem.ResultObjectUnavailable}
		return resp.Encode()
	}

	if hooks != nil && hooks.PostAction != nil {
		var result *cosem.ActionResult
		retValue, result = hooks.PostAction(req.MethodID, retValue)
		if result != nil {
			resp := xdlms.ActionResponseNormal{InvokeIDPriority: req.InvokeIDPriority, Result: *result}
			return resp.Encode()
		}
	}

	resp := xdlms.ActionResponseNormal{InvokeIDPriority: req.InvokeIDPriority, Result: cosem.ResultSuccess, ReturnValue: &retValue}
	return resp.Encode()
}

// Run implements spec §5's "run() is an infinite loop of receive→handle→send"
// over one base.Stream connection: it reads one flag-delimited HDLC frame at
// a time (framer.ReadFrame), runs it through HandleFrame, and writes the
// response back. A transport I/O error (from Open, ReadFrame or Write)
// aborts the loop and is returned, per spec §7's "transport... errors bubble
// up and abort the loop". A framing/codec/access error from HandleFrame is
// logged and the connection stays open to receive the next frame, matching
// "access-rights and object-level failures are never exceptions" and the
// framing/codec case of "the caller surfaces" it without tearing down the
// link (the caller here being this loop's log line rather than a fatal
// return, since nothing else is reading HandleFrame's errors out-of-band).
func (d *Dispatcher) Run(stream base.Stream) error {
	if err := stream.Open(); err != nil {
		return fmt.Errorf("dispatcher: opening transport: %w", err)
	}
	defer stream.Disconnect()

	stream.SetMaxReceivedBytes(int64(d.params.MaxReceivePduSize) * 4)

	for {
		raw, err := framer.ReadFrame(stream)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("dispatcher: receiving frame: %w", err)
		}

		resp, err := d.HandleFrame(raw)
		if err != nil {
			if d.log != nil {
				d.log.Errorf("dispatcher: dropping malformed exchange: %v\n%s", err, base.LogHex("frame", raw))
			}
			continue
		}

		if err := stream.Write(resp); err != nil {
			return fmt.Errorf("dispatcher: sending response: %w", err)
		}
	}
}

