// Package xdlms implements the xDLMS PDU family: Initiate, Get, Set and
// Action requests/responses, including conformance negotiation.
//
// Grounded in the teacher's dlmsal/aarq.go (createxdlms/decodeInitiateResponse,
// the 5F1F0400 fixed-sequence + conformance-as-uint32 encoding trick) and
// dlmsal/dlmslnget.go, dlmslnset.go, dlmslnaction.go for the per-PDU wire
// shapes, generalized into standalone bidirectional encode/decode functions
// usable from both a client and the server (dispatcher).
//
// Tag 193 is shared on the wire between GetRequest-Next and SetRequest-Normal,
// and 197/198 recur across GET/SET/ACTION responses (see spec's design note,
// preserved rather than resolved). GetRequest-Next is out of scope here (no
// multi-segment reassembly beyond a single datablock), so the request
// decoder below treats 193 as SetRequest-Normal; response decoders are
// always called by family-aware callers (the client knows which request it
// sent, the dispatcher knows which request it is answering) and never need
// to guess from the tag alone.
package xdlms

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/cybroslabs/libdlms-go/axdr"
	"github.com/cybroslabs/libdlms-go/cosem"
)

const (
	TagInitiateRequest  byte = 0x01
	TagInitiateResponse byte = 0x08

	TagGetRequestNormal     byte = 192
	TagGetOrSetRequestNext  byte = 193 // GetRequest-Next / SetRequest-Normal
	TagGetRequestWithList   byte = 194
	TagActionRequestNormal  byte = 195
	TagGetResponseNormal    byte = 196
	TagGetOrSetResponse     byte = 197 // GetResponse-WithDatablock / SetResponse-Normal
	TagGetOrActionResponse  byte = 198 // GetResponse-WithList / ActionResponse-Normal
)

var fixedSequence = [4]byte{0x5F, 0x1F, 0x04, 0x00}

var ErrDecode = fmt.Errorf("xdlms: decode error")

func writeOptionalFlagByte(buf *bytes.Buffer, v *byte) {
	if v == nil {
		buf.WriteByte(0x00)
		return
	}
	buf.WriteByte(0x01)
	buf.WriteByte(*v)
}

func readOptionalFlagByte(r *bytes.Reader) (*byte, error) {
	flag, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if flag == 0x00 {
		return nil, nil
	}
	v, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// InitiateRequest is the client's proposed association parameters, carried
// inside AARQ user-information.
type InitiateRequest struct {
	DedicatedKey            []byte // nil if absent
	ResponseAllowed         *byte  // nil = default true; else explicit 0/1
	ProposedQualityOfService *byte
	ProposedDlmsVersion     byte
	ProposedConformance     cosem.Conformance
	ClientMaxReceivePduSize uint16
}

func (r InitiateRequest) Encode() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(TagInitiateRequest)
	if r.DedicatedKey == nil {
		buf.WriteByte(0x00)
	} else {
		buf.WriteByte(0x01)
		var lb bytes.Buffer
		if len(r.DedicatedKey) < 0x80 {
			lb.WriteByte(byte(len(r.DedicatedKey)))
		} else {
			lb.WriteByte(0x81)
			lb.WriteByte(byte(len(r.DedicatedKey)))
		}
		buf.Write(lb.Bytes())
		buf.Write(r.DedicatedKey)
	}
	writeOptionalFlagByte(&buf, r.ResponseAllowed)
	writeOptionalFlagByte(&buf, r.ProposedQualityOfService)
	buf.WriteByte(r.ProposedDlmsVersion)
	buf.Write(fixedSequence[:])
	cb := r.ProposedConformance.Bytes()
	buf.Write(cb[:])
	binary.Write(&buf, binary.BigEndian, r.ClientMaxReceivePduSize)
	return buf.Bytes(), nil
}

func DecodeInitiateRequest(data []byte) (InitiateRequest, error) {
	if len(data) < 1 || data[0] != TagInitiateRequest {
		return InitiateRequest{}, fmt.Errorf("%w: not an InitiateRequest", ErrDecode)
	}
	r := bytes.NewReader(data[1:])
	var out InitiateRequest

	dkFlag, err := r.ReadByte()
	if err != nil {
		return InitiateRequest{}, fmt.Errorf("%w: dedicated-key flag: %v", ErrDecode, err)
	}
	if dkFlag != 0x00 {
		lb, err := r.ReadByte()
		if err != nil {
			return InitiateRequest{}, fmt.Errorf("%w: dedicated-key length: %v", ErrDecode, err)
		}
		var n int
		if lb < 0x80 {
			n = int(lb)
		} else if lb == 0x81 {
			b2, err := r.ReadByte()
			if err != nil {
				return InitiateRequest{}, fmt.Errorf("%w: dedicated-key long length: %v", ErrDecode, err)
			}
			n = int(b2)
		} else {
			return InitiateRequest{}, fmt.Errorf("%w: unsupported dedicated-key length form", ErrDecode)
		}
		key := make([]byte, n)
		if _, err := r.Read(key); err != nil {
			return InitiateRequest{}, fmt.Errorf("%w: dedicated-key bytes: %v", ErrDecode, err)
		}
		out.DedicatedKey = key
	}

	if out.ResponseAllowed, err = readOptionalFlagByte(r); err != nil {
		return InitiateRequest{}, fmt.Errorf("%w: response-allowed: %v", ErrDecode, err)
	}
	if out.ProposedQualityOfService, err = readOptionalFlagByte(r); err != nil {
		return InitiateRequest{}, fmt.Errorf("%w: qos: %v", ErrDecode, err)
	}
	if out.ProposedDlmsVersion, err = r.ReadByte(); err != nil {
		return InitiateRequest{}, fmt.Errorf("%w: dlms version: %v", ErrDecode, err)
	}
	var fixed [4]byte
	if _, err := r.Read(fixed[:]); err != nil || fixed != fixedSequence {
		return InitiateRequest{}, fmt.Errorf("%w: invalid fixed sequence", ErrDecode)
	}
	var cb [3]byte
	if _, err := r.Read(cb[:]); err != nil {
		return InitiateRequest{}, fmt.Errorf("%w: conformance: %v", ErrDecode, err)
	}
	out.ProposedConformance = cosem.ConformanceFromBytes(cb)
	if err := binary.Read(r, binary.BigEndian, &out.ClientMaxReceivePduSize); err != nil {
		return InitiateRequest{}, fmt.Errorf("%w: client max pdu size: %v", ErrDecode, err)
	}
	return out, nil
}

// InitiateResponse is the server's negotiated association parameters,
// carried inside AARE user-information.
type InitiateResponse struct {
	NegotiatedQualityOfService *byte
	NegotiatedDlmsVersion      byte
	NegotiatedConformance      cosem.Conformance
	ServerMaxReceivePduSize    uint16
	VAAName                    uint16
}

func (r InitiateResponse) Encode() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(TagInitiateResponse)
	writeOptionalFlagByte(&buf, r.NegotiatedQualityOfService)
	buf.WriteByte(r.NegotiatedDlmsVersion)
	buf.Write(fixedSequence[:])
	cb := r.NegotiatedConformance.Bytes()
	buf.Write(cb[:])
	binary.Write(&buf, binary.BigEndian, r.ServerMaxReceivePduSize)
	binary.Write(&buf, binary.BigEndian, r.VAAName)
	return buf.Bytes(), nil
}

func DecodeInitiateResponse(data []byte) (InitiateResponse, error) {
	if len(data) < 1 || data[0] != TagInitiateResponse {
		return InitiateResponse{}, fmt.Errorf("%w: not an InitiateResponse", ErrDecode)
	}
	r := bytes.NewReader(data[1:])
	var out InitiateResponse
	var err error
	if out.NegotiatedQualityOfService, err = readOptionalFlagByte(r); err != nil {
		return InitiateResponse{}, fmt.Errorf("%w: qos: %v", ErrDecode, err)
	}
	if out.NegotiatedDlmsVersion, err = r.ReadByte(); err != nil {
		return InitiateResponse{}, fmt.Errorf("%w: dlms version: %v", ErrDecode, err)
	}
	var fixed [4]byte
	if _, err := r.Read(fixed[:]); err != nil || fixed != fixedSequence {
		return InitiateResponse{}, fmt.Errorf("%w: invalid fixed sequence", ErrDecode)
	}
	var cb [3]byte
	if _, err := r.Read(cb[:]); err != nil {
		return InitiateResponse{}, fmt.Errorf("%w: conformance: %v", ErrDecode, err)
	}
	out.NegotiatedConformance = cosem.ConformanceFromBytes(cb)
	if err := binary.Read(r, binary.BigEndian, &out.ServerMaxReceivePduSize); err != nil {
		return InitiateResponse{}, fmt.Errorf("%w: server max pdu size: %v", ErrDecode, err)
	}
	if err := binary.Read(r, binary.BigEndian, &out.VAAName); err != nil {
		return InitiateResponse{}, fmt.Errorf("%w: vaa name: %v", ErrDecode, err)
	}
	return out, nil
}

func writeInstanceDescriptor(buf *bytes.Buffer, classID uint16, instance cosem.LN, id int8) {
	binary.Write(buf, binary.BigEndian, classID)
	buf.Write(instance[:])
	buf.WriteByte(byte(id))
}

func readInstanceDescriptor(r *bytes.Reader) (classID uint16, instance cosem.LN, id int8, err error) {
	if err = binary.Read(r, binary.BigEndian, &classID); err != nil {
		return
	}
	var ln [6]byte
	if _, err = r.Read(ln[:]); err != nil {
		return
	}
	instance = cosem.LN(ln)
	var idb byte
	if idb, err = r.ReadByte(); err != nil {
		return
	}
	id = int8(idb)
	return
}

// AccessSelection is the optional selective-access parameter for GET.
type AccessSelection struct {
	Selector byte
	Data     axdr.Data
}

// GetRequestNormal is the single-attribute GET request.
type GetRequestNormal struct {
	InvokeIDPriority byte
	ClassID          uint16
	InstanceID       cosem.LN
	AttributeID      int8
	AccessSelection  *AccessSelection
}

func (g GetRequestNormal) Encode() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(TagGetRequestNormal)
	buf.WriteByte(g.InvokeIDPriority)
	writeInstanceDescriptor(&buf, g.ClassID, g.InstanceID, g.AttributeID)
	if g.AccessSelection == nil {
		buf.WriteByte(0x00)
	} else {
		buf.WriteByte(0x01)
		buf.WriteByte(g.AccessSelection.Selector)
		if err := axdr.Encode(&buf, g.AccessSelection.Data); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func DecodeGetRequestNormal(data []byte) (GetRequestNormal, error) {
	if len(data) < 2 || data[0] != TagGetRequestNormal {
		return GetRequestNormal{}, fmt.Errorf("%w: not a GetRequest-Normal", ErrDecode)
	}
	r := bytes.NewReader(data[1:])
	var out GetRequestNormal
	var err error
	if out.InvokeIDPriority, err = r.ReadByte(); err != nil {
		return GetRequestNormal{}, err
	}
	if out.ClassID, out.InstanceID, out.AttributeID, err = readInstanceDescriptor(r); err != nil {
		return GetRequestNormal{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	present, err := r.ReadByte()
	if err != nil {
		return GetRequestNormal{}, fmt.Errorf("%w: access-selection flag: %v", ErrDecode, err)
	}
	if present != 0 {
		sel, err := r.ReadByte()
		if err != nil {
			return GetRequestNormal{}, fmt.Errorf("%w: selector: %v", ErrDecode, err)
		}
		d, err := axdr.Decode(r)
		if err != nil {
			return GetRequestNormal{}, err
		}
		out.AccessSelection = &AccessSelection{Selector: sel, Data: d}
	}
	return out, nil
}

// GetResponseNormal carries either a successful A-XDR value (choice 0) or
// a DataAccessResult failure code (choice 1).
type GetResponseNormal struct {
	InvokeIDPriority byte
	Value            *axdr.Data
	Result           *cosem.DataAccessResult
}

func NewGetResponseSuccess(invokeID byte, v axdr.Data) GetResponseNormal {
	return GetResponseNormal{InvokeIDPriority: invokeID, Value: &v}
}

func NewGetResponseFailure(invokeID byte, result cosem.DataAccessResult) GetResponseNormal {
	return GetResponseNormal{InvokeIDPriority: invokeID, Result: &result}
}

func (g GetResponseNormal) Encode() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(TagGetResponseNormal)
	buf.WriteByte(g.InvokeIDPriority)
	if g.Value != nil {
		buf.WriteByte(0)
		if err := axdr.Encode(&buf, *g.Value); err != nil {
			return nil, err
		}
	} else {
		buf.WriteByte(1)
		buf.WriteByte(byte(*g.Result))
	}
	return buf.Bytes(), nil
}

func DecodeGetResponseNormal(data []byte) (GetResponseNormal, error) {
	if len(data) < 2 || data[0] != TagGetResponseNormal {
		return GetResponseNormal{}, fmt.Errorf("%w: not a GetResponse-Normal", ErrDecode)
	}
	r := bytes.NewReader(data[1:])
	var out GetResponseNormal
	var err error
	if out.InvokeIDPriority, err = r.ReadByte(); err != nil {
		return GetResponseNormal{}, err
	}
	choice, err := r.ReadByte()
	if err != nil {
		return GetResponseNormal{}, fmt.Errorf("%w: choice: %v", ErrDecode, err)
	}
	if choice == 0 {
		d, err := axdr.Decode(r)
		if err != nil {
			return GetResponseNormal{}, err
		}
		out.Value = &d
	} else {
		b, err := r.ReadByte()
		if err != nil {
			return GetResponseNormal{}, fmt.Errorf("%w: data-access-result: %v", ErrDecode, err)
		}
		res := cosem.DataAccessResult(b)
		out.Result = &res
	}
	return out, nil
}

// SetRequestNormal carries the attribute descriptor plus the value to set.
// Its wire tag (193) is shared with GetRequest-Next; see the package doc.
type SetRequestNormal struct {
	InvokeIDPriority byte
	ClassID          uint16
	InstanceID       cosem.LN
	AttributeID      int8
	AccessSelection  *AccessSelection
	Value            axdr.Data
}

func (s SetRequestNormal) Encode() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(TagGetOrSetRequestNext)
	buf.WriteByte(s.InvokeIDPriority)
	writeInstanceDescriptor(&buf, s.ClassID, s.InstanceID, s.AttributeID)
	if s.AccessSelection == nil {
		buf.WriteByte(0x00)
	} else {
		buf.WriteByte(0x01)
		buf.WriteByte(s.AccessSelection.Selector)
		if err := axdr.Encode(&buf, s.AccessSelection.Data); err != nil {
			return nil, err
		}
	}
	if err := axdr.Encode(&buf, s.Value); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeSetRequestNormal decodes a SetRequest-Normal body. The caller (the
// dispatcher's switch on the first PDU byte) is responsible for treating
// tag 193 as SetRequest-Normal rather than GetRequest-Next.
func DecodeSetRequestNormal(data []byte) (SetRequestNormal, error) {
	if len(data) < 2 || data[0] != TagGetOrSetRequestNext {
		return SetRequestNormal{}, fmt.Errorf("%w: not a SetRequest-Normal", ErrDecode)
	}
	r := bytes.NewReader(data[1:])
	var out SetRequestNormal
	var err error
	if out.InvokeIDPriority, err = r.ReadByte(); err != nil {
		return SetRequestNormal{}, err
	}
	if out.ClassID, out.InstanceID, out.AttributeID, err = readInstanceDescriptor(r); err != nil {
		return SetRequestNormal{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	present, err := r.ReadByte()
	if err != nil {
		return SetRequestNormal{}, fmt.Errorf("%w: access-selection flag: %v", ErrDecode, err)
	}
	if present != 0 {
		sel, err := r.ReadByte()
		if err != nil {
			return SetRequestNormal{}, fmt.Errorf("%w: selector: %v", ErrDecode, err)
		}
		d, err := axdr.Decode(r)
		if err != nil {
			return SetRequestNormal{}, err
		}
		out.AccessSelection = &AccessSelection{Selector: sel, Data: d}
	}
	if out.Value, err = axdr.Decode(r); err != nil {
		return SetRequestNormal{}, err
	}
	return out, nil
}

// SetResponseNormal carries the DataAccessResult of a SET. Its wire tag
// (197) is shared with GetResponse-WithDatablock; see the package doc.
type SetResponseNormal struct {
	InvokeIDPriority byte
	Result           cosem.DataAccessResult
}

func (s SetResponseNormal) Encode() []byte {
	return []byte{TagGetOrSetResponse, s.InvokeIDPriority, byte(s.Result)}
}

func DecodeSetResponseNormal(data []byte) (SetResponseNormal, error) {
	if len(data) != 3 || data[0] != TagGetOrSetResponse {
		return SetResponseNormal{}, fmt.Errorf("%w: not a SetResponse-Normal", ErrDecode)
	}
	return SetResponseNormal{InvokeIDPriority: data[1], Result: cosem.DataAccessResult(data[2])}, nil
}

// ActionRequestNormal carries the method descriptor plus optional params.
type ActionRequestNormal struct {
	InvokeIDPriority byte
	ClassID          uint16
	InstanceID       cosem.LN
	MethodID         int8
	Params           *axdr.Data
}

func (a ActionRequestNormal) Encode() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(TagActionRequestNormal)
	buf.WriteByte(a.InvokeIDPriority)
	writeInstanceDescriptor(&buf, a.ClassID, a.InstanceID, a.MethodID)
	if a.Params == nil {
		buf.WriteByte(0x00)
	} else {
		buf.WriteByte(0x01)
		if err := axdr.Encode(&buf, *a.Params); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func DecodeActionRequestNormal(data []byte) (ActionRequestNormal, error) {
	if len(data) < 2 || data[0] != TagActionRequestNormal {
		return ActionRequestNormal{}, fmt.Errorf("%w: not an ActionRequest-Normal", ErrDecode)
	}
	r := bytes.NewReader(data[1:])
	var out ActionRequestNormal
	var err error
	if out.InvokeIDPriority, err = r.ReadByte(); err != nil {
		return ActionRequestNormal{}, err
	}
	if out.ClassID, out.InstanceID, out.MethodID, err = readInstanceDescriptor(r); err != nil {
		return ActionRequestNormal{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	present, err := r.ReadByte()
	if err != nil {
		return ActionRequestNormal{}, fmt.Errorf("%w: params flag: %v", ErrDecode, err)
	}
	if present != 0 {
		d, err := axdr.Decode(r)
		if err != nil {
			return ActionRequestNormal{}, err
		}
		out.Params = &d
	}
	return out, nil
}

// ActionResponseNormal carries the ActionResult plus, on success, an
// optional A-XDR return value; on failure the return-params choice carries
// a DataAccessResult byte instead. Its wire tag (198) is shared with
// GetResponse-WithList; see the package doc.
type ActionResponseNormal struct {
	InvokeIDPriority byte
	Result           cosem.ActionResult
	ReturnValue      *axdr.Data
	ReturnFailure    *cosem.DataAccessResult
}

func (a ActionResponseNormal) Encode() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(TagGetOrActionResponse)
	buf.WriteByte(a.InvokeIDPriority)
	buf.WriteByte(byte(a.Result))
	switch {
	case a.ReturnValue != nil:
		buf.WriteByte(0x01)
		buf.WriteByte(0x00)
		if err := axdr.Encode(&buf, *a.ReturnValue); err != nil {
			return nil, err
		}
	case a.ReturnFailure != nil:
		buf.WriteByte(0x01)
		buf.WriteByte(0x01)
		buf.WriteByte(byte(*a.ReturnFailure))
	default:
		buf.WriteByte(0x00)
	}
	return buf.Bytes(), nil
}

func DecodeActionResponseNormal(data []byte) (ActionResponseNormal, error) {
	if len(data) < 3 || data[0] != TagGetOrActionResponse {
		return ActionResponseNormal{}, fmt.Errorf("%w: not an ActionResponse-Normal", ErrDecode)
	}
	r := bytes.NewReader(data[1:])
	var out ActionResponseNormal
	var err error
	if out.InvokeIDPriority, err = r.ReadByte(); err != nil {
		return ActionResponseNormal{}, err
	}
	resByte, err := r.ReadByte()
	if err != nil {
		return ActionResponseNormal{}, fmt.Errorf("%w: result: %v", ErrDecode, err)
	}
	out.Result = cosem.ActionResult(resByte)
	present, err := r.ReadByte()
	if err != nil {
		return ActionResponseNormal{}, fmt.Errorf("%w: return-params flag: %v", ErrDecode, err)
	}
	if present != 0 {
		choice, err := r.ReadByte()
		if err != nil {
			return ActionResponseNormal{}, fmt.Errorf("%w: return choice: %v", ErrDecode, err)
		}
		if choice == 0 {
			d, err := axdr.Decode(r)
			if err != nil {
				return ActionResponseNormal{}, err
			}
			out.ReturnValue = &d
		} else {
			b, err := r.ReadByte()
			if err != nil {
				return ActionResponseNormal{}, fmt.Errorf("%w: return data-access-result: %v", ErrDecode, err)
			}
			res := cosem.DataAccessResult(b)
			out.ReturnFailure = &res
		}
	}
	return out, nil
}
