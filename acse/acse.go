// Package acse implements the ACSE BER-style codec for AARQ/AARE/RLRQ/RLRE
// association PDUs.
//
// Grounded on the teacher's dlmsal/aarq.go and dlmsal/utils.go
// (encodetag/decodetag/encodelength, the peek-and-skip optional-field
// decoding pattern) and dlmsal/rlrq.go, generalized into a standalone,
// bidirectional (client-encodes-AARQ-and-decodes-AARE, server does the
// reverse) codec restricted to the definite short/long length forms §4.3
// requires (a single extra length byte covers every payload this protocol
// carries; the teacher's four-byte long form for >16MB payloads has no use
// here and is not reproduced).
package acse

import (
	"bytes"
	"fmt"
)

// Outer PDU tags.
const (
	TagAARQ byte = 0x60
	TagAARE byte = 0x61
	TagRLRQ byte = 0x62
	TagRLRE byte = 0x63
)

// Field tags within AARQ/AARE/RLRQ/RLRE, per spec §4.3.
const (
	fieldApplicationContextName byte = 0xA1
	fieldResult                 byte = 0xA2
	fieldResultSourceDiag       byte = 0xA3
	fieldSenderAcseRequirements byte = 0x8A
	fieldMechanismName          byte = 0x8B
	fieldAuthenticationValue    byte = 0xAC
	fieldUserInformation        byte = 0xBE
	fieldReason                 byte = 0x80
)

const octetStringTag byte = 0x04

var ErrDecode = fmt.Errorf("acse: decode error")

// encodeLength writes a definite-form BER length: a single byte for values
// <=127, else 0x81 followed by one length byte (the long form is mandatory
// once the payload exceeds 127 bytes; no payload in this protocol needs a
// longer form).
func encodeLength(buf *bytes.Buffer, n int) error {
	if n <= 127 {
		buf.WriteByte(byte(n))
		return nil
	}
	if n <= 255 {
		buf.WriteByte(0x81)
		buf.WriteByte(byte(n))
		return nil
	}
	return fmt.Errorf("acse: payload too long for definite short/long form: %d", n)
}

func encodeTag(buf *bytes.Buffer, tag byte, data []byte) error {
	buf.WriteByte(tag)
	if err := encodeLength(buf, len(data)); err != nil {
		return err
	}
	buf.Write(data)
	return nil
}

func encodeOctetStringField(buf *bytes.Buffer, tag byte, inner []byte) error {
	var content bytes.Buffer
	if err := encodeTag(&content, octetStringTag, inner); err != nil {
		return err
	}
	return encodeTag(buf, tag, content.Bytes())
}

// decodeLength reads a definite short or single-byte long-form length,
// returning the value and the number of header bytes consumed.
func decodeLength(src []byte) (n int, consumed int, err error) {
	if len(src) < 1 {
		return 0, 0, fmt.Errorf("%w: missing length byte", ErrDecode)
	}
	b := src[0]
	if b < 0x80 {
		return int(b), 1, nil
	}
	if b == 0x81 {
		if len(src) < 2 {
			return 0, 0, fmt.Errorf("%w: truncated long-form length", ErrDecode)
		}
		return int(src[1]), 2, nil
	}
	return 0, 0, fmt.Errorf("%w: unsupported length form 0x%02x", ErrDecode, b)
}

// field is one decoded (tag, value) pair from a TLV stream.
type field struct {
	tag  byte
	data []byte
}

func decodeFields(src []byte) ([]field, error) {
	var out []field
	for len(src) > 0 {
		if len(src) < 2 {
			return nil, fmt.Errorf("%w: truncated field", ErrDecode)
		}
		tag := src[0]
		n, consumed, err := decodeLength(src[1:])
		if err != nil {
			return nil, err
		}
		start := 1 + consumed
		if len(src) < start+n {
			return nil, fmt.Errorf("%w: field shorter than declared length", ErrDecode)
		}
		out = append(out, field{tag: tag, data: src[start : start+n]})
		src = src[start+n:]
	}
	return out, nil
}

func find(fields []field, tag byte) ([]byte, bool) {
	for _, f := range fields {
		if f.tag == tag {
			return f.data, true
		}
	}
	return nil, false
}

func decodeOctetStringField(data []byte) ([]byte, error) {
	fs, err := decodeFields(data)
	if err != nil {
		return nil, err
	}
	if len(fs) != 1 || fs[0].tag != octetStringTag {
		return nil, fmt.Errorf("%w: expected single octet-string inner tag", ErrDecode)
	}
	return fs[0].data, nil
}

// AARQ is the association-request PDU.
type AARQ struct {
	ApplicationContextName     []byte
	SenderAcseRequirements     []byte // present iff mechanism name is present
	MechanismName              []byte
	CallingAuthenticationValue []byte // nil if absent (first AARQ of an LLS exchange)
	UserInformation            []byte // the xDLMS InitiateRequest APDU bytes
}

func (a AARQ) Encode() ([]byte, error) {
	var content bytes.Buffer
	if err := encodeOctetStringField(&content, fieldApplicationContextName, a.ApplicationContextName); err != nil {
		return nil, err
	}
	if a.MechanismName != nil {
		if err := encodeTag(&content, fieldSenderAcseRequirements, a.SenderAcseRequirements); err != nil {
			return nil, err
		}
		if err := encodeTag(&content, fieldMechanismName, a.MechanismName); err != nil {
			return nil, err
		}
	}
	if a.CallingAuthenticationValue != nil {
		if err := encodeOctetStringField(&content, fieldAuthenticationValue, a.CallingAuthenticationValue); err != nil {
			return nil, err
		}
	}
	if a.UserInformation != nil {
		if err := encodeOctetStringField(&content, fieldUserInformation, a.UserInformation); err != nil {
			return nil, err
		}
	}

	var out bytes.Buffer
	if err := encodeTag(&out, TagAARQ, content.Bytes()); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func DecodeAARQ(src []byte) (AARQ, error) {
	if len(src) < 2 || src[0] != TagAARQ {
		return AARQ{}, fmt.Errorf("%w: not an AARQ", ErrDecode)
	}
	n, consumed, err := decodeLength(src[1:])
	if err != nil {
		return AARQ{}, err
	}
	body := src[1+consumed:]
	if len(body) < n {
		return AARQ{}, fmt.Errorf("%w: AARQ shorter than declared length", ErrDecode)
	}
	fields, err := decodeFields(body[:n])
	if err != nil {
		return AARQ{}, err
	}

	var out AARQ
	if v, ok := find(fields, fieldApplicationContextName); ok {
		out.ApplicationContextName, err = decodeOctetStringField(v)
		if err != nil {
			return AARQ{}, err
		}
	}
	out.SenderAcseRequirements, _ = find(fields, fieldSenderAcseRequirements)
	out.MechanismName, _ = find(fields, fieldMechanismName)
	if v, ok := find(fields, fieldAuthenticationValue); ok {
		out.CallingAuthenticationValue, err = decodeOctetStringField(v)
		if err != nil {
			return AARQ{}, err
		}
	}
	if v, ok := find(fields, fieldUserInformation); ok {
		out.UserInformation, err = decodeOctetStringField(v)
		if err != nil {
			return AARQ{}, err
		}
	}
	return out, nil
}

// AARE is the association-response PDU.
type AARE struct {
	ApplicationContextName        []byte
	Result                        byte
	ResultSourceDiagnostic        byte
	RespondingAuthenticationValue []byte // present only on the LLS challenge leg
	UserInformation               []byte // the xDLMS InitiateResponse APDU bytes (or nil on a challenge-only AARE)
}

func (a AARE) Encode() ([]byte, error) {
	var content bytes.Buffer
	if err := encodeOctetStringField(&content, fieldApplicationContextName, a.ApplicationContextName); err != nil {
		return nil, err
	}
	if err := encodeTag(&content, fieldResult, []byte{0x02, 0x01, a.Result}); err != nil {
		return nil, err
	}
	if err := encodeTag(&content, fieldResultSourceDiag, []byte{0xA1, 0x03, 0x02, 0x01, a.ResultSourceDiagnostic}); err != nil {
		return nil, err
	}
	if a.RespondingAuthenticationValue != nil {
		if err := encodeOctetStringField(&content, fieldAuthenticationValue, a.RespondingAuthenticationValue); err != nil {
			return nil, err
		}
	}
	if a.UserInformation != nil {
		if err := encodeOctetStringField(&content, fieldUserInformation, a.UserInformation); err != nil {
			return nil, err
		}
	}

	var out bytes.Buffer
	if err := encodeTag(&out, TagAARE, content.Bytes()); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func DecodeAARE(src []byte) (AARE, error) {
	if len(src) < 2 || src[0] != TagAARE {
		return AARE{}, fmt.Errorf("%w: not an AARE", ErrDecode)
	}
	n, consumed, err := decodeLength(src[1:])
	if err != nil {
		return AARE{}, err
	}
	body := src[1+consumed:]
	if len(body) < n {
		return AARE{}, fmt.Errorf("%w: AARE shorter than declared length", ErrDecode)
	}
	fields, err := decodeFields(body[:n])
	if err != nil {
		return AARE{}, err
	}

	var out AARE
	if v, ok := find(fields, fieldApplicationContextName); ok {
		out.ApplicationContextName, err = decodeOctetStringField(v)
		if err != nil {
			return AARE{}, err
		}
	}
	if v, ok := find(fields, fieldResult); ok {
		if len(v) != 3 {
			return AARE{}, fmt.Errorf("%w: invalid A2 result field", ErrDecode)
		}
		out.Result = v[2]
	}
	if v, ok := find(fields, fieldResultSourceDiag); ok {
		if len(v) != 5 {
			return AARE{}, fmt.Errorf("%w: invalid A3 source-diagnostic field", ErrDecode)
		}
		out.ResultSourceDiagnostic = v[4]
	}
	if v, ok := find(fields, fieldAuthenticationValue); ok {
		out.RespondingAuthenticationValue, err = decodeOctetStringField(v)
		if err != nil {
			return AARE{}, err
		}
	}
	if v, ok := find(fields, fieldUserInformation); ok {
		out.UserInformation, err = decodeOctetStringField(v)
		if err != nil {
			return AARE{}, err
		}
	}
	return out, nil
}

// RLRQ is the release-request PDU.
type RLRQ struct {
	Reason          *byte
	UserInformation []byte
}

func (r RLRQ) Encode() ([]byte, error) {
	var content bytes.Buffer
	if r.Reason != nil {
		if err := encodeTag(&content, fieldReason, []byte{0x02, 0x01, *r.Reason}); err != nil {
			return nil, err
		}
	}
	if r.UserInformation != nil {
		if err := encodeOctetStringField(&content, fieldUserInformation, r.UserInformation); err != nil {
			return nil, err
		}
	}
	var out bytes.Buffer
	if err := encodeTag(&out, TagRLRQ, content.Bytes()); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func DecodeRLRQ(src []byte) (RLRQ, error) {
	reason, ui, err := decodeReleasePdu(src, TagRLRQ)
	return RLRQ{Reason: reason, UserInformation: ui}, err
}

// RLRE is the release-response PDU.
type RLRE struct {
	Reason          *byte
	UserInformation []byte
}

func (r RLRE) Encode() ([]byte, error) {
	var content bytes.Buffer
	if r.Reason != nil {
		if err := encodeTag(&content, fieldReason, []byte{0x02, 0x01, *r.Reason}); err != nil {
			return nil, err
		}
	}
	if r.UserInformation != nil {
		if err := encodeOctetStringField(&content, fieldUserInformation, r.UserInformation); err != nil {
			return nil, err
		}
	}
	var out bytes.Buffer
	if err := encodeTag(&out, TagRLRE, content.Bytes()); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func DecodeRLRE(src []byte) (RLRE, error) {
	reason, ui, err := decodeReleasePdu(src, TagRLRE)
	return RLRE{Reason: reason, UserInformation: ui}, err
}

func decodeReleasePdu(src []byte, wantTag byte) (*byte, []byte, error) {
	if len(src) < 2 || src[0] != wantTag {
		return nil, nil, fmt.Errorf("%w: unexpected outer tag", ErrDecode)
	}
	n, consumed, err := decodeLength(src[1:])
	if err != nil {
		return nil, nil, err
	}
	body := src[1+consumed:]
	if len(body) < n {
		return nil, nil, fmt.Errorf("%w: release pdu shorter than declared length", ErrDecode)
	}
	fields, err := decodeFields(body[:n])
	if err != nil {
		return nil, nil, err
	}

	var reason *byte
	if v, ok := find(fields, fieldReason); ok {
		if len(v) != 3 {
			return nil, nil, fmt.Errorf("%w: invalid reason field", ErrDecode)
		}
		r := v[2]
		reason = &r
	}
	var ui []byte
	if v, ok := find(fields, fieldUserInformation); ok {
		ui, err = decodeOctetStringField(v)
		if err != nil {
			return nil, nil, err
		}
	}
	return reason, ui, nil
}
