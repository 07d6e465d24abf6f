package dispatcher

import (
	"net"
	"testing"
	"time"

	"github.com/cybroslabs/libdlms-go/acse"
	"github.com/cybroslabs/libdlms-go/axdr"
	"github.com/cybroslabs/libdlms-go/cosem"
	"github.com/cybroslabs/libdlms-go/framer"
	"github.com/cybroslabs/libdlms-go/object"
	"github.com/cybroslabs/libdlms-go/session"
	"github.com/cybroslabs/libdlms-go/tcp"
	"github.com/cybroslabs/libdlms-go/xdlms"
)

func defaultParams() session.AssociationParameters {
	return session.DefaultAssociationParameters()
}

func buildAARQFrame(t *testing.T, sap uint16, mechanism []byte, authValue []byte, init xdlms.InitiateRequest) []byte {
	t.Helper()
	ui, err := init.Encode()
	if err != nil {
		t.Fatalf("InitiateRequest.Encode: %v", err)
	}
	aarq := acse.AARQ{
		ApplicationContextName: []byte("LN_WITH_NO_CIPHERING"),
		MechanismName:          mechanism,
		CallingAuthenticationValue: authValue,
		UserInformation:        ui,
	}
	body, err := aarq.Encode()
	if err != nil {
		t.Fatalf("AARQ.Encode: %v", err)
	}
	return framer.Encode(framer.Frame{Address: sap, Control: 0x10, Information: body})
}

func decodeAARE(t *testing.T, out []byte) acse.AARE {
	t.Helper()
	frame, err := framer.Decode(out)
	if err != nil {
		t.Fatalf("framer.Decode: %v", err)
	}
	aare, err := acse.DecodeAARE(frame.Information)
	if err != nil {
		t.Fatalf("DecodeAARE: %v", err)
	}
	return aare
}

// S1: default Initiate, no password, expect result=0 and echoed negotiation.
func TestScenarioS1DefaultAssociation(t *testing.T) {
	d := NewDispatcher(1, defaultParams(), nil)
	frame := buildAARQFrame(t, SapPublic, nil, nil, xdlms.InitiateRequest{
		ProposedDlmsVersion:     6,
		ProposedConformance:     cosem.DefaultConformance,
		ClientMaxReceivePduSize: 0x0400,
	})
	out, err := d.HandleFrame(frame)
	if err != nil {
		t.Fatalf("HandleFrame: %v", err)
	}
	aare := decodeAARE(t, out)
	if aare.Result != 0 {
		t.Fatalf("result = %d, want 0", aare.Result)
	}
	initResp, err := xdlms.DecodeInitiateResponse(aare.UserInformation)
	if err != nil {
		t.Fatalf("DecodeInitiateResponse: %v", err)
	}
	if initResp.VAAName != 0x0007 || initResp.ServerMaxReceivePduSize != 0x0400 || initResp.NegotiatedConformance != cosem.DefaultConformance {
		t.Fatalf("unexpected InitiateResponse: %+v", initResp)
	}
	if _, ok := d.engineContextForTest(SapPublic); !ok {
		t.Fatal("expected an active context after successful Initiate")
	}
}

// engineContextForTest exposes the engine's Context lookup to the test
// package without widening the production API surface.
func (d *Dispatcher) engineContextForTest(sap uint16) (*session.AssociationContext, bool) {
	return d.engine.Context(sap)
}

func associateDefault(t *testing.T, d *Dispatcher, sap uint16) {
	t.Helper()
	frame := buildAARQFrame(t, sap, nil, nil, xdlms.InitiateRequest{
		ProposedDlmsVersion:     6,
		ProposedConformance:     cosem.DefaultConformance,
		ClientMaxReceivePduSize: 0x0400,
	})
	out, err := d.HandleFrame(frame)
	if err != nil {
		t.Fatalf("HandleFrame(AARQ): %v", err)
	}
	if aare := decodeAARE(t, out); aare.Result != 0 {
		t.Fatalf("association setup failed, result=%d", aare.Result)
	}
}

func registerTestRegister(d *Dispatcher) *object.Register {
	reg := &object.Register{
		LN:    cosem.LN{0, 0, 1, 0, 0, 0xFF},
		Value: axdr.NewUnsigned(10),
	}
	d.RegisterObject(reg)
	return reg
}

// S2/S3: GET then SET on a registered Register.
func TestScenarioS2S3GetSetRegister(t *testing.T) {
	d := NewDispatcher(1, defaultParams(), nil)
	reg := registerTestRegister(d)
	associateDefault(t, d, SapPublic)

	getReq := xdlms.GetRequestNormal{InvokeIDPriority: 1, ClassID: reg.ClassID(), InstanceID: reg.LN, AttributeID: 2}
	body, err := getReq.Encode()
	if err != nil {
		t.Fatalf("GetRequestNormal.Encode: %v", err)
	}
	frame := framer.Encode(framer.Frame{Address: SapPublic, Control: 0x10, Information: body})
	out, err := d.HandleFrame(frame)
	if err != nil {
		t.Fatalf("HandleFrame(GET): %v", err)
	}
	decFrame, err := framer.Decode(out)
	if err != nil {
		t.Fatalf("framer.Decode: %v", err)
	}
	getResp, err := xdlms.DecodeGetResponseNormal(decFrame.Information)
	if err != nil {
		t.Fatalf("DecodeGetResponseNormal: %v", err)
	}
	if getResp.Value == nil || getResp.Value.U8 != 10 {
		t.Fatalf("expected Unsigned(10), got %+v", getResp.Value)
	}

	setReq := xdlms.SetRequestNormal{InvokeIDPriority: 2, ClassID: reg.ClassID(), InstanceID: reg.LN, AttributeID: 2, Value: axdr.NewUnsigned(20)}
	sbody, err := setReq.Encode()
	if err != nil {
		t.Fatalf("SetRequestNormal.Encode: %v", err)
	}
	sframe := framer.Encode(framer.Frame{Address: SapPublic, Control: 0x10, Information: sbody})
	sout, err := d.HandleFrame(sframe)
	if err != nil {
		t.Fatalf("HandleFrame(SET): %v", err)
	}
	sdecFrame, err := framer.Decode(sout)
	if err != nil {
		t.Fatalf("framer.Decode: %v", err)
	}
	setResp, err := xdlms.DecodeSetResponseNormal(sdecFrame.Information)
	if err != nil {
		t.Fatalf("DecodeSetResponseNormal: %v", err)
	}
	if setResp.Result != cosem.ResultSuccess {
		t.Fatalf("set result = %v, want success", setResp.Result)
	}
	if reg.Value.U8 != 20 {
		t.Fatalf("register value not updated: %+v", reg.Value)
	}
}

// S4: LLS challenge-response success.
func TestScenarioS4LlsChallengeSuccess(t *testing.T) {
	d := NewDispatcher(1, defaultParams(), []byte("password"))
	frame := buildAARQFrame(t, SapPublic, []byte("LLS"), nil, xdlms.InitiateRequest{
		ProposedDlmsVersion:     6,
		ProposedConformance:     cosem.DefaultConformance,
		ClientMaxReceivePduSize: 0x0400,
	})
	out, err := d.HandleFrame(frame)
	if err != nil {
		t.Fatalf("HandleFrame(challenge): %v", err)
	}
	aare := decodeAARE(t, out)
	if aare.Result != 1 || len(aare.RespondingAuthenticationValue) != 16 {
		t.Fatalf("expected 16-byte challenge with result=1, got %+v", aare)
	}
	mac := session.LlsAuthenticate([]byte("password"), aare.RespondingAuthenticationValue)

	frame2 := buildAARQFrame(t, SapPublic, []byte("LLS"), mac, xdlms.InitiateRequest{
		ProposedDlmsVersion:     6,
		ProposedConformance:     cosem.DefaultConformance,
		ClientMaxReceivePduSize: 0x0400,
	})
	out2, err := d.HandleFrame(frame2)
	if err != nil {
		t.Fatalf("HandleFrame(verify): %v", err)
	}
	aare2 := decodeAARE(t, out2)
	if aare2.Result != 0 {
		t.Fatalf("result = %d, want 0", aare2.Result)
	}
}

// S5: tampered MAC is rejected and the challenge is retained for retry.
func TestScenarioS5LlsChallengeTamperedMac(t *testing.T) {
	d := NewDispatcher(1, defaultParams(), []byte("password"))
	frame := buildAARQFrame(t, SapPublic, []byte("LLS"), nil, xdlms.InitiateRequest{
		ProposedDlmsVersion:     6,
		ProposedConformance:     cosem.DefaultConformance,
		ClientMaxReceivePduSize: 0x0400,
	})
	out, err := d.HandleFrame(frame)
	if err != nil {
		t.Fatalf("HandleFrame(challenge): %v", err)
	}
	aare := decodeAARE(t, out)
	mac := session.LlsAuthenticate([]byte("password"), aare.RespondingAuthenticationValue)
	mac[0] ^= 0xFF

	frame2 := buildAARQFrame(t, SapPublic, []byte("LLS"), mac, xdlms.InitiateRequest{
		ProposedDlmsVersion:     6,
		ProposedConformance:     cosem.DefaultConformance,
		ClientMaxReceivePduSize: 0x0400,
	})
	out2, err := d.HandleFrame(frame2)
	if err != nil {
		t.Fatalf("HandleFrame(tampered): %v", err)
	}
	aare2 := decodeAARE(t, out2)
	if aare2.Result != 1 {
		t.Fatalf("result = %d, want 1", aare2.Result)
	}

	// Retry with the correct MAC must still succeed: the challenge was retained.
	goodMac := session.LlsAuthenticate([]byte("password"), aare.RespondingAuthenticationValue)
	frame3 := buildAARQFrame(t, SapPublic, []byte("LLS"), goodMac, xdlms.InitiateRequest{
		ProposedDlmsVersion:     6,
		ProposedConformance:     cosem.DefaultConformance,
		ClientMaxReceivePduSize: 0x0400,
	})
	out3, err := d.HandleFrame(frame3)
	if err != nil {
		t.Fatalf("HandleFrame(retry): %v", err)
	}
	if aare3 := decodeAARE(t, out3); aare3.Result != 0 {
		t.Fatalf("retry result = %d, want 0", aare3.Result)
	}
}

// S6: GET before any AARQ yields ReadWriteDenied, never ObjectUnavailable.
func TestScenarioS6GetBeforeAssociation(t *testing.T) {
	d := NewDispatcher(1, defaultParams(), nil)
	reg := registerTestRegister(d)

	getReq := xdlms.GetRequestNormal{InvokeIDPriority: 1, ClassID: reg.ClassID(), InstanceID: reg.LN, AttributeID: 2}
	body, err := getReq.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	frame := framer.Encode(framer.Frame{Address: SapPublic, Control: 0x10, Information: body})
	out, err := d.HandleFrame(frame)
	if err != nil {
		t.Fatalf("HandleFrame: %v", err)
	}
	decFrame, _ := framer.Decode(out)
	getResp, err := xdlms.DecodeGetResponseNormal(decFrame.Information)
	if err != nil {
		t.Fatalf("DecodeGetResponseNormal: %v", err)
	}
	if getResp.Result == nil || *getResp.Result != cosem.ResultReadWriteDenied {
		t.Fatalf("expected ReadWriteDenied, got %+v", getResp)
	}
}

// Invariant 6: empty conformance intersection -> diagnostic 4.
func TestNegotiationRejectsEmptyConformanceIntersection(t *testing.T) {
	d := NewDispatcher(1, defaultParams(), nil)
	frame := buildAARQFrame(t, SapPublic, nil, nil, xdlms.InitiateRequest{
		ProposedDlmsVersion:     6,
		ProposedConformance:     cosem.ConformanceAction,
		ClientMaxReceivePduSize: 0x0400,
	})
	out, err := d.HandleFrame(frame)
	if err != nil {
		t.Fatalf("HandleFrame: %v", err)
	}
	aare := decodeAARE(t, out)
	if aare.Result != 1 || aare.ResultSourceDiagnostic != byte(session.DiagnosticNoCommonConformance) {
		t.Fatalf("got %+v", aare)
	}
}

// Invariant 13: two distinct client SAPs get distinct Association-LN
// instances with different associated_partners_id.
func TestDistinctSapsGetDistinctAssociationLN(t *testing.T) {
	d := NewDispatcher(1, defaultParams(), nil)
	associateDefault(t, d, SapPublic)
	associateDefault(t, d, SapMeterReader)

	public := d.assocLN[SapPublic]
	meterReader := d.assocLN[SapMeterReader]
	if public == meterReader {
		t.Fatal("expected distinct Association-LN instances per SAP")
	}
	pID, _ := public.GetAttribute(3)
	mID, _ := meterReader.GetAttribute(3)
	if pID.U32 == mID.U32 {
		t.Fatalf("expected distinct associated_partners_id, both are %d", pID.U32)
	}
}

// Invariant 14, SET case: a SET on a Read-only attribute is denied with
// ReadWriteDenied.
func TestAccessRightsEnforcement(t *testing.T) {
	d := NewDispatcher(1, defaultParams(), nil)
	readOnly := &object.Data{
		LN:     cosem.LN{1, 0, 0, 0, 0, 0xFF},
		Value:  axdr.NewUnsigned(1),
		Access: []cosem.AttributeAccessDescriptor{{AttributeID: 2, Mode: cosem.Read}},
	}
	d.RegisterObject(readOnly)
	associateDefault(t, d, SapPublic)

	setReq := xdlms.SetRequestNormal{InvokeIDPriority: 1, ClassID: readOnly.ClassID(), InstanceID: readOnly.LN, AttributeID: 2, Value: axdr.NewUnsigned(5)}
	body, err := setReq.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	frame := framer.Encode(framer.Frame{Address: SapPublic, Control: 0x10, Information: body})
	out, err := d.HandleFrame(frame)
	if err != nil {
		t.Fatalf("HandleFrame: %v", err)
	}
	decFrame, _ := framer.Decode(out)
	setResp, err := xdlms.DecodeSetResponseNormal(decFrame.Information)
	if err != nil {
		t.Fatalf("DecodeSetResponseNormal: %v", err)
	}
	if setResp.Result != cosem.ResultReadWriteDenied {
		t.Fatalf("expected ReadWriteDenied, got %v", setResp.Result)
	}
}

// Invariant 15: unknown instance id with an active association fails
// with ObjectUndefined, not a synthesized success.
func TestUnknownInstanceIDFailsAtPduLevel(t *testing.T) {
	d := NewDispatcher(1, defaultParams(), nil)
	associateDefault(t, d, SapPublic)

	getReq := xdlms.GetRequestNormal{InvokeIDPriority: 1, ClassID: 3, InstanceID: cosem.LN{9, 9, 9, 9, 9, 9}, AttributeID: 2}
	body, err := getReq.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	frame := framer.Encode(framer.Frame{Address: SapPublic, Control: 0x10, Information: body})
	out, err := d.HandleFrame(frame)
	if err != nil {
		t.Fatalf("HandleFrame: %v", err)
	}
	decFrame, _ := framer.Decode(out)
	getResp, err := xdlms.DecodeGetResponseNormal(decFrame.Information)
	if err != nil {
		t.Fatalf("DecodeGetResponseNormal: %v", err)
	}
	if getResp.Result == nil || *getResp.Result != cosem.ResultObjectUndefined {
		t.Fatalf("expected ObjectUndefined, got %+v", getResp)
	}
}

// RLRQ clears the context (invariant 10).
func TestReleaseClearsContext(t *testing.T) {
	d := NewDispatcher(1, defaultParams(), nil)
	associateDefault(t, d, SapPublic)
	if _, ok := d.engineContextForTest(SapPublic); !ok {
		t.Fatal("expected context after association")
	}

	rlrq := acse.RLRQ{}
	body, err := rlrq.Encode()
	if err != nil {
		t.Fatalf("RLRQ.Encode: %v", err)
	}
	frame := framer.Encode(framer.Frame{Address: SapPublic, Control: 0x10, Information: body})
	out, err := d.HandleFrame(frame)
	if err != nil {
		t.Fatalf("HandleFrame(RLRQ): %v", err)
	}
	decFrame, err := framer.Decode(out)
	if err != nil {
		t.Fatalf("framer.Decode: %v", err)
	}
	if _, err := acse.DecodeRLRE(decFrame.Information); err != nil {
		t.Fatalf("DecodeRLRE: %v", err)
	}
	if _, ok := d.engineContextForTest(SapPublic); ok {
		t.Fatal("expected no context after release")
	}
}

func TestRegisterObjectsCollectsDuplicateErrors(t *testing.T) {
	d := NewDispatcher(1, defaultParams(), nil)
	a := &object.Data{LN: cosem.LN{1, 0, 0, 0, 0, 1}, Value: axdr.NewUnsigned(1)}
	b := &object.Data{LN: cosem.LN{1, 0, 0, 0, 0, 1}, Value: axdr.NewUnsigned(2)}
	if err := d.RegisterObjects([]object.Object{a, b}); err == nil {
		t.Fatal("expected an error for the duplicate logical name")
	}
}

// TestRunOverTCPStream exercises the full receive→handle→send loop (spec
// §5) end to end over a real base.Stream (tcp.Accept wrapping one end of a
// net.Pipe), rather than calling HandleFrame directly: this is the path a
// deployed server SAP actually runs.
func TestRunOverTCPStream(t *testing.T) {
	d := NewDispatcher(1, defaultParams(), nil)
	reg := registerTestRegister(d)

	serverConn, clientConn := net.Pipe()
	serverStream := tcp.Accept(serverConn, time.Second)

	runErr := make(chan error, 1)
	go func() { runErr <- d.Run(serverStream) }()

	frame := buildAARQFrame(t, SapPublic, nil, nil, xdlms.InitiateRequest{
		ProposedDlmsVersion:     6,
		ProposedConformance:     cosem.DefaultConformance,
		ClientMaxReceivePduSize: 0x0400,
	})
	if _, err := clientConn.Write(frame); err != nil {
		t.Fatalf("write AARQ: %v", err)
	}
	aareOut := readFrameFromConn(t, clientConn)
	if aare := decodeAARE(t, aareOut); aare.Result != 0 {
		t.Fatalf("association over tcp.Stream failed, result=%d", aare.Result)
	}

	getReq := xdlms.GetRequestNormal{InvokeIDPriority: 1, ClassID: reg.ClassID(), InstanceID: reg.LN, AttributeID: 2}
	body, err := getReq.Encode()
	if err != nil {
		t.Fatalf("GetRequestNormal.Encode: %v", err)
	}
	if _, err := clientConn.Write(framer.Encode(framer.Frame{Address: SapPublic, Control: 0x10, Information: body})); err != nil {
		t.Fatalf("write GetRequest: %v", err)
	}
	getOut := readFrameFromConn(t, clientConn)
	getFrame, err := framer.Decode(getOut)
	if err != nil {
		t.Fatalf("framer.Decode: %v", err)
	}
	getResp, err := xdlms.DecodeGetResponseNormal(getFrame.Information)
	if err != nil {
		t.Fatalf("DecodeGetResponseNormal: %v", err)
	}
	if getResp.Result != nil {
		t.Fatalf("unexpected failure result: %v", *getResp.Result)
	}
	if getResp.Value == nil || !getResp.Value.Equal(axdr.NewUnsigned(10)) {
		t.Fatalf("got %+v, want Unsigned(10)", getResp.Value)
	}

	clientConn.Close()
	if err := <-runErr; err != nil {
		t.Fatalf("Run returned error after client close: %v", err)
	}
}

// readFrameFromConn reads one flag-delimited HDLC frame directly off conn,
// mirroring what framer.ReadFrame does server-side.
func readFrameFromConn(t *testing.T, conn net.Conn) []byte {
	t.Helper()
	out, err := framer.ReadFrame(conn)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	return out
}
