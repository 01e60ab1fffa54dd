package stun

import (
	"bytes"
	"testing"
)

func TestMessageType_ValueRoundTrip(t *testing.T) {
	cases := []MessageType{
		BindingRequest,
		BindingSuccess,
		AllocateRequest,
		AllocateSuccess,
		AllocateError,
		RefreshRequest,
		CreatePermissionRequest,
		ChannelBindRequest,
		SendIndication,
		DataIndication,
	}
	for _, tc := range cases {
		v := tc.Value()
		var got MessageType
		got.ReadValue(v)
		if got != tc {
			t.Errorf("MessageType %s round-trip failed: got %s (0x%x)", tc, got, v)
		}
	}
}

func TestMessage_BuildDecode(t *testing.T) {
	m := MustBuild(TransactionID, BindingRequest, NewSoftware("turnrelayd"))

	decoded := New()
	if _, err := decoded.Write(m.Raw); err != nil {
		t.Fatal(err)
	}
	if err := decoded.Decode(); err != nil {
		t.Fatal(err)
	}
	if decoded.Type != BindingRequest {
		t.Errorf("Type = %s, want %s", decoded.Type, BindingRequest)
	}
	if decoded.TransactionID != m.TransactionID {
		t.Errorf("TransactionID mismatch")
	}
	var soft Software
	if err := soft.GetFrom(decoded); err != nil {
		t.Fatal(err)
	}
	if soft.String() != "turnrelayd" {
		t.Errorf("SOFTWARE = %q, want %q", soft, "turnrelayd")
	}
}

func TestMessage_EqualAfterRoundTrip(t *testing.T) {
	m := MustBuild(TransactionID, AllocateRequest, NewUsername("alice"))
	decoded := New()
	if _, err := decoded.Write(m.Raw); err != nil {
		t.Fatal(err)
	}
	if err := decoded.Decode(); err != nil {
		t.Fatal(err)
	}
	if !m.Equal(decoded) {
		t.Errorf("decoded message not Equal to the one it was built from")
	}
}

func TestMessage_DecodeShortHeader(t *testing.T) {
	m := New()
	if _, err := m.Write([]byte{0, 1, 0, 0}); err != nil {
		t.Fatal(err)
	}
	if err := m.Decode(); err != ErrUnexpectedEOF {
		t.Errorf("expected ErrUnexpectedEOF, got %v", err)
	}
}

func TestMessage_DecodeBadMagicCookie(t *testing.T) {
	m := MustBuild(TransactionID, BindingRequest)
	bin.PutUint32(m.Raw[4:8], 0)
	decoded := New()
	if _, err := decoded.Write(m.Raw); err != nil {
		t.Fatal(err)
	}
	if err := decoded.Decode(); err != ErrInvalidMagicCookie {
		t.Errorf("expected ErrInvalidMagicCookie, got %v", err)
	}
}

func TestMessage_DecodeBadLength(t *testing.T) {
	m := MustBuild(TransactionID, BindingRequest)
	bin.PutUint16(m.Raw[2:4], 3) // not a multiple of 4
	decoded := New()
	if _, err := decoded.Write(m.Raw); err != nil {
		t.Fatal(err)
	}
	if err := decoded.Decode(); err != ErrInvalidMessageLength {
		t.Errorf("expected ErrInvalidMessageLength, got %v", err)
	}
}

func TestMessage_UnknownComprehensionRequired(t *testing.T) {
	m := New()
	m.Build(TransactionID, BindingRequest)
	m.Add(AttrType(0x0002), []byte("x")) // comprehension-required, unrecognized
	m.WriteHeader()

	decoded := New()
	if _, err := decoded.Write(m.Raw); err != nil {
		t.Fatal(err)
	}
	if err := decoded.Decode(); err != nil {
		t.Fatal(err)
	}
	if len(decoded.Unknown) != 1 || decoded.Unknown[0] != AttrType(0x0002) {
		t.Errorf("expected unknown attribute 0x0002 recorded, got %v", decoded.Unknown)
	}
}

func TestIsMessage(t *testing.T) {
	m := MustBuild(TransactionID, BindingRequest)
	if !IsMessage(m.Raw) {
		t.Error("IsMessage should be true for a built message")
	}
	if IsMessage([]byte{0xff, 0xff, 0xff, 0xff}) {
		t.Error("IsMessage should be false for too-short input")
	}
	bad := append([]byte(nil), m.Raw...)
	bad[0] = 0xc0 // top two bits set, never valid on a STUN message
	if IsMessage(bad) {
		t.Error("IsMessage should be false when top two bits are set")
	}
}

func TestMessage_Reset(t *testing.T) {
	m := MustBuild(TransactionID, BindingRequest, NewSoftware("x"))
	m.Reset()
	if len(m.Raw) != 0 || len(m.Attributes) != 0 || m.Length != 0 {
		t.Errorf("Reset left stale state: %+v", m)
	}
	if !bytes.Equal(m.TransactionID[:], make([]byte, transactionIDSize)) {
		t.Errorf("Reset did not clear TransactionID")
	}
}
