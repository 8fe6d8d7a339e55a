package types

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestScript_PayeeAddress(t *testing.T) {
	addr := Address{0x01, 0x02}
	s := Script{Type: ScriptTypeP2PKH, Data: addr.Bytes()}

	got, ok := s.PayeeAddress()
	if !ok {
		t.Fatal("P2PKH script should yield an address")
	}
	if got != addr {
		t.Errorf("address = %s, want %s", got, addr)
	}
}

func TestScript_PayeeAddress_NonP2PKH(t *testing.T) {
	s := Script{Type: ScriptTypeP2SH, Data: make([]byte, AddressSize)}
	if _, ok := s.PayeeAddress(); ok {
		t.Error("P2SH script should not yield an address")
	}

	short := Script{Type: ScriptTypeP2PKH, Data: []byte{0x01}}
	if _, ok := short.PayeeAddress(); ok {
		t.Error("short P2PKH data should not yield an address")
	}
}

func TestScript_JSONRoundTrip(t *testing.T) {
	s := Script{Type: ScriptTypeP2PKH, Data: []byte{0x01, 0x02, 0x03}}
	data, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back Script
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.Type != s.Type || !bytes.Equal(back.Data, s.Data) {
		t.Errorf("round trip mismatch: %+v != %+v", back, s)
	}
}

func TestScriptType_String(t *testing.T) {
	if ScriptTypeP2PKH.String() != "P2PKH" {
		t.Error("P2PKH name")
	}
	if ScriptType(0xEE).String() != "Unknown" {
		t.Error("unknown type name")
	}
}

func TestOutpoint_String(t *testing.T) {
	o := Outpoint{TxID: Hash{0xab}, Index: 7}
	want := o.TxID.String() + ":7"
	if o.String() != want {
		t.Errorf("String() = %q, want %q", o.String(), want)
	}
}

func TestOutpoint_IsZero(t *testing.T) {
	var zero Outpoint
	if !zero.IsZero() {
		t.Error("zero outpoint should be zero")
	}
	if (Outpoint{Index: 1}).IsZero() {
		t.Error("outpoint with index should not be zero")
	}
}
