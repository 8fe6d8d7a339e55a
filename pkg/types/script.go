package types

import (
	"encoding/hex"
	"encoding/json"
)

// ScriptType identifies the type of locking/unlocking script.
type ScriptType uint8

const (
	ScriptTypeP2PKH ScriptType = 0x01 // Pay to public key hash
	ScriptTypeP2SH  ScriptType = 0x02 // Pay to script hash
)

// String returns a human-readable name for the script type.
func (st ScriptType) String() string {
	switch st {
	case ScriptTypeP2PKH:
		return "P2PKH"
	case ScriptTypeP2SH:
		return "P2SH"
	default:
		return "Unknown"
	}
}

// Script defines the locking condition for an output.
type Script struct {
	Type ScriptType `json:"type"`
	Data []byte     `json:"data"`
}

// PayeeAddress extracts the payment address a script pays to.
// Only P2PKH scripts carry a recoverable address; the second return
// value reports whether extraction succeeded.
func (s Script) PayeeAddress() (Address, bool) {
	if s.Type != ScriptTypeP2PKH || len(s.Data) != AddressSize {
		return Address{}, false
	}
	var a Address
	copy(a[:], s.Data)
	return a, true
}

// scriptJSON is the JSON representation of a Script with hex-encoded data.
type scriptJSON struct {
	Type ScriptType `json:"type"`
	Data string     `json:"data"`
}

// MarshalJSON encodes the script with hex-encoded data.
func (s Script) MarshalJSON() ([]byte, error) {
	return json.Marshal(scriptJSON{
		Type: s.Type,
		Data: hex.EncodeToString(s.Data),
	})
}

// UnmarshalJSON decodes a script with hex-encoded data.
func (s *Script) UnmarshalJSON(data []byte) error {
	var j scriptJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	s.Type = j.Type
	if j.Data != "" {
		b, err := hex.DecodeString(j.Data)
		if err != nil {
			return err
		}
		s.Data = b
	}
	return nil
}
