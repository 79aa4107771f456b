package bafang

import "fmt"

// Profile is the in-memory device configuration: at most one record per
// block. Info is informational and never written back to the controller.
type Profile struct {
	Info     *Info           `yaml:"info,omitempty" json:"info,omitempty"`
	Basic    *BasicRecord    `yaml:"basic,omitempty" json:"basic,omitempty"`
	Pedal    *PedalRecord    `yaml:"pedal,omitempty" json:"pedal,omitempty"`
	Throttle *ThrottleRecord `yaml:"throttle,omitempty" json:"throttle,omitempty"`
}

// Has reports whether the profile holds a record for b.
func (p *Profile) Has(b Block) bool {
	switch b {
	case General:
		return p.Info != nil
	case Basic:
		return p.Basic != nil
	case Pedal:
		return p.Pedal != nil
	case Throttle:
		return p.Throttle != nil
	}
	return false
}

// Empty reports whether no block has been read or imported.
func (p *Profile) Empty() bool {
	return p.Info == nil && p.Basic == nil && p.Pedal == nil && p.Throttle == nil
}

// Clone returns a deep copy. Records hold only value fields, so copying the
// pointed-to structs is sufficient.
func (p *Profile) Clone() *Profile {
	c := &Profile{}
	if p.Info != nil {
		v := *p.Info
		c.Info = &v
	}
	if p.Basic != nil {
		v := *p.Basic
		c.Basic = &v
	}
	if p.Pedal != nil {
		v := *p.Pedal
		c.Pedal = &v
	}
	if p.Throttle != nil {
		v := *p.Throttle
		c.Throttle = &v
	}
	return c
}

// Decode decodes a complete read response, dispatching on its block id, and
// stores the record. The profile is left untouched on error.
func (p *Profile) Decode(frame []byte) (Block, error) {
	if len(frame) == 0 {
		return 0, fmt.Errorf("%w: empty frame", ErrUnknownBlock)
	}
	b := Block(frame[0])
	var err error
	switch b {
	case General:
		var rec *Info
		if rec, err = DecodeInfo(frame); err == nil {
			p.Info = rec
		}
	case Basic:
		var rec *BasicRecord
		if rec, err = DecodeBasic(frame); err == nil {
			p.Basic = rec
		}
	case Pedal:
		var rec *PedalRecord
		if rec, err = DecodePedal(frame); err == nil {
			p.Pedal = rec
		}
	case Throttle:
		var rec *ThrottleRecord
		if rec, err = DecodeThrottle(frame); err == nil {
			p.Throttle = rec
		}
	default:
		return b, fmt.Errorf("%w: 0x%02X", ErrUnknownBlock, byte(b))
	}
	return b, err
}

// Encode returns the write payload for block b.
func (p *Profile) Encode(b Block) ([]byte, error) {
	switch b {
	case General:
		return nil, fmt.Errorf("%s: %w", b, ErrReadOnly)
	case Basic:
		if p.Basic != nil {
			return EncodeBasic(p.Basic), nil
		}
	case Pedal:
		if p.Pedal != nil {
			return EncodePedal(p.Pedal), nil
		}
	case Throttle:
		if p.Throttle != nil {
			return EncodeThrottle(p.Throttle), nil
		}
	default:
		return nil, fmt.Errorf("%w: 0x%02X", ErrUnknownBlock, byte(b))
	}
	return nil, fmt.Errorf("%s: %w", b, ErrNoRecord)
}
