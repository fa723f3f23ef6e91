package permissions

import (
	"fmt"
	"strconv"
)

// Bitmap is a 128-bit permission set. Lo carries bits 0-63, Hi carries bits
// 64-127. The zero value is the empty set.
type Bitmap struct {
	Lo uint64
	Hi uint64
}

// Bit returns a bitmap with the single bit at pos set. Positions outside
// [0, 127] return the empty bitmap.
func Bit(pos uint) Bitmap {
	switch {
	case pos < 64:
		return Bitmap{Lo: 1 << pos}
	case pos < 128:
		return Bitmap{Hi: 1 << (pos - 64)}
	default:
		return Bitmap{}
	}
}

// Merge rebuilds a bitmap from its two stored halves.
func Merge(lo, hi uint64) Bitmap {
	return Bitmap{Lo: lo, Hi: hi}
}

// Split returns the two 64-bit halves for storage.
func (b Bitmap) Split() (lo, hi uint64) {
	return b.Lo, b.Hi
}

// Has reports whether every bit in p is set in b.
func (b Bitmap) Has(p Bitmap) bool {
	return b.Lo&p.Lo == p.Lo && b.Hi&p.Hi == p.Hi
}

// Grant returns b with every bit in p set.
func (b Bitmap) Grant(p Bitmap) Bitmap {
	return Bitmap{Lo: b.Lo | p.Lo, Hi: b.Hi | p.Hi}
}

// Revoke returns b with every bit in p cleared.
func (b Bitmap) Revoke(p Bitmap) Bitmap {
	return Bitmap{Lo: b.Lo &^ p.Lo, Hi: b.Hi &^ p.Hi}
}

// Union returns the OR of b and o.
func (b Bitmap) Union(o Bitmap) Bitmap {
	return b.Grant(o)
}

// IsZero reports whether no bit is set.
func (b Bitmap) IsZero() bool {
	return b.Lo == 0 && b.Hi == 0
}

// CanDelegate implements the superset rule: target must be a subset of
// grantor for the delegation to be allowed.
func CanDelegate(grantor, target Bitmap) bool {
	return grantor.Has(target)
}

// LoString and HiString render the halves as decimal strings. The wire layer
// uses strings because both halves exceed the 53-bit range representable in
// an IEEE-754 double.
func (b Bitmap) LoString() string {
	return strconv.FormatUint(b.Lo, 10)
}

func (b Bitmap) HiString() string {
	return strconv.FormatUint(b.Hi, 10)
}

// Parse rebuilds a bitmap from decimal string halves, the stored form.
func Parse(lo, hi string) (Bitmap, error) {
	l, err := strconv.ParseUint(lo, 10, 64)
	if err != nil {
		return Bitmap{}, fmt.Errorf("invalid low bitmap %q: %w", lo, err)
	}
	h, err := strconv.ParseUint(hi, 10, 64)
	if err != nil {
		return Bitmap{}, fmt.Errorf("invalid high bitmap %q: %w", hi, err)
	}
	return Bitmap{Lo: l, Hi: h}, nil
}
