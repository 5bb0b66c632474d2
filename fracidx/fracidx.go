package fracidx

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// An index is the digit expansion of a fraction in (0, 1) written in base `radix`
// with the alphabet `minDigit..maxDigit`. Trailing zero digits are never written,
// so two distinct indices never denote the same number and the byte order of
// the strings is the numeric order.
//
// The alphabet is the largest printable range that needs no escaping in json.

const (
	minDigit = 0x23
	maxDigit = 0x7e
	radix    = maxDigit - minDigit + 1
)

type Index string

const (
	// numeric 0, before every index in a list
	BeforeFirst Index = ""
	// numeric 1, after every index in a list. 0x7f sorts after every digit.
	AfterLast Index = "\x7f"
)

var (
	ErrEqual          = errors.New("fracidx: indices are equal")
	ErrOutOfRange     = errors.New("fracidx: fraction is outside [0, 1]")
	ErrNonTerminating = errors.New("fracidx: fraction has no finite expansion")
)

var (
	bigOne   = big.NewInt(1)
	bigTwo   = big.NewInt(2)
	bigRadix = big.NewInt(radix)
	// prime factors of radix
	radixPrimes = []*big.Int{big.NewInt(2), big.NewInt(23)}
)

func (self Index) IsSentinel() bool {
	return self == BeforeFirst || self == AfterLast
}

func (self Index) Less(other Index) bool {
	return self < other
}

// debug form, `"<n>/<d>"` in base 10
func (self Index) String() string {
	return Rational(self)
}

// Validate checks that `idx` is a non-sentinel index in canonical form.
func Validate(idx Index) error {
	if idx.IsSentinel() {
		return fmt.Errorf("fracidx: sentinel is not a position")
	}
	for i := 0; i < len(idx); i += 1 {
		digit := idx[i]
		if digit < minDigit || maxDigit < digit {
			return fmt.Errorf("fracidx: digit out of range at %d: 0x%02x", i, digit)
		}
	}
	if idx[len(idx)-1] == minDigit {
		return fmt.Errorf("fracidx: trailing zero digit")
	}
	return nil
}

func toRat(idx Index) (*big.Rat, error) {
	switch idx {
	case BeforeFirst:
		return new(big.Rat), nil
	case AfterLast:
		return new(big.Rat).SetInt64(1), nil
	}
	if err := Validate(idx); err != nil {
		return nil, err
	}
	n := new(big.Int)
	d := big.NewInt(1)
	for i := 0; i < len(idx); i += 1 {
		n.Mul(n, bigRadix)
		n.Add(n, big.NewInt(int64(idx[i]-minDigit)))
		d.Mul(d, bigRadix)
	}
	return new(big.Rat).SetFrac(n, d), nil
}

// Deserialize returns the reduced numerator and denominator of `idx`.
func Deserialize(idx Index) (n *big.Int, d *big.Int, err error) {
	r, err := toRat(idx)
	if err != nil {
		return nil, nil, err
	}
	return new(big.Int).Set(r.Num()), new(big.Int).Set(r.Denom()), nil
}

// Serialize reduces `n/d` and encodes it as an index.
// 0 and 1 encode to the sentinels.
func Serialize(n *big.Int, d *big.Int) (Index, error) {
	if d.Sign() == 0 {
		return BeforeFirst, fmt.Errorf("fracidx: zero denominator")
	}
	return fromRat(new(big.Rat).SetFrac(n, d))
}

func fromRat(r *big.Rat) (Index, error) {
	if r.Sign() < 0 || 0 < r.Cmp(new(big.Rat).SetInt64(1)) {
		return BeforeFirst, ErrOutOfRange
	}
	if r.Sign() == 0 {
		return BeforeFirst, nil
	}
	if r.IsInt() {
		return AfterLast, nil
	}

	// the expansion is finite iff the denominator has no prime factors outside the radix
	rest := new(big.Int).Set(r.Denom())
	for _, p := range radixPrimes {
		for {
			q, rem := new(big.Int).QuoRem(rest, p, new(big.Int))
			if rem.Sign() != 0 {
				break
			}
			rest = q
		}
	}
	if rest.Cmp(bigOne) != 0 {
		return BeforeFirst, ErrNonTerminating
	}

	var out strings.Builder
	num := new(big.Int).Set(r.Num())
	den := r.Denom()
	for num.Sign() != 0 {
		num.Mul(num, bigRadix)
		digit, rem := new(big.Int).QuoRem(num, den, new(big.Int))
		out.WriteByte(byte(minDigit + digit.Int64()))
		num = rem
	}
	return Index(out.String()), nil
}

// Rational formats `idx` as `"<n>/<d>"` in base 10.
func Rational(idx Index) string {
	r, err := toRat(idx)
	if err != nil {
		return fmt.Sprintf("invalid(%q)", string(idx))
	}
	return fmt.Sprintf("%s/%s", r.Num(), r.Denom())
}

// FromRational parses the `"<n>/<d>"` form.
func FromRational(s string) (Index, error) {
	r, ok := new(big.Rat).SetString(s)
	if !ok {
		return BeforeFirst, fmt.Errorf("fracidx: cannot parse %q", s)
	}
	return fromRat(r)
}

// Cmp compares `a` and `b` numerically by cross multiplication.
// Equal indices are an error. Callers must break the tie with an entity id.
func Cmp(a Index, b Index) (int, error) {
	an, ad, err := Deserialize(a)
	if err != nil {
		return 0, err
	}
	bn, bd, err := Deserialize(b)
	if err != nil {
		return 0, err
	}
	left := new(big.Int).Mul(an, bd)
	right := new(big.Int).Mul(bn, ad)
	c := left.Cmp(right)
	if c == 0 {
		return 0, ErrEqual
	}
	return c, nil
}

// Mid returns an index strictly between `a` and `b`, in either argument order.
//
// Between two positions the result is the exact midpoint.
// When one side is a sentinel the result is placed as close to the other side as
// a short key allows, so that repeated appends and prepends grow slowly.
func Mid(a Index, b Index) (Index, error) {
	c, err := Cmp(a, b)
	if err != nil {
		return BeforeFirst, err
	}
	if 0 < c {
		a, b = b, a
	}

	switch {
	case a == BeforeFirst && b == AfterLast:
		return midpoint(a, b)
	case b == AfterLast:
		if idx, ok := stepUp(a); ok {
			return idx, nil
		}
		return midpoint(a, b)
	case a == BeforeFirst:
		if idx, ok := stepDown(b); ok {
			return idx, nil
		}
		return midpoint(a, b)
	default:
		return midpoint(a, b)
	}
}

// RequireMid is Mid for arguments known to be distinct and valid.
func RequireMid(a Index, b Index) Index {
	idx, err := Mid(a, b)
	if err != nil {
		panic(err)
	}
	return idx
}

// (an·bd + bn·ad) / (2·ad·bd)
func midpoint(a Index, b Index) (Index, error) {
	an, ad, err := Deserialize(a)
	if err != nil {
		return BeforeFirst, err
	}
	bn, bd, err := Deserialize(b)
	if err != nil {
		return BeforeFirst, err
	}
	n := new(big.Int).Add(
		new(big.Int).Mul(an, bd),
		new(big.Int).Mul(bn, ad),
	)
	d := new(big.Int).Mul(ad, bd)
	d.Mul(d, bigTwo)
	return Serialize(n, d)
}

// the shortest index greater than `a` formed by incrementing a digit of a prefix of `a`
func stepUp(a Index) (Index, bool) {
	for i := 0; i < len(a); i += 1 {
		if a[i] < maxDigit {
			out := []byte(a[:i+1])
			out[i] += 1
			return Index(out), true
		}
	}
	return BeforeFirst, false
}

// the shortest index less than `b` formed by decrementing a digit of a prefix of `b`.
// The decremented digit must stay non-zero to keep the result canonical and positive.
func stepDown(b Index) (Index, bool) {
	for i := 0; i < len(b); i += 1 {
		if minDigit+1 < b[i] {
			out := []byte(b[:i+1])
			out[i] -= 1
			return Index(out), true
		}
	}
	return BeforeFirst, false
}
