package engine

import (
	"bytes"
	"encoding/hex"
	"strings"

	"github.com/nspcc-dev/neo-go/pkg/encoding/address"
	"github.com/nspcc-dev/neo-go/pkg/util"
)

// PrincipalSize is the byte length of a principal identifier.
const PrincipalSize = util.Uint160Size

// Principal is an authenticated, fixed-size identifier (a wallet-style
// account hash). The zero value is not a valid principal.
type Principal util.Uint160

// ParsePrincipal accepts either a 0x-prefixed big-endian hex string of 20
// bytes (wallet style) or a Neo base58check address.
func ParsePrincipal(s string) (Principal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Principal{}, ErrInvalidPrincipal
	}

	var (
		u   util.Uint160
		err error
	)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		u, err = util.Uint160DecodeStringBE(s[2:])
	} else {
		u, err = address.StringToUint160(s)
	}
	if err != nil {
		return Principal{}, Wrap(CodeInvalidPrincipal, "parse principal "+s, err)
	}

	p := Principal(u)
	if p.IsZero() {
		return Principal{}, ErrInvalidPrincipal
	}
	return p, nil
}

// MustParsePrincipal is ParsePrincipal that panics on error. For tests and
// constants only.
func MustParsePrincipal(s string) Principal {
	p, err := ParsePrincipal(s)
	if err != nil {
		panic(err)
	}
	return p
}

// PrincipalFromBytes builds a principal from 20 big-endian bytes.
func PrincipalFromBytes(b []byte) (Principal, error) {
	u, err := util.Uint160DecodeBytesBE(b)
	if err != nil {
		return Principal{}, Wrap(CodeInvalidPrincipal, "decode principal bytes", err)
	}
	return Principal(u), nil
}

// String returns the 0x-prefixed big-endian hex form.
func (p Principal) String() string {
	return "0x" + util.Uint160(p).StringBE()
}

// Address returns the Neo base58check address form.
func (p Principal) Address() string {
	return address.Uint160ToString(util.Uint160(p))
}

// Bytes returns the big-endian bytes of the principal.
func (p Principal) Bytes() []byte {
	return util.Uint160(p).BytesBE()
}

// IsZero reports whether p is the empty principal.
func (p Principal) IsZero() bool {
	return p == Principal{}
}

// Compare orders principals by their big-endian bytes.
func (p Principal) Compare(other Principal) int {
	return bytes.Compare(p.Bytes(), other.Bytes())
}

// MarshalText implements encoding.TextMarshaler.
func (p Principal) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Principal) UnmarshalText(text []byte) error {
	parsed, err := ParsePrincipal(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// CommitmentSize is the byte length of an identity commitment.
const CommitmentSize = 32

// Commitment is the 32-byte value anchoring a biometric artifact without
// revealing it.
type Commitment [CommitmentSize]byte

// CommitmentFromBytes validates the length of b and copies it.
func CommitmentFromBytes(b []byte) (Commitment, error) {
	var c Commitment
	if len(b) != CommitmentSize {
		return c, Newf(CodeInvalidCommitmentLength, "commitment must be %d bytes, got %d", CommitmentSize, len(b))
	}
	copy(c[:], b)
	return c, nil
}

// ParseCommitment decodes a hex commitment, with or without 0x prefix.
func ParseCommitment(s string) (Commitment, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(s), "0x"), "0X")
	b, err := hex.DecodeString(s)
	if err != nil {
		return Commitment{}, Wrap(CodeInvalidCommitmentLength, "decode commitment hex", err)
	}
	return CommitmentFromBytes(b)
}

// IsZero reports whether every byte of c is zero.
func (c Commitment) IsZero() bool {
	return c == Commitment{}
}

// String returns the 0x-prefixed hex form.
func (c Commitment) String() string {
	return "0x" + hex.EncodeToString(c[:])
}

// MarshalText implements encoding.TextMarshaler.
func (c Commitment) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Commitment) UnmarshalText(text []byte) error {
	parsed, err := ParseCommitment(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
