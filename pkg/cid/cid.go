// Package cid converts between 32-byte identity commitments and the
// self-describing content identifiers used to address off-chain artifacts.
//
// A content identifier is the base58 (Bitcoin alphabet) encoding of a
// 34-byte multihash: a fixed two byte descriptor (sha2-256 function tag,
// 32 byte length tag) followed by the digest.
package cid

import (
	"github.com/mr-tron/base58"

	"github.com/celerix-dev/celerix-identity/pkg/engine"
)

const (
	// HashFunction is the multihash tag for sha2-256.
	HashFunction byte = 0x12
	// DigestLength is the multihash length tag for a 32 byte digest.
	DigestLength byte = 0x20

	// Size is the decoded length of a content identifier.
	Size = 2 + engine.CommitmentSize
)

// ContentID is a printable, self-describing reference to off-chain content.
type ContentID string

// String implements fmt.Stringer.
func (id ContentID) String() string {
	return string(id)
}

// Encode prefixes the descriptor to a 32-byte commitment and base58
// encodes the result.
func Encode(commitment []byte) (ContentID, error) {
	if len(commitment) != engine.CommitmentSize {
		return "", engine.Newf(engine.CodeInvalidCommitmentLength,
			"commitment must be %d bytes, got %d", engine.CommitmentSize, len(commitment))
	}

	buf := make([]byte, Size)
	buf[0] = HashFunction
	buf[1] = DigestLength
	copy(buf[2:], commitment)
	return ContentID(base58.Encode(buf)), nil
}

// EncodeCommitment is Encode for an already sized commitment. It cannot fail.
func EncodeCommitment(c engine.Commitment) ContentID {
	id, _ := Encode(c[:])
	return id
}

// Decode reverses Encode and returns the trailing 32 bytes.
func Decode(id ContentID) (engine.Commitment, error) {
	var c engine.Commitment

	raw, err := base58.Decode(string(id))
	if err != nil {
		return c, engine.Wrap(engine.CodeMalformedContentID, "decode content identifier", err)
	}
	if len(raw) != Size {
		return c, engine.Newf(engine.CodeMalformedContentID,
			"content identifier must decode to %d bytes, got %d", Size, len(raw))
	}
	if raw[0] != HashFunction || raw[1] != DigestLength {
		return c, engine.Newf(engine.CodeUnsupportedDescriptor,
			"unsupported descriptor 0x%02x%02x", raw[0], raw[1])
	}

	copy(c[:], raw[2:])
	return c, nil
}

// Parse validates a textual content identifier.
func Parse(s string) (ContentID, error) {
	id := ContentID(s)
	if _, err := Decode(id); err != nil {
		return "", err
	}
	return id, nil
}
