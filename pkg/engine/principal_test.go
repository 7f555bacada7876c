package engine

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const walletHex = "0x7f8e9d5a3b1c0e4f2d6a8b9c7e5f3d2a1b0c9e8d"

func TestParsePrincipalHex(t *testing.T) {
	p, err := ParsePrincipal(walletHex)
	require.NoError(t, err)
	require.Equal(t, walletHex, p.String())
	require.Len(t, p.Bytes(), PrincipalSize)
}

func TestParsePrincipalAddressRoundTrip(t *testing.T) {
	p := MustParsePrincipal(walletHex)

	back, err := ParsePrincipal(p.Address())
	require.NoError(t, err)
	require.Equal(t, p, back)
}

func TestParsePrincipalRejects(t *testing.T) {
	for _, s := range []string{"", "0x1234", "not-an-address", "0x0000000000000000000000000000000000000000"} {
		_, err := ParsePrincipal(s)
		require.ErrorIs(t, err, ErrInvalidPrincipal, s)
	}
}

func TestPrincipalJSON(t *testing.T) {
	p := MustParsePrincipal(walletHex)
	data, err := json.Marshal(map[string]Principal{"p": p})
	require.NoError(t, err)
	require.JSONEq(t, `{"p":"`+walletHex+`"}`, string(data))

	var out map[string]Principal
	require.NoError(t, json.Unmarshal(data, &out))
	require.Equal(t, p, out["p"])
}

func TestParseCommitment(t *testing.T) {
	c, err := ParseCommitment("0x" + "ab" + strings.Repeat("00", 31))
	require.NoError(t, err)
	require.False(t, c.IsZero())
	require.Equal(t, byte(0xab), c[0])

	_, err = ParseCommitment("abcd")
	require.ErrorIs(t, err, ErrInvalidCommitmentLength)

	_, err = ParseCommitment("zz")
	require.ErrorIs(t, err, ErrInvalidCommitmentLength)
}
