package logging

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMaskField(t *testing.T) {
	require.Equal(t, RedactedValue, MaskField("destination", "4secret").Value.String())
	require.Equal(t, "abc", MaskField("trade_id", "abc").Value.String())
	require.Equal(t, "", MaskField("destination", "").Value.String())
	require.True(t, IsAllowlisted(" TX_HASH "))
	require.False(t, IsAllowlisted("wallet_token"))
}

func TestMaskAddress(t *testing.T) {
	addr := "4" + strings.Repeat("A", 93) + "Z"
	masked := MaskAddress(addr)
	require.Equal(t, "4AAAAA...AAAAAZ", masked)
	require.Equal(t, RedactedValue, MaskAddress("short"))
	require.Equal(t, "", MaskAddress(" "))
}
