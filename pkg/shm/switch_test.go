package shm

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSwitchValueRoundTrip(t *testing.T) {
	v := SwitchValue{
		Handle:    7,
		Transport: TransportInherited,
		GUID:      GUID{High: 0xDEADBEEF, Low: 1<<63 + 5},
		Size:      4096,
	}
	s := v.String()
	assert.Equal(t, "7,i,3735928559,9223372036854775813,4096", s)

	got, err := ParseSwitchValue(s, 8<<20)
	require.NoError(t, err)
	assert.Equal(t, v, got)
}

func TestParseSwitchValueErrors(t *testing.T) {
	cases := []struct {
		value string
		code  SwitchCode
	}{
		{"", CodeUnexpectedTokenCount},
		{"1,i,2,3", CodeUnexpectedTokenCount},
		{"1,i,2,3,4,5", CodeUnexpectedTokenCount},
		{"x,i,2,3,4", CodeParseHandleFailed},
		{"-1,i,2,3,4", CodeParseHandleFailed},
		{"1,q,2,3,4", CodeUnexpectedHandleType},
		{"1,ii,2,3,4", CodeUnexpectedHandleType},
		{"1,i,z,3,4", CodeDeserializeGUIDFailed},
		{"1,i,2,z,4", CodeDeserializeGUIDFailed},
		{"1,i,0,0,4", CodeDeserializeGUIDFailed},
		{"1,i,2,3,z", CodeDeserializeSizeFailed},
		{"1,i,2,3,0", CodeDeserializeSizeFailed},
		{"1,i,2,3,8388609", CodeDeserializeSizeFailed},
	}
	for _, c := range cases {
		_, err := ParseSwitchValue(c.value, 8<<20)
		var serr *SwitchError
		if assert.True(t, errors.As(err, &serr), "value %q", c.value) {
			assert.Equal(t, c.code, serr.Code, "value %q", c.value)
			assert.Equal(t, c.value, serr.Value)
		}
	}

	for _, mode := range []string{"i", "r", "p"} {
		_, err := ParseSwitchValue("1,"+mode+",2,3,8388608", 8<<20)
		assert.NoError(t, err, "mode %s", mode)
	}
}

func TestSwitchCodeString(t *testing.T) {
	assert.Equal(t, "unexpected token count", CodeUnexpectedTokenCount.String())
	assert.Equal(t, "code(99)", SwitchCode(99).String())
}

func TestSwitchFromArgs(t *testing.T) {
	args := []string{"prog", "--other=1", "--shm=1,i,2,3,4", "--tail", "x"}
	v, ok := SwitchFromArgs(args, "shm")
	assert.True(t, ok)
	assert.Equal(t, "1,i,2,3,4", v)

	v, ok = SwitchFromArgs(args, "tail")
	assert.True(t, ok)
	assert.Equal(t, "x", v)

	_, ok = SwitchFromArgs(args, "missing")
	assert.False(t, ok)
	_, ok = SwitchFromArgs([]string{"--shm"}, "shm")
	assert.False(t, ok)
}

func TestRendezvousHandlesUnavailable(t *testing.T) {
	_, err := ReadOnlyRegionFromSwitch(t.Context(), "5,r,1,2,4096")
	var serr *SwitchError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, CodeHandleUnavailable, serr.Code)
}
