package bridge

import (
	"testing"

	"github.com/jrepp/simbridge/pkg/simerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToken(t *testing.T) {
	assert.Equal(t, "ep:0:0:1:true", Token("ep", 0, 1, nil))
	seed := int64(-3)
	assert.Equal(t, "ep:0:0:1:true:-3", Token("ep", 0, 1, &seed))
}

func TestStepMessage(t *testing.T) {
	assert.Equal(t, "<StepClient0>move 1</StepClient0 >", StepMessage("move 1"))
}

func TestStepRecord(t *testing.T) {
	raw := EncodeStepRecord(StepRecord{Reward: 2.5, Done: true})
	require.Len(t, raw, 10)

	rec, err := ParseStepRecord(raw)
	require.NoError(t, err)
	assert.Equal(t, 2.5, rec.Reward)
	assert.True(t, rec.Done)
	assert.False(t, rec.Sent)

	_, err = ParseStepRecord(raw[:9])
	assert.True(t, simerr.IsCode(err, simerr.CodeProtocolError))
}

func TestParseDone(t *testing.T) {
	done, err := parseDone([]byte{1})
	require.NoError(t, err)
	assert.True(t, done)

	_, err = parseDone(nil)
	assert.True(t, simerr.IsCode(err, simerr.CodeProtocolError))
}

func TestParseInfo(t *testing.T) {
	obs, err := parseInfo([]byte(`{"life": 20}`), []byte{1, 2})
	require.NoError(t, err)
	assert.Equal(t, float64(20), obs["life"])
	assert.Equal(t, []byte{1, 2}, obs.POV())

	obs, err = parseInfo([]byte("null"), nil)
	require.NoError(t, err)
	assert.Contains(t, obs, POVKey)

	_, err = parseInfo([]byte("[1]"), nil)
	assert.True(t, simerr.IsCode(err, simerr.CodeProtocolError))
}

func TestValidateCommand(t *testing.T) {
	for _, ok := range []string{"/summon pig", "/kill @e", "/time set day", "/weather clear",
		"/replaceitem entity @p slot.armor.head diamond_helmet", "/tp 0 4 0", "/clear", "/setblock 0 4 0 stone",
		"/spreadplayers ~ ~ 0 5 false @p"} {
		assert.NoError(t, ValidateCommand(ok), ok)
	}
	for _, bad := range []string{"summon pig", "/op me", " /time", ""} {
		assert.Error(t, ValidateCommand(bad), bad)
	}
}
