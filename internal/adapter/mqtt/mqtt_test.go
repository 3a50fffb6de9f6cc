package mqtt

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/clustercockpit/acquisition-gateway/internal/schema"
)

func TestSplitTopics(t *testing.T) {
	assert.Equal(t, []string{"a/b", "c/d"}, splitTopics("a/b, c/d"))
	assert.Nil(t, splitTopics(""))
	assert.Equal(t, []string{"x"}, splitTopics(" x "))
}

func TestParseMessage_JSONObjectMatchesPointCodes(t *testing.T) {
	points := []schema.Point{{Code: "temp"}, {Code: "humidity"}}
	m := message{payload: []byte(`{"temp": 21.5, "humidity": 40, "unrelated": true}`), timestamp: 1}

	readings := parseMessage(m, points)
	assert.Len(t, readings, 2)

	byCode := map[string]schema.Reading{}
	for _, r := range readings {
		byCode[r.Code] = r
	}
	assert.Equal(t, schema.KindF64, byCode["temp"].Value.Kind)
	assert.InDelta(t, 21.5, byCode["temp"].Value.F64, 0.001)
	assert.Equal(t, schema.KindI64, byCode["humidity"].Value.Kind)
	assert.Equal(t, int64(40), byCode["humidity"].Value.I64)
}

func TestParseMessage_ScalarPayloadSinglePoint(t *testing.T) {
	points := []schema.Point{{Code: "only"}}
	m := message{payload: []byte(`42.5`), timestamp: 1}

	readings := parseMessage(m, points)
	assert.Len(t, readings, 1)
	assert.Equal(t, "only", readings[0].Code)
	assert.InDelta(t, 42.5, readings[0].Value.F64, 0.001)
}

func TestParseMessage_ScalarPayloadMultiplePointsDropped(t *testing.T) {
	points := []schema.Point{{Code: "a"}, {Code: "b"}}
	m := message{payload: []byte(`42`), timestamp: 1}
	assert.Nil(t, parseMessage(m, points))
}

func TestParseMessage_NonJSONPlainTextSinglePoint(t *testing.T) {
	points := []schema.Point{{Code: "raw"}}
	m := message{payload: []byte(`not json at all`), timestamp: 1}

	readings := parseMessage(m, points)
	assert.Len(t, readings, 1)
	assert.Equal(t, schema.KindString, readings[0].Value.Kind)
	assert.Equal(t, "not json at all", readings[0].Value.Str)
}

func TestParseMessage_JSONObjectNoMatches(t *testing.T) {
	points := []schema.Point{{Code: "temp"}}
	m := message{payload: []byte(`{"other": 1}`), timestamp: 1}
	assert.Empty(t, parseMessage(m, points))
}
