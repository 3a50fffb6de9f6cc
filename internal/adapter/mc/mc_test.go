package mc

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/clustercockpit/acquisition-gateway/internal/schema"
)

func TestParseAddress(t *testing.T) {
	cases := []struct {
		raw      string
		wantCode deviceCode
		wantNum  int64
		wantOk   bool
	}{
		{"D100", deviceD, 100, true},
		{"M0", deviceM, 0, true},
		{"X1A", deviceX, 0, false}, // hex suffixes unsupported, rejected not guessed
		{"Y7", deviceY, 7, true},
		{"Q5", 0, 0, false},
		{"D", 0, 0, false},
		{"", 0, 0, false},
	}
	for _, c := range cases {
		got := parseAddress(c.raw)
		assert.Equal(t, c.wantOk, got.ok, "address %s", c.raw)
		if c.wantOk {
			assert.Equal(t, c.wantCode, got.code, "address %s", c.raw)
			assert.Equal(t, c.wantNum, got.number, "address %s", c.raw)
		}
	}
}

func TestIsBitDevice(t *testing.T) {
	assert.True(t, isBitDevice(deviceM))
	assert.True(t, isBitDevice(deviceX))
	assert.True(t, isBitDevice(deviceY))
	assert.False(t, isBitDevice(deviceD))
}

func TestSwapWord(t *testing.T) {
	assert.Equal(t, uint32(0x0000ffff), swapWord(0xffff0000))
}

func TestDecodeValue_WordI16(t *testing.T) {
	p := schema.Point{Code: "P1", Type: schema.PointTypeI16}
	raw := []byte{0x64, 0x00} // little-endian 100
	r := decodeValue(p, raw, 0, false, 1)
	assert.Equal(t, schema.QualityGood, r.Quality)
	assert.Equal(t, int64(100), r.Value.I64)
}

func TestDecodeValue_WordF32Swapped(t *testing.T) {
	p := schema.Point{Code: "P2", Type: schema.PointTypeF32Swapped}
	// 1.5f = 0x3FC00000; wire order puts the halves swapped, so the
	// pre-swap assembled word must be 0x00003FC0.
	raw := []byte{0xC0, 0x3F, 0x00, 0x00}
	r := decodeValue(p, raw, 0, false, 1)
	assert.Equal(t, schema.QualityGood, r.Quality)
	assert.InDelta(t, 1.5, r.Value.F64, 0.0001)
}

func TestDecodeValue_BitDevice(t *testing.T) {
	p := schema.Point{Code: "M1", Type: schema.PointTypeBool}
	raw := []byte{0x01, 0x00, 0x01}
	assert.True(t, decodeValue(p, raw, 0, true, 1).Value.Bool)
	assert.False(t, decodeValue(p, raw, 1, true, 1).Value.Bool)
	assert.True(t, decodeValue(p, raw, 2, true, 1).Value.Bool)
}

func TestBuildReadFrame_WordSubcommand(t *testing.T) {
	frame := buildReadFrame(deviceD, 100, 4, false)
	assert.Equal(t, byte(0x50), frame[0])
	// command = batch read (0x0401) at indices 11-12, subcommand (word
	// units = 0x0000) at indices 13-14.
	assert.Equal(t, byte(0x01), frame[11])
	assert.Equal(t, byte(0x04), frame[12])
	assert.Equal(t, byte(0x00), frame[13])
}

func TestBuildReadFrame_BitSubcommand(t *testing.T) {
	frame := buildReadFrame(deviceM, 0, 16, true)
	assert.Equal(t, byte(0x01), frame[13])
}
