package vorbis_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dudk/phonograph"
	"github.com/dudk/phonograph/vorbis"
)

func TestDecodeInvalid(t *testing.T) {
	_, err := vorbis.Decode(bytes.NewReader([]byte("OggS is not enough")))
	assert.ErrorIs(t, err, phonograph.ErrInvalidFormat)
}
