package packet

import (
	"github.com/stretchr/testify/assert"
	"testing"
)

func TestLength_Bytes(t *testing.T) {
	d := []byte("bridge")
	l1, err := LengthOf(d)
	assert.Nil(t, err)
	assert.EqualValues(t, len(d), l1)
	l2, err := DecodeLength(l1.Bytes())
	assert.Nil(t, err)
	assert.EqualValues(t, len(d), l2)
}

func TestDecodeLength_WrongSize(t *testing.T) {
	_, err := DecodeLength([]byte{0, 1})
	assert.NotNil(t, err)
}

func TestLengthOf_TooLarge(t *testing.T) {
	_, err := LengthOf(make([]byte, MaxLength+1))
	assert.ErrorIs(t, err, ErrTooLarge)
}
