package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/deepzoom/tilecache/internal/tilecache"
)

func TestConversionPath_Direct(t *testing.T) {
	r := New(zap.NewNop())
	path := r.ConversionPath(JPEG, Raw)
	require.Len(t, path, 1)
	assert.Equal(t, JPEG, path[0].Origin)
	assert.Equal(t, Raw, path[0].Target)
}

func TestConversionPath_TwoHopThroughRaw(t *testing.T) {
	r := New(zap.NewNop())
	path := r.ConversionPath(JPEG, WebP)
	require.Len(t, path, 2)
	assert.Equal(t, JPEG, path[0].Origin)
	assert.Equal(t, Raw, path[0].Target)
	assert.Equal(t, Raw, path[1].Origin)
	assert.Equal(t, WebP, path[1].Target)
}

func TestConversionPath_SameFormatIsEmpty(t *testing.T) {
	r := New(zap.NewNop())
	assert.Empty(t, r.ConversionPath(JPEG, JPEG))
}

func TestConversionPath_UnreachableFromUnregisteredFormat(t *testing.T) {
	r := New(zap.NewNop())
	assert.Empty(t, r.ConversionPath(tilecache.Format("gif"), JPEG))
}

func TestConvert_SameFormatCopies(t *testing.T) {
	r := New(zap.NewNop())
	data := []byte("payload")
	out, err := r.Convert(context.Background(), data, Raw, Raw)
	require.NoError(t, err)
	assert.Equal(t, data, out)

	out[0] = 'X'
	assert.Equal(t, byte('p'), data[0], "Convert's same-format copy must not alias the input")
}

func TestConvert_UnreachableReturnsSentinel(t *testing.T) {
	r := New(zap.NewNop())
	_, err := r.Convert(context.Background(), []byte("x"), tilecache.Format("gif"), JPEG)
	assert.ErrorIs(t, err, tilecache.ErrUnreachableType)
}

func TestCopy_DeepClonesAndHandlesNil(t *testing.T) {
	r := New(zap.NewNop())
	data := []byte("D1")
	out, err := r.Copy(context.Background(), data, Raw)
	require.NoError(t, err)
	out[0] = 'X'
	assert.Equal(t, byte('D'), data[0])

	nilOut, err := r.Copy(context.Background(), nil, Raw)
	require.NoError(t, err)
	assert.Nil(t, nilOut)
}

func TestGuessType_FallsBackToRawForUnrecognizedBytes(t *testing.T) {
	r := New(zap.NewNop())
	assert.Equal(t, Raw, r.GuessType([]byte("not an image")))
}
