package codec_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shardwright/kcr/internal/codec"
)

type testData struct {
	Value string `json:"value"`
}

type testMeta struct {
	Hash string `json:"hash"`
}

func TestDecodeValid(t *testing.T) {
	f := codec.NewFactory[testData, testMeta]()

	rec, err := f.Decode([]byte(`{"data":{"value":"first"},"metadata":{"hash":"8b04"}}`))
	require.NoError(t, err)
	assert.Equal(t, "first", rec.Data.Value)
	assert.Equal(t, "8b04", rec.Metadata.Hash)
}

func TestDecodeNotJSONObject(t *testing.T) {
	f := codec.NewFactory[testData, testMeta]()

	_, err := f.Decode([]byte(`{foobar}`))
	require.Error(t, err)
	var derr *codec.DeserializationError
	require.ErrorAs(t, err, &derr)
}

func TestDecodeMissingField(t *testing.T) {
	f := codec.NewFactory[testData, testMeta]()

	_, err := f.Decode([]byte(`{"data":{"value":"first"}}`))
	require.Error(t, err)
	var derr *codec.DeserializationError
	require.ErrorAs(t, err, &derr)
}

func TestDecodeTypeMismatch(t *testing.T) {
	f := codec.NewFactory[testData, testMeta]()

	_, err := f.Decode([]byte(`{"data":{"value":123},"metadata":{"hash":"8b04"}}`))
	require.Error(t, err)
	var derr *codec.DeserializationError
	require.ErrorAs(t, err, &derr)
}

func TestDecodeUnknownTopLevelField(t *testing.T) {
	f := codec.NewFactory[testData, testMeta]()

	_, err := f.Decode([]byte(`{"data":{"value":"first"},"metadata":{"hash":"8b04"},"extra":1}`))
	require.Error(t, err)
}
