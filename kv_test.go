package bfile

import (
	"bytes"
	"context"
	"fmt"
	assertion "github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
)

func TestGetCommonPrefix(t *testing.T) {
	assert := assertion.New(t)
	assert.Equal(getCommonPrefix(nil, nil), uint8(0))
	assert.Equal(getCommonPrefix([]byte("abcde"), nil), uint8(0))
	assert.Equal(getCommonPrefix(nil, []byte("abcde")), uint8(0))
	assert.Equal(getCommonPrefix([]byte("abcde"), []byte("abcdefg")), uint8(5))
	assert.Equal(getCommonPrefix([]byte("abcdefg"), []byte("abcde")), uint8(5))
}

func TestKVSerdeSnappy(t *testing.T) {
	assert := assertion.New(t)
	prev := []byte("key")
	key := []byte("keykeykeykey")
	val := []byte("valuevaluevaluevaluevaluevalue")
	kv := KVPair{Key: key, Value: val}
	ser := kv.Marshal(prev, SnappyCompress)
	t.Log(len(ser), ser)
	kv2 := KVPair{}
	err := kv2.Unmarshal(ser, prev, SnappyDeCompress)
	assert.NoError(err)
	assert.Equal(kv2.Key, kv.Key)
	assert.Equal(kv2.Value, kv.Value)
}

func TestKVSerdeLz4(t *testing.T) {
	assert := assertion.New(t)
	prev := []byte("key")
	key := []byte("keykeykeykey")
	val := bytes.Repeat([]byte("value"), 40)
	kv := KVPair{Key: key, Value: val}
	ser := kv.Marshal(prev, Lz4Compress)
	t.Log(len(ser), ser)
	kv2 := KVPair{}
	err := kv2.Unmarshal(ser, prev, Lz4DeCompress)
	assert.NoError(err)
	assert.Equal(kv.Key, kv2.Key)
	assert.Equal(kv.Value, kv2.Value)

	assert.Error(kv2.Unmarshal(ser, nil, Lz4DeCompress))
	assert.Error(kv2.Unmarshal(ser[:3], prev, Lz4DeCompress))
}

func TestExportImport(t *testing.T) {
	assert := assertion.New(t)
	src := openTestFile(t, nil)
	for i := 0; i < 30; i++ {
		_, err := src.Put(nil, []byte(fmt.Sprintf("entry-%02d", i)), testValue(i*300, byte(i)), true)
		require.NoError(t, err)
	}
	ctx := context.Background()

	for _, comp := range []CompressAlgorithm{CompSnappy, CompLz4, CompNone} {
		var buf bytes.Buffer
		n, err := src.Export(ctx, &buf, NewQuery(OpAny), comp)
		assert.NoError(err)
		assert.Equal(30, n)

		dst := openTestFile(t, nil)
		_, _ = dst.Put(nil, []byte("entry-00"), []byte("kept"), true)
		n, err = dst.Import(ctx, nil, bytes.NewReader(buf.Bytes()), false)
		assert.NoError(err, comp.String())
		assert.Equal(29, n)

		v, _ := dst.Get([]byte("entry-00"))
		assert.Equal([]byte("kept"), v)
		for i := 1; i < 30; i++ {
			v, err := dst.Get([]byte(fmt.Sprintf("entry-%02d", i)))
			assert.NoError(err)
			assert.Equal(testValue(i*300, byte(i)), v)
		}
	}

	_, err := openTestFile(t, nil).Import(ctx, nil, bytes.NewReader([]byte("garbage")), true)
	assert.Error(err)
}
