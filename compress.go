package bfile

import (
	"bytes"
	"github.com/golang/snappy"
	"github.com/pierrec/lz4"
	"github.com/pkg/errors"
)

type CompressAlgorithm uint16

const (
	CompSnappy CompressAlgorithm = iota // default
	CompNone
	CompLz4
)

func (c CompressAlgorithm) String() string {
	switch c {
	case CompSnappy:
		return "snappy"
	case CompNone:
		return "none"
	case CompLz4:
		return "lz4"
	}
	return "unknown"
}

type Compressor func([]byte) ([]byte, error)
type DeCompressor func([]byte) ([]byte, error)

var (
	SnappyCompress Compressor = func(in []byte) ([]byte, error) {
		return snappy.Encode(nil, in), nil
	}
	SnappyDeCompress DeCompressor = func(in []byte) ([]byte, error) {
		return snappy.Decode(nil, in)
	}
)

var (
	Lz4Compress Compressor = func(in []byte) ([]byte, error) {
		buf := &bytes.Buffer{}
		writer := lz4.NewWriter(buf)
		writer.NoChecksum = true
		if _, err := writer.Write(in); err != nil {
			return nil, errors.Wrap(err, "lz4 compress")
		}
		if err := writer.Close(); err != nil {
			return nil, errors.Wrap(err, "lz4 compress")
		}
		return buf.Bytes(), nil
	}

	Lz4DeCompress DeCompressor = func(in []byte) ([]byte, error) {
		buf := &bytes.Buffer{}
		reader := lz4.NewReader(bytes.NewReader(in))
		_, err := buf.ReadFrom(reader)
		return buf.Bytes(), err
	}
)

// codec returns the compressor pair and the journal entry flag of c.
func (c CompressAlgorithm) codec() (Compressor, DeCompressor, uint8) {
	switch c {
	case CompSnappy:
		return SnappyCompress, SnappyDeCompress, entrySnappy
	case CompLz4:
		return Lz4Compress, Lz4DeCompress, entryLz4
	}
	return nil, nil, 0
}

// decompressorFor picks the decompressor matching the entry flags.
func decompressorFor(flags uint8) DeCompressor {
	switch {
	case Has(flags, entrySnappy):
		return SnappyDeCompress
	case Has(flags, entryLz4):
		return Lz4DeCompress
	}
	return nil
}
