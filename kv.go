package bfile

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"github.com/pkg/errors"
	"io"
)

type KVFlag uint8

// minKVSize = flag + kLen + k + vLen = 1 + 1 + 1 + 1 = 4
var minKVSize = 4

const (
	KVKeyPrefixed KVFlag = 1 << iota
	KVKeyCompressed
	KVValueCompressed
)

// dumpMagic = "BDMP" in littleEndian
const dumpMagic uint32 = 0x504D4442

// KVPair is an entry of the file. Address is set for entries returned by
// scans.
type KVPair struct {
	Key     []byte
	Value   []byte
	Address Pointer
}

// Marshal encodes the pair. The part of the key shared with prevKey is
// replaced by its length; key and value are kept compressed when that
// makes them smaller.
func (kv KVPair) Marshal(prevKey []byte, compressor Compressor) []byte {
	var flag KVFlag
	var prefixed bool
	prefixLen := getCommonPrefix(prevKey, kv.Key)
	if prefixLen > 0 {
		prefixed = true
		flag |= KVKeyPrefixed
	}
	key := kv.Key[prefixLen:]
	value := kv.Value
	if compressor != nil {
		if keyC, err := compressor(key); err == nil && len(keyC) < len(key) {
			key = keyC
			flag |= KVKeyCompressed
		}
		if valueC, err := compressor(value); err == nil && len(valueC) < len(value) {
			value = valueC
			flag |= KVValueCompressed
		}
	}
	buf := bytes.NewBuffer(make([]byte, 0, 2+2*binary.MaxVarintLen64+len(key)+len(value)))
	buf.WriteByte(byte(flag))
	if prefixed {
		buf.WriteByte(prefixLen)
	}
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(key)))
	buf.Write(lenBuf[:n])
	buf.Write(key)
	n = binary.PutUvarint(lenBuf[:], uint64(len(value)))
	buf.Write(lenBuf[:n])
	buf.Write(value)
	return buf.Bytes()
}

func (kv *KVPair) clear() {
	kv.Key = nil
	kv.Value = nil
	kv.Address = UnknownAddress
}

func (kv *KVPair) Unmarshal(data, prevKey []byte, decompressor DeCompressor) (err error) {
	kv.clear()
	if data == nil {
		return errors.New("empty KV data")
	}
	if len(data) < minKVSize {
		return errors.New("KV data less than min data size, flag + keyLen + key + valueLen + value")
	}
	reader := bytes.NewReader(data)
	var prefix []byte
	_flag, _ := reader.ReadByte()
	flag := KVFlag(_flag)
	if flag&KVKeyPrefixed != 0 {
		_prefixedLen, err := reader.ReadByte()
		if err != nil {
			return errors.Wrap(err, "failed to read prefix length")
		}
		prefixedLen := int(_prefixedLen)
		if len(prevKey) < prefixedLen {
			return errors.New("wrong prefixed key len")
		}
		prefix = prevKey[:prefixedLen]
	}
	if decompressor == nil && (flag&KVKeyCompressed != 0 || flag&KVValueCompressed != 0) {
		return errors.New("key is compressed but decompressor is nil")
	}
	key, err := readChunk(reader)
	if err != nil {
		return errors.Wrap(err, "failed to read key")
	}
	val, err := readChunk(reader)
	if err != nil {
		return errors.Wrap(err, "failed to read value")
	}

	if flag&KVKeyCompressed != 0 {
		if key, err = decompressor(key); err != nil {
			return errors.Wrap(err, "failed to decompress key")
		}
	}
	if flag&KVValueCompressed != 0 {
		if val, err = decompressor(val); err != nil {
			return errors.Wrap(err, "failed to decompress value")
		}
	}
	kv.Key = append(append([]byte(nil), prefix...), key...)
	kv.Value = val
	return nil
}

func readChunk(r *bytes.Reader) ([]byte, error) {
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	if n > uint64(r.Len()) {
		return nil, io.ErrUnexpectedEOF
	}
	b := make([]byte, n)
	_, err = io.ReadFull(r, b)
	return b, err
}

func getCommonPrefix(a, b []byte) (length uint8) {
	if a == nil || b == nil {
		return
	}
	for i, v := range b {
		if i >= len(a) || v != a[i] {
			return
		}
		length++
		if length >= 255 {
			return
		}
	}
	return
}

// Export writes every entry matching q to w in key order. The dump starts
// with [magic:u32][compression:u16] and holds one uvarint length prefixed
// KVPair per entry. Returns the number of entries written.
func (bf *BFile) Export(ctx context.Context, w io.Writer, q *IndexQuery, comp CompressAlgorithm) (int, error) {
	bw := bufio.NewWriter(w)
	var head [6]byte
	binary.LittleEndian.PutUint32(head[0:], dumpMagic)
	binary.LittleEndian.PutUint16(head[4:], uint16(comp))
	if _, err := bw.Write(head[:]); err != nil {
		return 0, errors.Wrap(err, "write dump header")
	}
	compressor, _, _ := comp.codec()
	var prevKey []byte
	count := 0
	var lenBuf [binary.MaxVarintLen64]byte
	err := bf.Find(ctx, q, func(key, value []byte) (bool, error) {
		rec := KVPair{Key: key, Value: value}.Marshal(prevKey, compressor)
		n := binary.PutUvarint(lenBuf[:], uint64(len(rec)))
		if _, err := bw.Write(lenBuf[:n]); err != nil {
			return false, err
		}
		if _, err := bw.Write(rec); err != nil {
			return false, err
		}
		prevKey = key
		count++
		return true, nil
	})
	if err != nil {
		return count, errors.Wrap(err, "export")
	}
	return count, errors.Wrap(bw.Flush(), "export")
}

// Import reads a dump written by Export and stores its entries.
func (bf *BFile) Import(ctx context.Context, txn *Txn, r io.Reader, overwrite bool) (int, error) {
	br := bufio.NewReader(r)
	var head [6]byte
	if _, err := io.ReadFull(br, head[:]); err != nil {
		return 0, errors.Wrap(err, "read dump header")
	}
	if binary.LittleEndian.Uint32(head[0:]) != dumpMagic {
		return 0, errors.New("not a bfile dump")
	}
	_, decompressor, _ := CompressAlgorithm(binary.LittleEndian.Uint16(head[4:])).codec()
	var prevKey []byte
	count := 0
	for {
		if err := ctx.Err(); err != nil {
			return count, errors.Wrap(ErrTerminated, err.Error())
		}
		n, err := binary.ReadUvarint(br)
		if err == io.EOF {
			return count, nil
		} else if err != nil {
			return count, errors.Wrap(err, "read dump record")
		}
		rec := make([]byte, n)
		if _, err := io.ReadFull(br, rec); err != nil {
			return count, errors.Wrap(err, "read dump record")
		}
		var kv KVPair
		if err := kv.Unmarshal(rec, prevKey, decompressor); err != nil {
			return count, err
		}
		prevKey = kv.Key
		if _, err := bf.Put(txn, kv.Key, kv.Value, overwrite); errors.Is(err, ErrKeyExists) {
			continue
		} else if err != nil {
			return count, err
		}
		count++
	}
}
