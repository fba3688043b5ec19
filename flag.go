package bfile

// journal entry flags
const (
	entrySnappy uint8 = 1 << iota
	entryLz4
)

func Set(b, flag uint8) uint8 { return b | flag }
func Has(b, flag uint8) bool  { return b&flag != 0 }
