package bfile

type fileRecord struct {
	record
	fileID uint16
}

func (r *fileRecord) FileID() uint16 { return r.fileID }

// CreatePageLoggable records the allocation of a new single page.
type CreatePageLoggable struct {
	fileRecord
	Page uint32
}

func (*CreatePageLoggable) Type() LogType { return LogCreatePage }
func (l *CreatePageLoggable) LogSize() int { return 2 + 4 }

func (l *CreatePageLoggable) write(e *encoder) {
	e.u16(l.fileID)
	e.u32(l.Page)
}

func (l *CreatePageLoggable) read(d *decoder) {
	l.fileID = d.u16()
	l.Page = d.u32()
}

func (l *CreatePageLoggable) Redo(bf *BFile) error { return bf.redoCreatePage(l) }
func (l *CreatePageLoggable) Undo(bf *BFile) error { return bf.undoCreatePage(l) }

// StoreValueLoggable records a value written into a single page at TID.
type StoreValueLoggable struct {
	fileRecord
	Page  uint32
	TID   int16
	Value []byte
}

func (*StoreValueLoggable) Type() LogType { return LogStoreValue }
func (l *StoreValueLoggable) LogSize() int { return 2 + 4 + 2 + bytesSize(l.Value) }

func (l *StoreValueLoggable) write(e *encoder) {
	e.u16(l.fileID)
	e.u32(l.Page)
	e.u16(uint16(l.TID))
	e.bytes(l.Value)
}

func (l *StoreValueLoggable) read(d *decoder) {
	l.fileID = d.u16()
	l.Page = d.u32()
	l.TID = int16(d.u16())
	l.Value = d.bytes()
}

func (l *StoreValueLoggable) Redo(bf *BFile) error { return bf.redoStoreValue(l) }
func (l *StoreValueLoggable) Undo(bf *BFile) error { return bf.undoStoreValue(l) }

// RemoveValueLoggable records the removal of TID and keeps the old bytes.
type RemoveValueLoggable struct {
	fileRecord
	Page    uint32
	TID     int16
	OldData []byte
}

func (*RemoveValueLoggable) Type() LogType { return LogRemoveValue }
func (l *RemoveValueLoggable) LogSize() int { return 2 + 4 + 2 + bytesSize(l.OldData) }

func (l *RemoveValueLoggable) write(e *encoder) {
	e.u16(l.fileID)
	e.u32(l.Page)
	e.u16(uint16(l.TID))
	e.bytes(l.OldData)
}

func (l *RemoveValueLoggable) read(d *decoder) {
	l.fileID = d.u16()
	l.Page = d.u32()
	l.TID = int16(d.u16())
	l.OldData = d.bytes()
}

func (l *RemoveValueLoggable) Redo(bf *BFile) error { return bf.redoRemoveValue(l) }
func (l *RemoveValueLoggable) Undo(bf *BFile) error { return bf.undoRemoveValue(l) }

// RemoveEmptyPageLoggable records the release of a page without records.
type RemoveEmptyPageLoggable struct {
	fileRecord
	Page uint32
}

func (*RemoveEmptyPageLoggable) Type() LogType { return LogRemoveEmptyPage }
func (l *RemoveEmptyPageLoggable) LogSize() int { return 2 + 4 }

func (l *RemoveEmptyPageLoggable) write(e *encoder) {
	e.u16(l.fileID)
	e.u32(l.Page)
}

func (l *RemoveEmptyPageLoggable) read(d *decoder) {
	l.fileID = d.u16()
	l.Page = d.u32()
}

func (l *RemoveEmptyPageLoggable) Redo(bf *BFile) error { return bf.redoRemovePage(l) }
func (l *RemoveEmptyPageLoggable) Undo(bf *BFile) error { return bf.undoRemovePage(l) }

// OverflowCreateLoggable records the first page of a new overflow chain.
type OverflowCreateLoggable struct {
	fileRecord
	Page uint32
}

func (*OverflowCreateLoggable) Type() LogType { return LogOverflowCreate }
func (l *OverflowCreateLoggable) LogSize() int { return 2 + 4 }

func (l *OverflowCreateLoggable) write(e *encoder) {
	e.u16(l.fileID)
	e.u32(l.Page)
}

func (l *OverflowCreateLoggable) read(d *decoder) {
	l.fileID = d.u16()
	l.Page = d.u32()
}

func (l *OverflowCreateLoggable) Redo(bf *BFile) error { return bf.redoCreateOverflow(l) }
func (l *OverflowCreateLoggable) Undo(bf *BFile) error { return bf.undoCreateOverflow(l) }

// OverflowCreatePageLoggable records a page linked behind PrevPage.
type OverflowCreatePageLoggable struct {
	fileRecord
	NewPage  uint32
	PrevPage uint32
}

func (*OverflowCreatePageLoggable) Type() LogType { return LogOverflowCreatePage }
func (l *OverflowCreatePageLoggable) LogSize() int { return 2 + 4 + 4 }

func (l *OverflowCreatePageLoggable) write(e *encoder) {
	e.u16(l.fileID)
	e.u32(l.NewPage)
	e.u32(l.PrevPage)
}

func (l *OverflowCreatePageLoggable) read(d *decoder) {
	l.fileID = d.u16()
	l.NewPage = d.u32()
	l.PrevPage = d.u32()
}

func (l *OverflowCreatePageLoggable) Redo(bf *BFile) error { return bf.redoCreateOverflowPage(l) }
func (l *OverflowCreatePageLoggable) Undo(bf *BFile) error { return bf.undoCreateOverflowPage(l) }

// OverflowAppendLoggable records bytes added behind the data of a chain page.
type OverflowAppendLoggable struct {
	fileRecord
	Page uint32
	Data []byte
}

func (*OverflowAppendLoggable) Type() LogType { return LogOverflowAppend }
func (l *OverflowAppendLoggable) LogSize() int { return 2 + 4 + bytesSize(l.Data) }

func (l *OverflowAppendLoggable) write(e *encoder) {
	e.u16(l.fileID)
	e.u32(l.Page)
	e.bytes(l.Data)
}

func (l *OverflowAppendLoggable) read(d *decoder) {
	l.fileID = d.u16()
	l.Page = d.u32()
	l.Data = d.bytes()
}

func (l *OverflowAppendLoggable) Redo(bf *BFile) error { return bf.redoAppendOverflow(l) }
func (l *OverflowAppendLoggable) Undo(bf *BFile) error { return bf.undoAppendOverflow(l) }

// OverflowStoreLoggable records a chain page being overwritten with Data.
// The previous content and links are kept for undo.
type OverflowStoreLoggable struct {
	fileRecord
	Page      uint32
	PrevPage  uint32
	Data      []byte
	OldLength uint32
	OldNext   uint32
	OldLast   uint32
	OldData   []byte
}

func (*OverflowStoreLoggable) Type() LogType { return LogOverflowStore }

func (l *OverflowStoreLoggable) LogSize() int {
	return 2 + 4 + 4 + bytesSize(l.Data) + 4 + 4 + 4 + bytesSize(l.OldData)
}

func (l *OverflowStoreLoggable) write(e *encoder) {
	e.u16(l.fileID)
	e.u32(l.Page)
	e.u32(l.PrevPage)
	e.bytes(l.Data)
	e.u32(l.OldLength)
	e.u32(l.OldNext)
	e.u32(l.OldLast)
	e.bytes(l.OldData)
}

func (l *OverflowStoreLoggable) read(d *decoder) {
	l.fileID = d.u16()
	l.Page = d.u32()
	l.PrevPage = d.u32()
	l.Data = d.bytes()
	l.OldLength = d.u32()
	l.OldNext = d.u32()
	l.OldLast = d.u32()
	l.OldData = d.bytes()
}

func (l *OverflowStoreLoggable) Redo(bf *BFile) error { return bf.redoStoreOverflow(l) }
func (l *OverflowStoreLoggable) Undo(bf *BFile) error { return bf.undoStoreOverflow(l) }

// OverflowModifiedLoggable records the new total length and last page of a
// chain, stored in the header of its first page.
type OverflowModifiedLoggable struct {
	fileRecord
	Page           uint32
	Length         uint32
	OldLength      uint32
	LastInChain    uint32
	OldLastInChain uint32
}

func (*OverflowModifiedLoggable) Type() LogType { return LogOverflowModified }
func (l *OverflowModifiedLoggable) LogSize() int { return 2 + 4*5 }

func (l *OverflowModifiedLoggable) write(e *encoder) {
	e.u16(l.fileID)
	e.u32(l.Page)
	e.u32(l.Length)
	e.u32(l.OldLength)
	e.u32(l.LastInChain)
	e.u32(l.OldLastInChain)
}

func (l *OverflowModifiedLoggable) read(d *decoder) {
	l.fileID = d.u16()
	l.Page = d.u32()
	l.Length = d.u32()
	l.OldLength = d.u32()
	l.LastInChain = d.u32()
	l.OldLastInChain = d.u32()
}

func (l *OverflowModifiedLoggable) Redo(bf *BFile) error { return bf.redoModifiedOverflow(l) }
func (l *OverflowModifiedLoggable) Undo(bf *BFile) error { return bf.undoModifiedOverflow(l) }

// OverflowRemoveLoggable records a chain page being released, with enough
// of its header and content to put it back.
type OverflowRemoveLoggable struct {
	fileRecord
	Page   uint32
	Status PageStatus
	Length uint32
	Next   uint32
	Last   uint32
	Data   []byte
}

func (*OverflowRemoveLoggable) Type() LogType { return LogOverflowRemove }
func (l *OverflowRemoveLoggable) LogSize() int { return 2 + 4 + 1 + 4 + 4 + 4 + bytesSize(l.Data) }

func (l *OverflowRemoveLoggable) write(e *encoder) {
	e.u16(l.fileID)
	e.u32(l.Page)
	e.u8(uint8(l.Status))
	e.u32(l.Length)
	e.u32(l.Next)
	e.u32(l.Last)
	e.bytes(l.Data)
}

func (l *OverflowRemoveLoggable) read(d *decoder) {
	l.fileID = d.u16()
	l.Page = d.u32()
	l.Status = PageStatus(d.u8())
	l.Length = d.u32()
	l.Next = d.u32()
	l.Last = d.u32()
	l.Data = d.bytes()
}

func (l *OverflowRemoveLoggable) Redo(bf *BFile) error { return bf.redoRemoveOverflow(l) }
func (l *OverflowRemoveLoggable) Undo(bf *BFile) error { return bf.undoRemoveOverflow(l) }

// IndexAddLoggable records a key mapped to Pointer. OldPointer is
// UnknownAddress when the key was new.
type IndexAddLoggable struct {
	fileRecord
	Key        []byte
	Pointer    Pointer
	OldPointer Pointer
}

func (*IndexAddLoggable) Type() LogType { return LogIndexAdd }
func (l *IndexAddLoggable) LogSize() int { return 2 + bytesSize(l.Key) + 8 + 8 }

func (l *IndexAddLoggable) write(e *encoder) {
	e.u16(l.fileID)
	e.bytes(l.Key)
	e.u64(uint64(l.Pointer))
	e.u64(uint64(l.OldPointer))
}

func (l *IndexAddLoggable) read(d *decoder) {
	l.fileID = d.u16()
	l.Key = d.bytes()
	l.Pointer = Pointer(d.u64())
	l.OldPointer = Pointer(d.u64())
}

func (l *IndexAddLoggable) Redo(bf *BFile) error { return bf.redoIndexAdd(l) }
func (l *IndexAddLoggable) Undo(bf *BFile) error { return bf.undoIndexAdd(l) }

// IndexRemoveLoggable records a key removed from the index.
type IndexRemoveLoggable struct {
	fileRecord
	Key        []byte
	OldPointer Pointer
}

func (*IndexRemoveLoggable) Type() LogType { return LogIndexRemove }
func (l *IndexRemoveLoggable) LogSize() int { return 2 + bytesSize(l.Key) + 8 }

func (l *IndexRemoveLoggable) write(e *encoder) {
	e.u16(l.fileID)
	e.bytes(l.Key)
	e.u64(uint64(l.OldPointer))
}

func (l *IndexRemoveLoggable) read(d *decoder) {
	l.fileID = d.u16()
	l.Key = d.bytes()
	l.OldPointer = Pointer(d.u64())
}

func (l *IndexRemoveLoggable) Redo(bf *BFile) error { return bf.redoIndexRemove(l) }
func (l *IndexRemoveLoggable) Undo(bf *BFile) error { return bf.undoIndexRemove(l) }
