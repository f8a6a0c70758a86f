// 文件: pkg/match/wal.go
// 撮合引擎 WAL
//
// 先写日志，再撮合。主恢复路径是从数据库里的 OPEN/PARTIALLY_FILLED
// 订单重建订单簿 (见 Engine.Restore)，WAL 是它的补充: 覆盖
// "订单已入队、撮合结果还没落库" 的窗口，重放时按序列号补投。
//
// 条目格式 (小端):
//   Seq(8) + Timestamp(8) + Type(1) + DataLen(4) + Data(n) + CRC32(4)

package match

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"time"
)

// =============================================================================
// 条目定义
// =============================================================================

// EntryType WAL 条目类型
type EntryType uint8

const (
	EntryPlaceOrder  EntryType = 1
	EntryCancelOrder EntryType = 2
)

// WALEntry WAL 条目
type WALEntry struct {
	Sequence  int64
	Timestamp int64
	Type      EntryType
	Data      []byte
	Checksum  uint32
}

// ErrChecksum 条目校验失败 (文件尾部写了一半的条目也会落到这里)
var ErrChecksum = errors.New("wal entry checksum mismatch")

// =============================================================================
// WAL
// =============================================================================

// SyncMode 刷盘模式
type SyncMode int

const (
	SyncModeAlways SyncMode = iota // 每条刷盘，最安全
	SyncModeBatch                  // 批量刷盘
)

// WALConfig WAL 配置
type WALConfig struct {
	Dir      string
	SyncMode SyncMode
}

// WAL Write-Ahead Log
// 只由 matchLoop 单线程调用，无需加锁
type WAL struct {
	file     *os.File
	writer   *bufio.Writer
	sequence int64
	filename string

	// 复用 buffer 和 CRC 对象，撮合路径零分配
	buf       []byte
	crc32Hash hash.Hash32

	syncMode SyncMode
}

// NewWAL 打开/创建 WAL
func NewWAL(config WALConfig) (*WAL, error) {
	if err := os.MkdirAll(config.Dir, 0755); err != nil {
		return nil, fmt.Errorf("create wal dir: %w", err)
	}

	filename := filepath.Join(config.Dir, "match.wal")
	file, err := os.OpenFile(filename, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open wal file: %w", err)
	}

	w := &WAL{
		file:      file,
		writer:    bufio.NewWriterSize(file, 64*1024),
		filename:  filename,
		buf:       make([]byte, 256),
		crc32Hash: crc32.NewIEEE(),
		syncMode:  config.SyncMode,
	}

	w.sequence, _ = w.lastSequence()
	return w, nil
}

// =============================================================================
// 写入
// =============================================================================

// WriteOrder 记录下单
// 二进制: ID(8) + UserID(8) + MarketID(8) + Price(8) + Qty(8) + FilledQty(8)
//        + CreatedAt(8) + Side(1) + Contract(1) + Type(1) + Status(1)
func (w *WAL) WriteOrder(order *Order) (int64, error) {
	const dataLen = 8*7 + 4
	if cap(w.buf) < dataLen {
		w.buf = make([]byte, dataLen*2)
	}
	data := w.buf[:dataLen]

	offset := 0
	for _, v := range [...]int64{
		order.ID, order.UserID, order.MarketID, order.Price,
		order.Qty, order.FilledQty, order.CreatedAt,
	} {
		binary.LittleEndian.PutUint64(data[offset:], uint64(v))
		offset += 8
	}
	data[offset] = byte(order.Side)
	data[offset+1] = byte(order.Contract)
	data[offset+2] = byte(order.Type)
	data[offset+3] = byte(order.Status)

	return w.write(EntryPlaceOrder, data)
}

// WriteCancel 记录撤单
func (w *WAL) WriteCancel(orderID int64) (int64, error) {
	data := make([]byte, 8)
	binary.LittleEndian.PutUint64(data, uint64(orderID))
	return w.write(EntryCancelOrder, data)
}

func (w *WAL) write(entryType EntryType, data []byte) (int64, error) {
	w.sequence++
	entry := WALEntry{
		Sequence:  w.sequence,
		Timestamp: time.Now().UnixNano(),
		Type:      entryType,
		Data:      data,
	}
	entry.Checksum = w.checksum(&entry)

	if err := w.writeEntry(&entry); err != nil {
		return 0, err
	}
	if w.syncMode == SyncModeAlways {
		if err := w.sync(); err != nil {
			return 0, err
		}
	}
	return entry.Sequence, nil
}

func (w *WAL) writeEntry(entry *WALEntry) error {
	if err := binary.Write(w.writer, binary.LittleEndian, entry.Sequence); err != nil {
		return err
	}
	if err := binary.Write(w.writer, binary.LittleEndian, entry.Timestamp); err != nil {
		return err
	}
	if err := w.writer.WriteByte(byte(entry.Type)); err != nil {
		return err
	}
	if err := binary.Write(w.writer, binary.LittleEndian, uint32(len(entry.Data))); err != nil {
		return err
	}
	if _, err := w.writer.Write(entry.Data); err != nil {
		return err
	}
	return binary.Write(w.writer, binary.LittleEndian, entry.Checksum)
}

// Sync 强制刷盘
func (w *WAL) Sync() error {
	return w.sync()
}

func (w *WAL) sync() error {
	if err := w.writer.Flush(); err != nil {
		return err
	}
	return w.file.Sync()
}

// Close 关闭 WAL
func (w *WAL) Close() error {
	if err := w.writer.Flush(); err != nil {
		return err
	}
	return w.file.Close()
}

// Truncate 截断 (订单簿落库完成后调用)
func (w *WAL) Truncate() error {
	if err := w.writer.Flush(); err != nil {
		return err
	}
	if err := w.file.Close(); err != nil {
		return err
	}
	file, err := os.Create(w.filename)
	if err != nil {
		return err
	}
	w.file = file
	w.writer = bufio.NewWriterSize(file, 64*1024)
	return nil
}

// Sequence 当前序列号
func (w *WAL) Sequence() int64 {
	return w.sequence
}

// =============================================================================
// 读取
// =============================================================================

// ReadAll 读出全部条目 (恢复用)
func (w *WAL) ReadAll() ([]WALEntry, error) {
	file, err := os.Open(w.filename)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()

	reader := bufio.NewReader(file)
	var entries []WALEntry

	for {
		entry, err := w.readEntry(reader)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break // 尾部可能有写一半的条目，丢弃
			}
			return entries, err
		}
		if entry.Checksum != w.checksum(entry) {
			return entries, ErrChecksum
		}
		entries = append(entries, *entry)
	}
	return entries, nil
}

func (w *WAL) readEntry(reader *bufio.Reader) (*WALEntry, error) {
	entry := &WALEntry{}

	if err := binary.Read(reader, binary.LittleEndian, &entry.Sequence); err != nil {
		return nil, err
	}
	if err := binary.Read(reader, binary.LittleEndian, &entry.Timestamp); err != nil {
		return nil, err
	}
	typeByte, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	entry.Type = EntryType(typeByte)

	var dataLen uint32
	if err := binary.Read(reader, binary.LittleEndian, &dataLen); err != nil {
		return nil, err
	}
	entry.Data = make([]byte, dataLen)
	if _, err := io.ReadFull(reader, entry.Data); err != nil {
		return nil, err
	}
	if err := binary.Read(reader, binary.LittleEndian, &entry.Checksum); err != nil {
		return nil, err
	}
	return entry, nil
}

func (w *WAL) lastSequence() (int64, error) {
	entries, err := w.ReadAll()
	if err != nil || len(entries) == 0 {
		return 0, err
	}
	return entries[len(entries)-1].Sequence, nil
}

func (w *WAL) checksum(entry *WALEntry) uint32 {
	w.crc32Hash.Reset()

	if cap(w.buf) < 17 {
		w.buf = make([]byte, 256)
	}
	tmp := w.buf[:17]
	binary.LittleEndian.PutUint64(tmp[0:], uint64(entry.Sequence))
	binary.LittleEndian.PutUint64(tmp[8:], uint64(entry.Timestamp))
	tmp[16] = byte(entry.Type)

	w.crc32Hash.Write(tmp)
	w.crc32Hash.Write(entry.Data)
	return w.crc32Hash.Sum32()
}

// DecodeOrder 解码 WriteOrder 写入的数据
func DecodeOrder(data []byte) (*Order, error) {
	if len(data) < 8*7+4 {
		return nil, errors.New("wal order entry too short")
	}
	order := &Order{}
	fields := [...]*int64{
		&order.ID, &order.UserID, &order.MarketID, &order.Price,
		&order.Qty, &order.FilledQty, &order.CreatedAt,
	}
	offset := 0
	for _, f := range fields {
		*f = int64(binary.LittleEndian.Uint64(data[offset:]))
		offset += 8
	}
	order.Side = Side(data[offset])
	order.Contract = Contract(data[offset+1])
	order.Type = OrderType(data[offset+2])
	order.Status = OrderStatus(data[offset+3])
	return order, nil
}

// DecodeCancel 解码 WriteCancel 写入的数据
func DecodeCancel(data []byte) (int64, error) {
	if len(data) < 8 {
		return 0, errors.New("wal cancel entry too short")
	}
	return int64(binary.LittleEndian.Uint64(data)), nil
}
