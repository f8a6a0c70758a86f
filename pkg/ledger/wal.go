// 文件: pkg/ledger/wal.go
// 账本 WAL
//
// 核心原则:
// 1. 先写日志，再修改内存
// 2. 崩溃后重放日志恢复状态
// 3. 定期检查点截断日志
//
// 每个分片一个 WAL，写入只发生在分片线程，锁只保护外部的
// Sync/Checkpoint 调用。

package ledger

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"pmx.com/pkg/match"
)

// WALEntry 账本 WAL 条目，直接记录命令参数
type WALEntry struct {
	Seq       uint64
	Type      CmdType
	Timestamp int64
	CmdID     string

	UserID   int64
	MarketID int64
	Contract match.Contract
	Amount   int64
	Qty      int64
	Cost     int64
	Proceeds int64
}

// WAL Write-Ahead Log
type WAL struct {
	dir    string
	file   *os.File
	writer *bufio.Writer

	seq uint64

	mu  sync.Mutex
	buf []byte
}

// WALConfig WAL 配置
type WALConfig struct {
	Dir     string
	ShardID int
}

// NewWAL 创建 WAL
func NewWAL(cfg WALConfig) (*WAL, error) {
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("create wal dir: %w", err)
	}

	path := filepath.Join(cfg.Dir, fmt.Sprintf("ledger-%d.wal", cfg.ShardID))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open wal file: %w", err)
	}

	return &WAL{
		dir:    cfg.Dir,
		file:   file,
		writer: bufio.NewWriterSize(file, 64*1024),
		buf:    make([]byte, 0, 256),
	}, nil
}

// Write 写入条目: [长度 4B][数据][CRC 4B]
func (w *WAL) Write(entry *WALEntry) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.seq++
	entry.Seq = w.seq
	if entry.Timestamp == 0 {
		entry.Timestamp = time.Now().UnixNano()
	}

	data := w.encodeEntry(entry)
	length := uint32(len(data))
	crc := crc32.ChecksumIEEE(data)

	if err := binary.Write(w.writer, binary.LittleEndian, length); err != nil {
		return err
	}
	if _, err := w.writer.Write(data); err != nil {
		return err
	}
	return binary.Write(w.writer, binary.LittleEndian, crc)
}

// Sync 刷盘
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.writer.Flush(); err != nil {
		return err
	}
	return w.file.Sync()
}

// Close 关闭
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	_ = w.writer.Flush()
	return w.file.Close()
}

// GetSequence 当前序列号
func (w *WAL) GetSequence() uint64 {
	return w.seq
}

// =============================================================================
// 检查点
// =============================================================================

// Checkpoint 保存状态快照并截断 WAL
func (w *WAL) Checkpoint(snapshotData []byte, upToSeq uint64, shardID int) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	snapshotPath := filepath.Join(w.dir, fmt.Sprintf("snapshot-%d.bin", shardID))
	if err := os.WriteFile(snapshotPath, snapshotData, 0644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}

	metaPath := filepath.Join(w.dir, fmt.Sprintf("checkpoint-%d.meta", shardID))
	if err := os.WriteFile(metaPath, []byte(fmt.Sprintf("%d", upToSeq)), 0644); err != nil {
		return fmt.Errorf("write meta: %w", err)
	}

	_ = w.writer.Flush()
	_ = w.file.Close()

	walPath := filepath.Join(w.dir, fmt.Sprintf("ledger-%d.wal", shardID))
	file, err := os.Create(walPath)
	if err != nil {
		return err
	}
	w.file = file
	w.writer = bufio.NewWriterSize(file, 64*1024)
	return nil
}

// LoadSnapshot 读取检查点快照，没有则返回 (nil, 0, nil)
func (w *WAL) LoadSnapshot(shardID int) ([]byte, uint64, error) {
	metaPath := filepath.Join(w.dir, fmt.Sprintf("checkpoint-%d.meta", shardID))
	metaData, err := os.ReadFile(metaPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, nil
		}
		return nil, 0, err
	}

	var seq uint64
	_, _ = fmt.Sscanf(string(metaData), "%d", &seq)

	snapshotPath := filepath.Join(w.dir, fmt.Sprintf("snapshot-%d.bin", shardID))
	data, err := os.ReadFile(snapshotPath)
	if err != nil {
		return nil, 0, err
	}
	return data, seq, nil
}

// =============================================================================
// 恢复
// =============================================================================

// Recover 从头读 WAL 并逐条重放
func (w *WAL) Recover(applyFn func(*WALEntry) error) (uint64, error) {
	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}

	reader := bufio.NewReader(w.file)
	var lastSeq uint64

	for {
		var length uint32
		if err := binary.Read(reader, binary.LittleEndian, &length); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return lastSeq, fmt.Errorf("read length: %w", err)
		}

		data := make([]byte, length)
		if _, err := io.ReadFull(reader, data); err != nil {
			return lastSeq, fmt.Errorf("read data: %w", err)
		}

		var crc uint32
		if err := binary.Read(reader, binary.LittleEndian, &crc); err != nil {
			return lastSeq, fmt.Errorf("read crc: %w", err)
		}
		if crc32.ChecksumIEEE(data) != crc {
			return lastSeq, errors.New("wal crc mismatch")
		}

		entry, err := w.decodeEntry(data)
		if err != nil {
			return lastSeq, fmt.Errorf("decode: %w", err)
		}

		if err := applyFn(entry); err != nil {
			return lastSeq, fmt.Errorf("apply seq %d: %w", entry.Seq, err)
		}
		lastSeq = entry.Seq
	}

	w.seq = lastSeq
	return lastSeq, nil
}

// =============================================================================
// 序列化
// =============================================================================

func (w *WAL) encodeEntry(e *WALEntry) []byte {
	buf := w.buf[:0]

	buf = binary.LittleEndian.AppendUint64(buf, e.Seq)
	buf = append(buf, byte(e.Type))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(e.Timestamp))

	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(e.CmdID)))
	buf = append(buf, e.CmdID...)

	buf = binary.LittleEndian.AppendUint64(buf, uint64(e.UserID))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(e.MarketID))
	buf = append(buf, byte(e.Contract))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(e.Amount))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(e.Qty))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(e.Cost))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(e.Proceeds))

	w.buf = buf
	return buf
}

func (w *WAL) decodeEntry(data []byte) (*WALEntry, error) {
	if len(data) < 19 {
		return nil, errors.New("wal entry too short")
	}

	e := &WALEntry{}
	offset := 0

	e.Seq = binary.LittleEndian.Uint64(data[offset:])
	offset += 8
	e.Type = CmdType(data[offset])
	offset++
	e.Timestamp = int64(binary.LittleEndian.Uint64(data[offset:]))
	offset += 8

	cmdIDLen := int(binary.LittleEndian.Uint16(data[offset:]))
	offset += 2
	if len(data) < offset+cmdIDLen+8*6+1 {
		return nil, errors.New("wal entry truncated")
	}
	e.CmdID = string(data[offset : offset+cmdIDLen])
	offset += cmdIDLen

	e.UserID = int64(binary.LittleEndian.Uint64(data[offset:]))
	offset += 8
	e.MarketID = int64(binary.LittleEndian.Uint64(data[offset:]))
	offset += 8
	e.Contract = match.Contract(data[offset])
	offset++
	e.Amount = int64(binary.LittleEndian.Uint64(data[offset:]))
	offset += 8
	e.Qty = int64(binary.LittleEndian.Uint64(data[offset:]))
	offset += 8
	e.Cost = int64(binary.LittleEndian.Uint64(data[offset:]))
	offset += 8
	e.Proceeds = int64(binary.LittleEndian.Uint64(data[offset:]))

	return e, nil
}
