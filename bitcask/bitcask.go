package bitcask

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/btree"
	"github.com/pkg/errors"

	"tvam/logger"
	"tvam/util"
)

// valueOffset locates a value inside the log file.
type valueOffset struct {
	Pos uint64
	Len uint32
}

// keyDirItem is one keydir entry, key -> (pos, len).
type keyDirItem struct {
	Key   []byte
	Value valueOffset
}

func (bi *keyDirItem) Less(than btree.Item) bool {
	return bytes.Compare(bi.Key, than.(*keyDirItem).Key) < 0
}

// Pair is a key with its value as read back from the log.
type Pair struct {
	Key   []byte
	Value []byte
}

// Status describes the size of the store.
type Status struct {
	Name            string
	Keys            uint64
	Size            uint64
	TotalDiskSize   uint64
	LiveDiskSize    uint64
	GarbageDiskSize uint64
	FileName        string
}

// Engine is the key/value surface the catalog and the write-ahead log use.
type Engine interface {
	Set(key, value []byte) error
	Get(key []byte) ([]byte, error)
	Delete(key []byte) error
	Scan(from, to []byte) ([]*Pair, error)
	ScanPrefix(prefix []byte) ([]*Pair, error)
	Status() (*Status, error)
	Flush() error
	Close() error
}

// entryHeaderSize is keyLen(4) + valueLen(4); a value length of -1 is a tombstone.
const entryHeaderSize = 8

// logFile is the append-only file behind a BitCask, exclusively locked
// while open.
type logFile struct {
	path string
	file *os.File
}

func openLog(path string) (*logFile, error) {
	if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
		return nil, errors.Wrap(err, "create log directory")
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o666)
	if err != nil {
		return nil, errors.Wrap(err, "open log file")
	}
	if err = util.LockFileNonBlocking(file); err != nil {
		file.Close()
		return nil, err
	}
	return &logFile{path: path, file: file}, nil
}

// buildKeyDir replays the log. A torn entry at the tail is an interrupted
// write and gets truncated away.
func (l *logFile) buildKeyDir() (*btree.BTree, error) {
	keyDir := btree.New(2)

	info, err := l.file.Stat()
	if err != nil {
		return nil, err
	}
	fileLen := info.Size()

	r := io.NewSectionReader(l.file, 0, fileLen)
	var pos int64
	header := make([]byte, entryHeaderSize)
	for pos < fileLen {
		if _, err = r.ReadAt(header, pos); err != nil {
			break
		}
		var keyLen uint32
		var valueLenOrTombstone int32
		if err = util.ByteToInt(header[:4], &keyLen); err != nil {
			return nil, err
		}
		if err = util.ByteToInt(header[4:], &valueLenOrTombstone); err != nil {
			return nil, err
		}

		key := make([]byte, keyLen)
		if _, err = r.ReadAt(key, pos+entryHeaderSize); err != nil {
			break
		}
		valuePos := pos + entryHeaderSize + int64(keyLen)

		if valueLenOrTombstone < 0 {
			keyDir.Delete(&keyDirItem{Key: key})
			pos = valuePos
			continue
		}
		if valuePos+int64(valueLenOrTombstone) > fileLen {
			err = io.ErrUnexpectedEOF
			break
		}
		keyDir.ReplaceOrInsert(&keyDirItem{
			Key:   key,
			Value: valueOffset{Pos: uint64(valuePos), Len: uint32(valueLenOrTombstone)},
		})
		pos = valuePos + int64(valueLenOrTombstone)
	}

	if err != nil {
		if err != io.EOF && err != io.ErrUnexpectedEOF {
			return nil, err
		}
		logger.Warnf("bitcask %s: truncating torn entry at offset %d", l.path, pos)
		if err = l.file.Truncate(pos); err != nil {
			return nil, errors.Wrap(err, "truncate torn entry")
		}
	}
	return keyDir, nil
}

func (l *logFile) readValue(off valueOffset) ([]byte, error) {
	buf := make([]byte, off.Len)
	if _, err := l.file.ReadAt(buf, int64(off.Pos)); err != nil {
		return nil, errors.Wrap(err, "read value")
	}
	return buf, nil
}

// writeEntry appends key -> value and returns where the value landed. A nil
// value writes a tombstone.
func (l *logFile) writeEntry(key, value []byte) (valueOffset, error) {
	valueLenOrTombstone := int32(-1)
	if value != nil {
		valueLenOrTombstone = int32(len(value))
	}

	pos, err := l.file.Seek(0, io.SeekEnd)
	if err != nil {
		return valueOffset{}, err
	}
	entry := util.BufferAppend(
		util.BinaryToByte(uint32(len(key))),
		util.BinaryToByte(valueLenOrTombstone),
		key,
		value,
	)
	if _, err = l.file.Write(entry); err != nil {
		return valueOffset{}, errors.Wrap(err, "append entry")
	}
	return valueOffset{
		Pos: uint64(pos) + entryHeaderSize + uint64(len(key)),
		Len: uint32(len(value)),
	}, nil
}

// BitCask writes key/value pairs to an append-only log and keeps
// key -> (pos, len) in an in-memory btree. Deletes append tombstones.
type BitCask struct {
	mu     sync.RWMutex
	log    *logFile
	keyDir *btree.BTree
	// sync every write; off only for scratch stores
	syncWrites bool
}

// Open opens or creates a BitCask at path and compacts it when garbage
// exceeds garbageRatioThreshold of the file.
func Open(path string, garbageRatioThreshold float64) (*BitCask, error) {
	log, err := openLog(path)
	if err != nil {
		return nil, err
	}
	keyDir, err := log.buildKeyDir()
	if err != nil {
		log.file.Close()
		return nil, err
	}
	bc := &BitCask{log: log, keyDir: keyDir, syncWrites: true}

	status, err := bc.Status()
	if err != nil {
		bc.Close()
		return nil, err
	}
	if status.GarbageDiskSize > 0 && status.TotalDiskSize > 0 &&
		float64(status.GarbageDiskSize)/float64(status.TotalDiskSize) >= garbageRatioThreshold {
		logger.Infof("bitcask %s: compacting, %d of %d bytes garbage", path, status.GarbageDiskSize, status.TotalDiskSize)
		if err = bc.Compact(); err != nil {
			bc.Close()
			return nil, err
		}
	}
	return bc, nil
}

// Compact rewrites the log with live entries only.
func (bc *BitCask) Compact() error {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	live := make([]*Pair, 0, bc.keyDir.Len())
	var readErr error
	bc.keyDir.Ascend(func(i btree.Item) bool {
		item := i.(*keyDirItem)
		value, err := bc.log.readValue(item.Value)
		if err != nil {
			readErr = err
			return false
		}
		live = append(live, &Pair{Key: item.Key, Value: value})
		return true
	})
	if readErr != nil {
		return readErr
	}

	if err := bc.log.file.Truncate(0); err != nil {
		return errors.Wrap(err, "truncate log")
	}
	for _, p := range live {
		off, err := bc.log.writeEntry(p.Key, p.Value)
		if err != nil {
			return err
		}
		bc.keyDir.ReplaceOrInsert(&keyDirItem{Key: p.Key, Value: off})
	}
	return bc.log.file.Sync()
}

func (bc *BitCask) Set(key, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	bc.mu.Lock()
	defer bc.mu.Unlock()

	off, err := bc.log.writeEntry(key, value)
	if err != nil {
		return err
	}
	if bc.syncWrites {
		if err = bc.log.file.Sync(); err != nil {
			return errors.Wrap(err, "sync log")
		}
	}
	bc.keyDir.ReplaceOrInsert(&keyDirItem{Key: append([]byte(nil), key...), Value: off})
	return nil
}

// Get returns nil when the key is absent.
func (bc *BitCask) Get(key []byte) ([]byte, error) {
	bc.mu.RLock()
	defer bc.mu.RUnlock()

	item := bc.keyDir.Get(&keyDirItem{Key: key})
	if item == nil {
		return nil, nil
	}
	return bc.log.readValue(item.(*keyDirItem).Value)
}

func (bc *BitCask) Delete(key []byte) error {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	if bc.keyDir.Get(&keyDirItem{Key: key}) == nil {
		return nil
	}
	if _, err := bc.log.writeEntry(key, nil); err != nil {
		return err
	}
	bc.keyDir.Delete(&keyDirItem{Key: key})
	if bc.syncWrites {
		return bc.log.file.Sync()
	}
	return nil
}

// Scan returns pairs with from <= key < to in key order. A nil to scans to
// the end.
func (bc *BitCask) Scan(from, to []byte) ([]*Pair, error) {
	bc.mu.RLock()
	defer bc.mu.RUnlock()

	pairs := []*Pair{}
	var readErr error
	visit := func(i btree.Item) bool {
		item := i.(*keyDirItem)
		value, err := bc.log.readValue(item.Value)
		if err != nil {
			readErr = err
			return false
		}
		pairs = append(pairs, &Pair{Key: item.Key, Value: value})
		return true
	}
	if to == nil {
		bc.keyDir.AscendGreaterOrEqual(&keyDirItem{Key: from}, visit)
	} else {
		bc.keyDir.AscendRange(&keyDirItem{Key: from}, &keyDirItem{Key: to}, visit)
	}
	return pairs, readErr
}

func (bc *BitCask) ScanPrefix(prefix []byte) ([]*Pair, error) {
	return bc.Scan(prefix, prefixEnd(prefix))
}

// prefixEnd is the smallest key greater than every key starting with prefix,
// or nil when no such key exists.
func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] != 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}

func (bc *BitCask) Status() (*Status, error) {
	bc.mu.RLock()
	defer bc.mu.RUnlock()

	keys := uint64(bc.keyDir.Len())
	size := uint64(0)
	bc.keyDir.Ascend(func(i btree.Item) bool {
		item := i.(*keyDirItem)
		size += uint64(len(item.Key)) + uint64(item.Value.Len)
		return true
	})
	stat, err := bc.log.file.Stat()
	if err != nil {
		return nil, err
	}
	totalDiskSize := uint64(stat.Size())
	liveDiskSize := size + entryHeaderSize*keys
	return &Status{
		Name:            "bitcask",
		Keys:            keys,
		Size:            size,
		TotalDiskSize:   totalDiskSize,
		LiveDiskSize:    liveDiskSize,
		GarbageDiskSize: totalDiskSize - liveDiskSize,
		FileName:        bc.FileName(),
	}, nil
}

func (bc *BitCask) Flush() error {
	return bc.log.file.Sync()
}

func (bc *BitCask) Close() error {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	if err := bc.log.file.Sync(); err != nil {
		return err
	}
	return bc.log.file.Close()
}

func (bc *BitCask) FileName() string {
	path, _ := filepath.Abs(bc.log.path)
	return path
}
