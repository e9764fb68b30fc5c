package xlog

import (
	"sync"

	"github.com/pkg/errors"

	"tvam/bitcask"
	"tvam/util"
)

// LSN is the position of a record in the log.
type LSN uint64

const InvalidLSN LSN = 0

// RecordType tags a log record.
type RecordType byte

const (
	// RecSmgrCreate records the creation of a relation fork file.
	RecSmgrCreate RecordType = 0x10
	// RecSmgrTruncate records a fork truncated to a block count.
	RecSmgrTruncate RecordType = 0x20
)

var recordPrefix = []byte{'x', 'l'}

// Record is a decoded log record.
type Record struct {
	LSN     LSN
	Type    RecordType
	Payload []byte
}

// Writer appends records to a bitcask engine under monotonically increasing
// LSNs.
type Writer struct {
	mu     sync.Mutex
	engine bitcask.Engine
	next   LSN
}

// NewWriter resumes after the last record already in engine.
func NewWriter(engine bitcask.Engine) (*Writer, error) {
	pairs, err := engine.ScanPrefix(recordPrefix)
	if err != nil {
		return nil, errors.Wrap(err, "scan write-ahead log")
	}
	next := LSN(1)
	if len(pairs) > 0 {
		last, err := decodeKey(pairs[len(pairs)-1].Key)
		if err != nil {
			return nil, err
		}
		next = last + 1
	}
	return &Writer{engine: engine, next: next}, nil
}

func encodeKey(lsn LSN) []byte {
	return util.BufferAppend(recordPrefix, util.BinaryToByte(uint64(lsn)))
}

func decodeKey(key []byte) (LSN, error) {
	if len(key) != len(recordPrefix)+8 {
		return InvalidLSN, errors.Errorf("malformed log key %x", key)
	}
	var lsn uint64
	if err := util.ByteToInt(key[len(recordPrefix):], &lsn); err != nil {
		return InvalidLSN, err
	}
	return LSN(lsn), nil
}

// Insert appends a record and returns its LSN.
func (w *Writer) Insert(typ RecordType, payload []byte) (LSN, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	lsn := w.next
	if err := w.engine.Set(encodeKey(lsn), util.BufferAppend([]byte{byte(typ)}, payload)); err != nil {
		return InvalidLSN, errors.Wrapf(err, "insert record at %d", lsn)
	}
	w.next++
	return lsn, nil
}

// Flush forces the log to durable storage.
func (w *Writer) Flush() error {
	return w.engine.Flush()
}

// Records reads every record in LSN order.
func (w *Writer) Records() ([]Record, error) {
	pairs, err := w.engine.ScanPrefix(recordPrefix)
	if err != nil {
		return nil, err
	}
	records := make([]Record, 0, len(pairs))
	for _, p := range pairs {
		lsn, err := decodeKey(p.Key)
		if err != nil {
			return nil, err
		}
		if len(p.Value) == 0 {
			return nil, errors.Errorf("empty record at %d", lsn)
		}
		records = append(records, Record{LSN: lsn, Type: RecordType(p.Value[0]), Payload: p.Value[1:]})
	}
	return records, nil
}
