package transam

import (
	"github.com/pkg/errors"

	"tvam/bitcask"
	"tvam/htup"
	"tvam/logger"
	"tvam/util"
)

const (
	KeyPrefix       byte = 0x07
	XidLimitPrefix  byte = 0x01
	XidStatusPrefix byte = 0x02
)

// xidBatch is how many xids are reserved in the store with one write.
const xidBatch = 128

type XidLimitKey struct{}

func (k *XidLimitKey) Encode() []byte {
	return []byte{KeyPrefix, XidLimitPrefix}
}

type XidStatusKey struct {
	Xid htup.TransactionID
}

func (k *XidStatusKey) Encode() []byte {
	return append([]byte{KeyPrefix, XidStatusPrefix}, util.BinaryToByte(uint32(k.Xid))...)
}

// Open builds a manager whose commit log lives in store. Transactions that
// never finished before the store was closed count as aborted, and their
// xids are never handed out again.
func Open(store bitcask.Engine) (*Manager, error) {
	m := NewManager()
	m.store = store

	value, err := store.Get((&XidLimitKey{}).Encode())
	if err != nil {
		return nil, errors.Wrap(err, "read xid limit")
	}
	if len(value) != 0 {
		var limit uint32
		if err = util.ByteToInt(value, &limit); err != nil {
			return nil, errors.Wrap(err, "decode xid limit")
		}
		m.nextXid = htup.TransactionID(limit)
		m.xidLimit = m.nextXid
	}

	pairs, err := store.ScanPrefix([]byte{KeyPrefix, XidStatusPrefix})
	if err != nil {
		return nil, errors.Wrap(err, "scan commit log")
	}
	for _, p := range pairs {
		var xid uint32
		if err = util.ByteToInt(p.Key[2:], &xid); err != nil {
			return nil, errors.Wrapf(err, "decode commit log key %x", p.Key)
		}
		if len(p.Value) != 1 {
			return nil, errors.Errorf("commit log entry for %d is %d bytes", xid, len(p.Value))
		}
		m.clog[htup.TransactionID(xid)] = XidStatus(p.Value[0])
	}
	logger.Infof("commit log loaded: %d transactions, next xid %d", len(pairs), m.nextXid)
	return m, nil
}

// reserveLocked makes sure xid lies below the limit recorded in the store.
func (m *Manager) reserveLocked(xid htup.TransactionID) error {
	if m.store == nil || xid.Precedes(m.xidLimit) {
		return nil
	}
	limit := xid + xidBatch
	if err := m.store.Set((&XidLimitKey{}).Encode(), util.BinaryToByte(uint32(limit))); err != nil {
		return errors.Wrap(err, "reserve xids")
	}
	m.xidLimit = limit
	return nil
}

func (m *Manager) recordLocked(xid htup.TransactionID, status XidStatus) error {
	if m.store == nil {
		return nil
	}
	if err := m.store.Set((&XidStatusKey{Xid: xid}).Encode(), []byte{byte(status)}); err != nil {
		return errors.Wrapf(err, "record %s for xid %d", status, xid)
	}
	return nil
}
