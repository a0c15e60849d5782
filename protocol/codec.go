package protocol

import (
	"errors"
	"io"
	"math"

	"github.com/rarydzu/gfilestore/store"
	"github.com/rarydzu/gfilestore/utils"
)

const (
	// MaxPathLen bounds every path payload.
	MaxPathLen = 4096
	HeaderSize = 12
)

var (
	ErrUnknownOp    = errors.New("unknown opcode")
	ErrPathTooLong  = errors.New("path too long")
	ErrBlobTooLarge = errors.New("data segment too large")
	ErrBadPayload   = errors.New("malformed payload")
)

type Header struct {
	Op  Op
	Len uint64
}

// Record is one file of a record list.
type Record struct {
	Path string
	Data []byte
}

// FromStore converts files handed out by the store.
func FromStore(files []store.Evicted) []Record {
	out := make([]Record, 0, len(files))
	for _, f := range files {
		out = append(out, Record{Path: f.Path, Data: f.Data})
	}
	return out
}

func ReadHeader(r io.Reader) (Header, error) {
	var buf [HeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Header{}, err
	}
	h := Header{
		Op:  Op(utils.BytesToInt32(buf[:4])),
		Len: utils.BytesToUint64(buf[4:]),
	}
	if !h.Op.Valid() {
		return h, ErrUnknownOp
	}
	return h, nil
}

func WriteHeader(w io.Writer, h Header) error {
	buf := make([]byte, 0, HeaderSize)
	buf = append(buf, utils.Int32ToBytes(int32(h.Op))...)
	buf = append(buf, utils.Uint64ToBytes(h.Len)...)
	_, err := w.Write(buf)
	return err
}

// ReadPath reads a path payload of n bytes. An oversized payload is
// consumed and reported as ErrPathTooLong so the stream stays in sync.
func ReadPath(r io.Reader, n uint64) (string, error) {
	if n > math.MaxInt64 {
		return "", ErrBadPayload
	}
	if n > MaxPathLen {
		if _, err := io.CopyN(io.Discard, r, int64(n)); err != nil {
			return "", err
		}
		return "", ErrPathTooLong
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func ReadInt32(r io.Reader) (int32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return utils.BytesToInt32(buf[:]), nil
}

func WriteInt32(w io.Writer, v int32) error {
	_, err := w.Write(utils.Int32ToBytes(v))
	return err
}

func ReadUint64(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return utils.BytesToUint64(buf[:]), nil
}

func WriteUint64(w io.Writer, v uint64) error {
	_, err := w.Write(utils.Uint64ToBytes(v))
	return err
}

// ReadBlob reads {len uint64, bytes}. A segment longer than limit is
// discarded and reported as ErrBlobTooLarge.
func ReadBlob(r io.Reader, limit uint64) ([]byte, error) {
	n, err := ReadUint64(r)
	if err != nil {
		return nil, err
	}
	if n > math.MaxInt64 {
		return nil, ErrBadPayload
	}
	if n > limit {
		if _, err := io.CopyN(io.Discard, r, int64(n)); err != nil {
			return nil, err
		}
		return nil, ErrBlobTooLarge
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func WriteBlob(w io.Writer, data []byte) error {
	if err := WriteUint64(w, uint64(len(data))); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

// WriteRecords writes a record list terminated by an empty path.
func WriteRecords(w io.Writer, records []Record) error {
	for _, rec := range records {
		if err := WriteBlob(w, []byte(rec.Path)); err != nil {
			return err
		}
		if err := WriteBlob(w, rec.Data); err != nil {
			return err
		}
	}
	return WriteUint64(w, 0)
}

// ReadRecords reads a record list. limit bounds each data segment.
func ReadRecords(r io.Reader, limit uint64) ([]Record, error) {
	var out []Record
	for {
		n, err := ReadUint64(r)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return out, nil
		}
		if n > MaxPathLen {
			return nil, ErrBadPayload
		}
		path := make([]byte, n)
		if _, err := io.ReadFull(r, path); err != nil {
			return nil, err
		}
		data, err := ReadBlob(r, limit)
		if err != nil {
			return nil, err
		}
		out = append(out, Record{Path: string(path), Data: data})
	}
}

func WriteCode(w io.Writer, c Code) error {
	return WriteInt32(w, int32(c))
}

// ReadCode reads a response code. Values outside the known range come back
// as InvalidResponse.
func ReadCode(r io.Reader) (Code, error) {
	v, err := ReadInt32(r)
	if err != nil {
		return InvalidResponse, err
	}
	c := Code(v)
	if _, ok := codeNames[c]; !ok {
		return InvalidResponse, nil
	}
	return c, nil
}
