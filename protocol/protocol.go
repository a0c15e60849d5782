// Package protocol implements the framing spoken over the service socket.
// Every integer is big-endian.
//
// A request is a header (opcode int32, payload length uint64) followed by
// the payload and, for some opcodes, a trailer. A response starts with a
// code int32, optionally followed by a blob or a record list.
package protocol

import (
	"errors"
	"fmt"

	"github.com/rarydzu/gfilestore/store"
)

// Op is a request opcode.
type Op int32

const (
	OpOpen Op = iota + 1
	OpWrite
	OpAppend
	OpRead
	OpReadN
	OpLock
	OpUnlock
	OpRemove
	OpClose
)

var opNames = map[Op]string{
	OpOpen:   "open",
	OpWrite:  "write",
	OpAppend: "append",
	OpRead:   "read",
	OpReadN:  "readn",
	OpLock:   "lock",
	OpUnlock: "unlock",
	OpRemove: "remove",
	OpClose:  "close",
}

func (o Op) String() string {
	if n, ok := opNames[o]; ok {
		return n
	}
	return fmt.Sprintf("op(%d)", int32(o))
}

func (o Op) Valid() bool {
	_, ok := opNames[o]
	return ok
}

// Code is a response code. It implements error so that clients can return
// a failed response as is.
type Code int32

const (
	Success Code = iota + 1
	InvalidRequest
	NotFound
	AlreadyExists
	ServerError
	Locked
	TooLarge
	InvalidResponse
)

var codeNames = map[Code]string{
	Success:         "success",
	InvalidRequest:  "invalid request",
	NotFound:        "not found",
	AlreadyExists:   "already exists",
	ServerError:     "server error",
	Locked:          "locked",
	TooLarge:        "too large",
	InvalidResponse: "invalid response",
}

func (c Code) String() string {
	if n, ok := codeNames[c]; ok {
		return n
	}
	return fmt.Sprintf("code(%d)", int32(c))
}

func (c Code) Error() string {
	return c.String()
}

// CodeFor maps a store error to the code sent to the client.
func CodeFor(err error) Code {
	switch {
	case err == nil:
		return Success
	case errors.Is(err, store.ErrInvalidArgument), errors.Is(err, ErrPathTooLong), errors.Is(err, ErrBadPayload):
		return InvalidRequest
	case errors.Is(err, store.ErrNotFound):
		return NotFound
	case errors.Is(err, store.ErrAlreadyExists):
		return AlreadyExists
	case errors.Is(err, store.ErrPermissionDenied):
		return Locked
	case errors.Is(err, store.ErrTooLarge), errors.Is(err, ErrBlobTooLarge):
		return TooLarge
	}
	var c Code
	if errors.As(err, &c) {
		return c
	}
	return ServerError
}
