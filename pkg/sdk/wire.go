package sdk

import (
	"encoding/base64"
	"fmt"

	"github.com/celerix-dev/shelf/pkg/engine"
)

// Wire commands understood by shelfd.
const (
	CmdGet   = "GET"
	CmdSet   = "SET"
	CmdDel   = "DEL"
	CmdScan  = "SCAN"
	CmdApply = "APPLY"
	CmdSync  = "SYNC"
	CmdPing  = "PING"
	CmdQuit  = "QUIT"
)

// Reply prefixes.
const (
	ReplyOK       = "OK"
	ReplyNotFound = "NOTFOUND"
	ReplyErr      = "ERR"
	ReplyPong     = "PONG"
)

// emptyArg stands for a zero-length byte argument, which base64 would encode
// as nothing and break the whitespace-separated line.
const emptyArg = "-"

// Entry is one key/value pair in a SCAN reply. []byte fields marshal as
// base64.
type Entry struct {
	Key   []byte `json:"key"`
	Value []byte `json:"value"`
}

// WireOp is the JSON form of an engine.Op in an APPLY command.
type WireOp struct {
	Op    string `json:"op"`
	Key   []byte `json:"key"`
	Value []byte `json:"value,omitempty"`
}

// EncodeArg returns the line form of a byte argument.
func EncodeArg(b []byte) string {
	if len(b) == 0 {
		return emptyArg
	}
	return base64.StdEncoding.EncodeToString(b)
}

// DecodeArg reverses EncodeArg.
func DecodeArg(s string) ([]byte, error) {
	if s == emptyArg {
		return []byte{}, nil
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("bad argument %q: %w", s, err)
	}
	return b, nil
}

// EncodeOps converts a batch to its wire form.
func EncodeOps(ops []engine.Op) []WireOp {
	out := make([]WireOp, 0, len(ops))
	for _, op := range ops {
		w := WireOp{Op: op.Code.String(), Key: op.Key}
		if op.Code == engine.OpSet {
			w.Value = op.Value
		}
		out = append(out, w)
	}
	return out
}

// DecodeOps converts a wire batch back to engine ops.
func DecodeOps(in []WireOp) ([]engine.Op, error) {
	out := make([]engine.Op, 0, len(in))
	for i, w := range in {
		switch w.Op {
		case engine.OpSet.String():
			v := w.Value
			if v == nil {
				v = []byte{}
			}
			out = append(out, engine.SetOp(w.Key, v))
		case engine.OpDelete.String():
			out = append(out, engine.DeleteOp(w.Key))
		default:
			return nil, fmt.Errorf("batch op %d: %w: %q", i, engine.ErrUnknownOp, w.Op)
		}
	}
	return out, nil
}
