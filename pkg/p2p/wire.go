package p2p

import (
	"bytes"
	"encoding/gob"
)

func init() {
	gob.Register(AnnounceWire{})
	gob.Register(RequestWire{})
	gob.Register(ResponseWire{})
}

// AnnounceWire is the full set of services a peer currently provides. A
// newer Seq from the same peer replaces the previous set.
type AnnounceWire struct {
	Seq      uint64
	Addrs    []string // listen multiaddrs, without the /p2p suffix
	Services []string
}

type RequestWire struct {
	Method  string
	Payload []byte // gob-encoded rpc message
}

type ResponseWire struct {
	Payload []byte
	Err     string // handler error, empty on success
}

func gobEncode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
func gobDecode(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
