package codec

import (
	"encoding/json"
	"reflect"

	ugorji "github.com/ugorji/go/codec"
)

var mapStringAny = reflect.TypeOf(map[string]any(nil))

func newCBORHandle() *ugorji.CborHandle {
	h := &ugorji.CborHandle{}
	h.MapType = mapStringAny
	h.Canonical = true
	return h
}

func newMsgpackHandle() *ugorji.MsgpackHandle {
	h := &ugorji.MsgpackHandle{}
	h.MapType = mapStringAny
	h.RawToString = true
	h.WriteExt = true
	return h
}

func encodeJSON(v any) ([]byte, error) {
	return json.Marshal(v)
}

func decodeJSON(data []byte, out any) error {
	return json.Unmarshal(data, out)
}

func encodeUgorji(h ugorji.Handle, v any) ([]byte, error) {
	var buf []byte
	enc := ugorji.NewEncoderBytes(&buf, h)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf, nil
}

func decodeUgorji(h ugorji.Handle, data []byte, out any) error {
	dec := ugorji.NewDecoderBytes(data, h)
	return dec.Decode(out)
}
