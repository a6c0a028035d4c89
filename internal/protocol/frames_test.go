package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParseIdentify(t *testing.T) {
	id, err := ParseIdentify([]byte(` {"uid":"u1","extra":true} `))
	if err != nil || id.UID != "u1" {
		t.Fatalf("expected uid u1, got %+v err=%v", id, err)
	}

	cases := map[string]error{
		``:               ErrMalformed,
		`hello`:          ErrMalformed,
		`["uid"]`:        ErrMalformed,
		`{"uid":`:        ErrMalformed,
		`{}`:             ErrMissingUID,
		`{"uid":""}`:     ErrMissingUID,
		`{"uid":42}`:     ErrMissingUID,
		`{"uid":null}`:   ErrMissingUID,
		`{"act":"ping"}`: ErrMissingUID,
	}
	for frame, want := range cases {
		if _, err := ParseIdentify([]byte(frame)); !errors.Is(err, want) {
			t.Fatalf("frame %q: expected %v, got %v", frame, want, err)
		}
	}
}

func TestParseRequest(t *testing.T) {
	req, err := ParseRequest([]byte(`{"act":"sendTxt","id":"u1","data":"ct","iv":"x","key":{"k":1},"target":7}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if req.Act != ActSendTxt {
		t.Fatalf("unexpected act %s", req.Act)
	}
	if id, ok := req.String("id"); !ok || id != "u1" {
		t.Fatalf("expected id u1, got %q ok=%v", id, ok)
	}
	if _, ok := req.String("target"); ok {
		t.Fatal("numeric target must not read as a string")
	}
	if got, ok := req.FirstString("target", "id"); !ok || got != "u1" {
		t.Fatalf("expected fallback to id, got %q ok=%v", got, ok)
	}
	p := req.Payload()
	if string(p.Data) != `"ct"` || string(p.Key) != `{"k":1}` || p.Sig != nil {
		t.Fatalf("unexpected payload: %+v", p)
	}

	for _, frame := range []string{`{}`, `{"act":""}`, `{"act":1}`, `"ping"`, `not json`} {
		if _, err := ParseRequest([]byte(frame)); err == nil {
			t.Fatalf("frame %q: expected error", frame)
		}
	}
}

func TestTxtMsgEncoding(t *testing.T) {
	p := Payload{Data: json.RawMessage(`"ct"`), IV: json.RawMessage(`"x"`)}
	raw, err := Encode(NewTxtMsg("u1", "u2", p, 1700000000000))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	var got map[string]any
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["resp"] != RespTxtMsg || got["target"] != "u1" || got["uid"] != "u2" || got["data"] != "ct" || got["iv"] != "x" {
		t.Fatalf("unexpected frame: %s", raw)
	}
	if got["time"].(float64) != 1700000000000 {
		t.Fatalf("unexpected time in %s", raw)
	}
	if _, ok := got["sig"]; ok {
		t.Fatalf("absent fields must be omitted: %s", raw)
	}
}

func TestEncodeKeepsRelayedCharacters(t *testing.T) {
	p := Payload{Data: json.RawMessage(`{"ct" : "a<b&c>"}`), Sig: json.RawMessage(`"x\u2028y"`)}
	raw, err := Encode(NewTxtMsg("u1", "u2", p, 1))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	want := `{"resp":"txtMsg","target":"u1","uid":"u2","data":{"ct":"a<b&c>"},"sig":"x\u2028y","time":1}`
	if string(raw) != want {
		t.Fatalf("expected %s, got %s", want, raw)
	}
}

func TestKeyReplyNullPub(t *testing.T) {
	raw, err := Encode(KeyReply{Resp: RespPubKey, UID: json.RawMessage(`"u9"`)})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if string(raw) != `{"resp":"pubKey","uid":"u9","pub":null}` {
		t.Fatalf("unexpected key reply %s", raw)
	}
}

func TestInvalidFrame(t *testing.T) {
	raw, err := Encode(Invalid(0))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if string(raw) != `{"err":"invalid","lives":0}` {
		t.Fatalf("lives must be present even when zero, got %s", raw)
	}
	raw, _ = Encode(ErrorFrame{Err: ErrCodeAnotherOnline})
	if string(raw) != `{"err":"anotherOnline"}` {
		t.Fatalf("unexpected anotherOnline frame %s", raw)
	}
}
