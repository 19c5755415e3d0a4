package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParseClientMessageStreamAudioShapes(t *testing.T) {
	cases := map[string]string{
		"base64":     `{"type":"stream_audio","audio":"AQID"}`,
		"array":      `{"type":"stream_audio","audio":[1,2,3]}`,
		"typed view": `{"type":"stream_audio","audio":{"2":3,"0":1,"1":2}}`,
		"buffer":     `{"type":"stream_audio","audio":{"type":"Buffer","data":[1,2,3]}}`,
	}
	for name, raw := range cases {
		msg, err := ParseClientMessage([]byte(raw))
		if err != nil {
			t.Fatalf("%s: ParseClientMessage() error = %v", name, err)
		}
		frame, ok := msg.(AudioFrame)
		if !ok {
			t.Fatalf("%s: message type = %T, want AudioFrame", name, msg)
		}
		if string(frame.Data) != string([]byte{1, 2, 3}) {
			t.Fatalf("%s: data = %v", name, frame.Data)
		}
	}
}

func TestParseClientMessageInvalidAudio(t *testing.T) {
	cases := []string{
		`{"type":"stream_audio"}`,
		`{"type":"stream_audio","audio":[]}`,
		`{"type":"stream_audio","audio":[1,256]}`,
		`{"type":"stream_audio","audio":[1.5]}`,
		`{"type":"stream_audio","audio":{"0":1,"2":3}}`,
		`{"type":"stream_audio","audio":{"x":1}}`,
		`{"type":"stream_audio","audio":"!!notbase64"}`,
		`{"type":"stream_audio","audio":42}`,
	}
	for _, raw := range cases {
		if _, err := ParseClientMessage([]byte(raw)); !errors.Is(err, ErrInvalidAudioPayload) {
			t.Fatalf("ParseClientMessage(%s) error = %v, want ErrInvalidAudioPayload", raw, err)
		}
	}
}

func TestParseClientMessageFinalize(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`{"type":"finalize","transcript":"give dolo 650","context":"<p>prior</p>"}`))
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	fin, ok := msg.(Finalize)
	if !ok {
		t.Fatalf("message type = %T, want Finalize", msg)
	}
	if fin.Transcript != "give dolo 650" || fin.Context != "<p>prior</p>" {
		t.Fatalf("unexpected finalize: %+v", fin)
	}
}

func TestParseClientMessageRejectsUnknownType(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"wat"}`))
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("error = %v, want ErrUnsupportedType", err)
	}
}

func TestServerMessagesWireShape(t *testing.T) {
	raw, _ := json.Marshal(NewTranscriptFragment("dolo", true))
	if string(raw) != `{"type":"transcript_fragment","text":"dolo","isFinal":true}` {
		t.Fatalf("fragment json = %s", raw)
	}
	raw, _ = json.Marshal(NewFinalizeResult("<p>x</p>", 0))
	if string(raw) != `{"type":"finalize_result","html":"<p>x</p>","remainingCredits":0}` {
		t.Fatalf("result json = %s", raw)
	}
	raw, _ = json.Marshal(NewFinalizeError(ErrorInsufficientCredits))
	if string(raw) != `{"type":"finalize_result","error":"insufficient_credits"}` {
		t.Fatalf("error json = %s", raw)
	}
	raw, _ = json.Marshal(NewFallbackToUpload())
	if string(raw) != `{"type":"fallback_to_upload"}` {
		t.Fatalf("fallback json = %s", raw)
	}
}
