package protocol_test

import (
	"encoding/json"
	"testing"

	"github.com/MrWong99/avatarlink/internal/protocol"
)

func TestDecode_Audio(t *testing.T) {
	t.Parallel()
	raw := `{"type":"audio","audio_pcm":"AAA=","audio_sample_rate":24000,"audio_channels":1,
		"display_text":{"text":"Hello"},"actions":{"expressions":[3,"smile"]},"forwarded":false,
		"volumes":[0.1,0.5],"slice_length":20}`
	msg, err := protocol.Decode([]byte(raw))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !msg.HasStreamingAudio() {
		t.Error("expected streaming audio with empty format")
	}
	if msg.DisplayText == nil || msg.DisplayText.Text != "Hello" {
		t.Errorf("display_text = %+v", msg.DisplayText)
	}
	expr, ok := msg.FirstExpression()
	if !ok || expr != "3" {
		t.Errorf("FirstExpression() = %q, %v; want \"3\", true", expr, ok)
	}
	if string(msg.Actions.Expressions[1]) != "smile" {
		t.Errorf("second expression = %q", msg.Actions.Expressions[1])
	}
	if len(msg.Volumes) != 2 || msg.SliceLength != 20 {
		t.Errorf("volumes = %v, slice = %d", msg.Volumes, msg.SliceLength)
	}
}

func TestInbound_AudioFormats(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		msg           protocol.Inbound
		wantStreaming bool
		wantOpus      bool
	}{
		{name: "pcm16", msg: protocol.Inbound{AudioPCM: "x", AudioFormat: "pcm16"}, wantStreaming: true},
		{name: "unset format", msg: protocol.Inbound{AudioPCM: "x"}, wantStreaming: true},
		{name: "opus", msg: protocol.Inbound{AudioPCM: "x", AudioFormat: "opus"}, wantOpus: true},
		{name: "unknown format", msg: protocol.Inbound{AudioPCM: "x", AudioFormat: "mp3"}},
		{name: "wav only", msg: protocol.Inbound{Audio: "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.msg.HasStreamingAudio(); got != tt.wantStreaming {
				t.Errorf("HasStreamingAudio() = %v, want %v", got, tt.wantStreaming)
			}
			if got := tt.msg.HasOpusAudio(); got != tt.wantOpus {
				t.Errorf("HasOpusAudio() = %v, want %v", got, tt.wantOpus)
			}
		})
	}
}

func TestDecode_Errors(t *testing.T) {
	t.Parallel()
	if _, err := protocol.Decode([]byte(`{`)); err == nil {
		t.Error("expected error for malformed JSON")
	}
	if _, err := protocol.Decode([]byte(`{"text":"x"}`)); err == nil {
		t.Error("expected error for missing type")
	}
	if _, err := protocol.Decode([]byte(`{"type":"audio","actions":{"expressions":[true]}}`)); err == nil {
		t.Error("expected error for boolean expression")
	}
}

func TestMicAudioData_Wire(t *testing.T) {
	t.Parallel()
	b, err := json.Marshal(protocol.NewMicAudioData("AAA=", 16000, 1))
	if err != nil {
		t.Fatal(err)
	}
	want := `{"type":"mic-audio-data","audio_pcm":"AAA=","audio_format":"pcm16","audio_sample_rate":16000,"audio_channels":1}`
	if string(b) != want {
		t.Errorf("got %s\nwant %s", b, want)
	}

	b, _ = json.Marshal(protocol.NewMicAudioEnd(nil))
	if string(b) != `{"type":"mic-audio-end","images":[]}` {
		t.Errorf("empty mic-audio-end = %s", b)
	}

	b, _ = json.Marshal(protocol.NewMicAudioEnd([]protocol.Image{{Source: "camera", Data: "AAA=", MimeType: "image/jpeg"}}))
	want = `{"type":"mic-audio-end","images":[{"source":"camera","data":"AAA=","mime_type":"image/jpeg"}]}`
	if string(b) != want {
		t.Errorf("got %s\nwant %s", b, want)
	}
}

func TestSetListenMode(t *testing.T) {
	t.Parallel()
	if got := protocol.NewSetListenMode(true).ListenMode; got != protocol.ListenModeRealtime {
		t.Errorf("interrupt on: mode = %q", got)
	}
	b, _ := json.Marshal(protocol.NewSetListenMode(false))
	if string(b) != `{"type":"set-listen-mode","listen_mode":"auto"}` {
		t.Errorf("wire = %s", b)
	}
}

func TestDecode_CaptureRequest(t *testing.T) {
	t.Parallel()
	msg, err := protocol.Decode([]byte(`{"type":"mcp-capture-request","request_id":"r1","source":"screen"}`))
	if err != nil {
		t.Fatal(err)
	}
	if msg.Type != protocol.TypeCaptureRequest || msg.RequestID != "r1" || msg.Source != "screen" {
		t.Errorf("msg = %+v", msg)
	}
}
