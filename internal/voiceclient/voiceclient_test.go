package voiceclient_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/simgateway/internal/voiceclient"
	"github.com/MrWong99/simgateway/pkg/types"
	"github.com/coder/websocket"
)

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func startServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("readJSON: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("readJSON unmarshal: %v", err)
	}
}

func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v", err)
	}
}

func TestConnect_NoAPIKeyFailsFast(t *testing.T) {
	t.Parallel()
	c := voiceclient.New("")
	_, err := c.Connect(context.Background(), "", nil, "")
	if err != voiceclient.ErrNoAPIKey {
		t.Fatalf("err = %v, want ErrNoAPIKey", err)
	}
}

func TestConnect_SendsSessionUpdate(t *testing.T) {
	t.Parallel()
	received := make(chan map[string]any, 1)

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		received <- raw
		<-conn.CloseRead(context.Background()).Done()
	})

	c := voiceclient.New("key", voiceclient.WithBaseURL(wsURL(srv)))
	sess, err := c.Connect(context.Background(), "be a pediatric SVT patient", nil, "alloy")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	select {
	case raw := <-received:
		if raw["type"] != "session.update" {
			t.Errorf("type = %v, want session.update", raw["type"])
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout")
	}
}

func TestSession_EmitsAudioOut(t *testing.T) {
	t.Parallel()
	audioReceived := make(chan []byte, 1)

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		writeJSON(t, conn, map[string]string{
			"type":  "response.audio.delta",
			"delta": base64.StdEncoding.EncodeToString([]byte("pcm-bytes")),
		})
		<-conn.CloseRead(context.Background()).Done()
	})

	c := voiceclient.New("key", voiceclient.WithBaseURL(wsURL(srv)))
	sess, err := c.Connect(context.Background(), "", nil, "")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	sess.OnAudioOut(func(b []byte) { audioReceived <- b })

	select {
	case b := <-audioReceived:
		if string(b) != "pcm-bytes" {
			t.Errorf("audio = %q, want pcm-bytes", b)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout")
	}
}

func TestSession_EmitsTranscriptDeltaThenFinal(t *testing.T) {
	t.Parallel()
	deltas := make(chan struct {
		text  string
		final bool
	}, 4)

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		writeJSON(t, conn, map[string]string{"type": "response.audio_transcript.delta", "delta": "It "})
		writeJSON(t, conn, map[string]string{"type": "response.audio_transcript.delta", "delta": "hurts"})
		writeJSON(t, conn, map[string]string{"type": "response.audio_transcript.done"})
		<-conn.CloseRead(context.Background()).Done()
	})

	c := voiceclient.New("key", voiceclient.WithBaseURL(wsURL(srv)))
	sess, err := c.Connect(context.Background(), "", nil, "")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	sess.OnTranscriptDelta(func(text string, final bool) {
		deltas <- struct {
			text  string
			final bool
		}{text, final}
	})

	var last struct {
		text  string
		final bool
	}
	for i := 0; i < 3; i++ {
		select {
		case d := <-deltas:
			last = d
		case <-time.After(3 * time.Second):
			t.Fatal("timeout")
		}
	}
	if !last.final || last.text != "It hurts" {
		t.Errorf("last delta = %+v, want final text %q", last, "It hurts")
	}
}

func TestSession_EmitsToolIntent(t *testing.T) {
	t.Parallel()
	intents := make(chan types.Intent, 1)

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		writeJSON(t, conn, map[string]string{
			"type":      "response.function_call_arguments.done",
			"name":      "advance_stage",
			"arguments": `{"stageId":"decompensation"}`,
			"call_id":   "call-1",
		})
		var ack map[string]any
		readJSON(t, conn, &ack) // the session's response.create follow-up
		<-conn.CloseRead(context.Background()).Done()
	})

	c := voiceclient.New("key", voiceclient.WithBaseURL(wsURL(srv)))
	sess, err := c.Connect(context.Background(), "", voiceclient.DefaultToolSpecs(), "")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	sess.OnToolIntent(func(in types.Intent) { intents <- in })

	select {
	case in := <-intents:
		if in.Type != types.IntentAdvanceStage || in.StageID != "decompensation" {
			t.Errorf("intent = %+v, want advanceStage(decompensation)", in)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout")
	}
}

func TestSession_EmitsUsage(t *testing.T) {
	t.Parallel()
	type usage struct{ in, out int }
	usages := make(chan usage, 1)

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		writeJSON(t, conn, map[string]any{
			"type":  "response.done",
			"usage": map[string]int{"input_tokens": 120, "output_tokens": 45},
		})
		<-conn.CloseRead(context.Background()).Done()
	})

	c := voiceclient.New("key", voiceclient.WithBaseURL(wsURL(srv)))
	sess, err := c.Connect(context.Background(), "", nil, "")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	sess.OnUsage(func(in, out int) { usages <- usage{in, out} })

	select {
	case u := <-usages:
		if u.in != 120 || u.out != 45 {
			t.Errorf("usage = %+v, want {120 45}", u)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout")
	}
}

func TestSession_OnDisconnectFiresOnRemoteClose(t *testing.T) {
	t.Parallel()
	disconnected := make(chan error, 1)

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		conn.Close(websocket.StatusNormalClosure, "bye")
	})

	c := voiceclient.New("key", voiceclient.WithBaseURL(wsURL(srv)))
	sess, err := c.Connect(context.Background(), "", nil, "")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	sess.OnDisconnect(func(err error) { disconnected <- err })

	select {
	case err := <-disconnected:
		if err == nil {
			t.Error("expected a non-nil disconnect error on remote close")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout")
	}
}

func TestSession_CloseIsIdempotentAndSuppressesDisconnectError(t *testing.T) {
	t.Parallel()
	disconnected := make(chan error, 1)

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		<-conn.CloseRead(context.Background()).Done()
	})

	c := voiceclient.New("key", voiceclient.WithBaseURL(wsURL(srv)))
	sess, err := c.Connect(context.Background(), "", nil, "")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	sess.OnDisconnect(func(err error) { disconnected <- err })

	if err := sess.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	select {
	case err := <-disconnected:
		if err != nil {
			t.Errorf("disconnect err = %v, want nil on local close", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout")
	}
}

func TestDecodeToolIntent_UnknownToolRejected(t *testing.T) {
	t.Parallel()
	_, ok := voiceclient.DecodeToolIntent("delete_patient", `{}`)
	if ok {
		t.Error("expected unknown tool to be rejected")
	}
}

func TestDecodeToolIntent_UpdateVitals(t *testing.T) {
	t.Parallel()
	in, ok := voiceclient.DecodeToolIntent("update_vitals", `{"hr": 180, "spo2": 88}`)
	if !ok {
		t.Fatal("expected decode to succeed")
	}
	if in.Type != types.IntentUpdateVitals {
		t.Fatalf("type = %v, want IntentUpdateVitals", in.Type)
	}
	if in.VitalsDelta.HR == nil || *in.VitalsDelta.HR != 180 {
		t.Errorf("HR delta = %v, want 180", in.VitalsDelta.HR)
	}
	if in.VitalsDelta.SpO2 == nil || *in.VitalsDelta.SpO2 != 88 {
		t.Errorf("SpO2 delta = %v, want 88", in.VitalsDelta.SpO2)
	}
}
