package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/loqalabs/jinro-voice/internal/config"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("exec backend tests require a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "backend.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestExecSpeechConcatenatesChunks(t *testing.T) {
	// AAABAA== decodes to {0,0,1,0}; AgA= decodes to {2,0}.
	path := writeScript(t, `cat > /dev/null
echo '{"pcm_base64":"AAABAA==","final":false}'
echo '{"pcm_base64":"AgA=","final":true}'
`)
	backend, err := NewExecSpeech(path)
	if err != nil {
		t.Fatal(err)
	}
	pcm, err := backend.GenerateSpeech(context.Background(), SpeechRequest{Prompt: "x", SampleRate: 24000})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !bytes.Equal(pcm, []byte{0, 0, 1, 0, 2, 0}) {
		t.Fatalf("unexpected pcm %v", pcm)
	}
}

func TestExecSpeechBadOutput(t *testing.T) {
	path := writeScript(t, "cat > /dev/null\necho 'not json'\n")
	backend, err := NewExecSpeech(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := backend.GenerateSpeech(context.Background(), SpeechRequest{Prompt: "x"}); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestExecTextReturnsContent(t *testing.T) {
	path := writeScript(t, "cat > /dev/null\necho '{\"content\":\"rewritten\"}'\n")
	backend, err := NewExecText(path)
	if err != nil {
		t.Fatal(err)
	}
	out, err := backend.GenerateText(context.Background(), TextRequest{Prompt: "p", Format: FormatText})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if out != "rewritten" {
		t.Fatalf("unexpected content %q", out)
	}
}

func TestExecRejectsEmptyCommand(t *testing.T) {
	if _, err := NewExecText("   "); err == nil {
		t.Fatal("expected error for empty command")
	}
}

func TestOllamaSendsSchemaForScripts(t *testing.T) {
	var got ollamaRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		fmt.Fprintln(w, `{"response":"{\"turns\":","done":false}`)
		fmt.Fprintln(w, `{"response":"[]}","done":true}`)
	}))
	defer srv.Close()

	backend := NewOllama(srv.URL+"/", "")
	out, err := backend.GenerateText(context.Background(), TextRequest{Prompt: "p", Format: FormatScript})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if out != `{"turns":[]}` {
		t.Fatalf("unexpected output %q", out)
	}
	if got.Model != "llama3.2:latest" || !got.Stream {
		t.Fatalf("unexpected request %+v", got)
	}
	if len(got.Format) == 0 {
		t.Fatal("expected schema in format field")
	}
}

func TestOllamaStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()
	if _, err := NewOllama(srv.URL, "m").GenerateText(context.Background(), TextRequest{Prompt: "p"}); err == nil {
		t.Fatal("expected status error")
	}
}

func TestFromConfigMock(t *testing.T) {
	cfg := config.Default().Gateway
	g, err := FromConfig(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("from config: %v", err)
	}
	if _, ok := g.speech.(*MockSpeech); !ok {
		t.Fatalf("expected mock speech backend, got %T", g.speech)
	}
	if _, ok := g.text.(*MockText); !ok {
		t.Fatalf("expected mock text backend, got %T", g.text)
	}
}

func TestFromConfigOllamaText(t *testing.T) {
	cfg := config.Default().Gateway
	cfg.TextMode = "ollama"
	g, err := FromConfig(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := g.text.(*Ollama); !ok {
		t.Fatalf("expected ollama text backend, got %T", g.text)
	}
}

func TestFromConfigRejectsUnknownMode(t *testing.T) {
	cfg := config.Default().Gateway
	cfg.Mode = "carrier-pigeon"
	if _, err := FromConfig(context.Background(), cfg, newLogger()); err == nil {
		t.Fatal("expected error")
	}
}
