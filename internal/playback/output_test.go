package playback

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/jinro-voice/internal/audio"
	"github.com/loqalabs/jinro-voice/internal/bus"
	"github.com/loqalabs/jinro-voice/internal/config"
	"github.com/loqalabs/jinro-voice/internal/protocol"
	natstest "github.com/nats-io/nats-server/v2/test"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type recordingSink struct {
	mu        sync.Mutex
	pcm       []byte
	finals    int
	finished  []bool
	sequences []int
}

func (r *recordingSink) Frame(_ Meta, seq, _, _ int, pcm []byte, final bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pcm = append(r.pcm, pcm...)
	r.sequences = append(r.sequences, seq)
	if final {
		r.finals++
	}
}

func (r *recordingSink) Finished(_ Meta, completed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished = append(r.finished, completed)
}

func clipOf(t *testing.T, d time.Duration) Clip {
	t.Helper()
	pcm := make([]byte, int(d.Seconds()*audio.DefaultSampleRate)*2)
	for i := range pcm {
		pcm[i] = byte(i)
	}
	buf, err := audio.DecodePCM(pcm, audio.DefaultSampleRate, 1)
	if err != nil {
		t.Fatal(err)
	}
	return Clip{Buffer: buf, PCM: pcm}
}

func waitDone(t *testing.T, src Source, within time.Duration) {
	t.Helper()
	select {
	case <-src.Done():
	case <-time.After(within):
		t.Fatalf("source did not finish within %s", within)
	}
}

func TestPacedOutputPlaysToCompletion(t *testing.T) {
	sink := &recordingSink{}
	out := NewPacedOutput(10*time.Millisecond, sink, newLogger())
	clip := clipOf(t, 55*time.Millisecond)

	started := time.Now()
	src, err := out.Start(clip, Meta{SessionID: "s1", Label: "single"})
	if err != nil {
		t.Fatal(err)
	}
	waitDone(t, src, 2*time.Second)

	if elapsed := time.Since(started); elapsed < 50*time.Millisecond {
		t.Fatalf("playback finished too early: %s", elapsed)
	}
	if !src.Completed() {
		t.Fatal("expected natural completion")
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if !bytes.Equal(sink.pcm, clip.PCM) {
		t.Fatal("sink did not receive the full clip")
	}
	if sink.finals != 1 {
		t.Fatalf("expected one final frame, got %d", sink.finals)
	}
	for i, seq := range sink.sequences {
		if seq != i {
			t.Fatalf("sequence %d out of order: %d", i, seq)
		}
	}
	if len(sink.finished) != 1 || !sink.finished[0] {
		t.Fatalf("unexpected finish reports %v", sink.finished)
	}
}

func TestPacedOutputStop(t *testing.T) {
	sink := &recordingSink{}
	out := NewPacedOutput(20*time.Millisecond, sink, newLogger())
	src, err := out.Start(clipOf(t, 5*time.Second), Meta{SessionID: "s1"})
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(30 * time.Millisecond)
	src.Stop()
	src.Stop()
	waitDone(t, src, time.Second)

	if src.Completed() {
		t.Fatal("stopped clip must not report completion")
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.finished) != 1 || sink.finished[0] {
		t.Fatalf("unexpected finish reports %v", sink.finished)
	}
}

func TestPacedOutputEmptyClip(t *testing.T) {
	out := NewPacedOutput(10*time.Millisecond, nil, newLogger())
	buf, _ := audio.DecodePCM(nil, audio.DefaultSampleRate, 1)
	src, err := out.Start(Clip{Buffer: buf}, Meta{})
	if err != nil {
		t.Fatal(err)
	}
	waitDone(t, src, time.Second)
	if !src.Completed() {
		t.Fatal("empty clip should complete immediately")
	}
}

func TestBusSinkPublishesFrames(t *testing.T) {
	opts := natstest.DefaultTestOptions
	opts.Port = -1
	srv := natstest.RunServer(&opts)
	t.Cleanup(srv.Shutdown)

	client, err := bus.Connect(context.Background(), "playback-test", config.BusConfig{
		Servers:        []string{srv.ClientURL()},
		ConnectTimeout: 2000,
	}, newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)

	frames, err := client.Conn().SubscribeSync(protocol.PlaybackAudioSubject("table"))
	if err != nil {
		t.Fatal(err)
	}
	status, err := client.Conn().SubscribeSync(protocol.SubjectPlaybackDone)
	if err != nil {
		t.Fatal(err)
	}

	out := NewPacedOutput(10*time.Millisecond, NewBusSink(client, "table", newLogger()), newLogger())
	clip := clipOf(t, 25*time.Millisecond)
	src, err := out.Start(clip, Meta{SessionID: "s-42", Label: "turn-0"})
	if err != nil {
		t.Fatal(err)
	}
	waitDone(t, src, 2*time.Second)

	var got []byte
	for {
		msg, err := frames.NextMsg(time.Second)
		if err != nil {
			t.Fatalf("next frame: %v", err)
		}
		var chunk protocol.AudioChunk
		if err := json.Unmarshal(msg.Data, &chunk); err != nil {
			t.Fatal(err)
		}
		if chunk.SessionID != "s-42" || chunk.Target != "table" || chunk.Clip != "turn-0" {
			t.Fatalf("unexpected chunk metadata %+v", chunk)
		}
		got = append(got, chunk.PCM...)
		if chunk.Final {
			break
		}
	}
	if !bytes.Equal(got, clip.PCM) {
		t.Fatal("published frames do not reassemble the clip")
	}

	msg, err := status.NextMsg(time.Second)
	if err != nil {
		t.Fatalf("next status: %v", err)
	}
	var st protocol.PlaybackStatus
	if err := json.Unmarshal(msg.Data, &st); err != nil {
		t.Fatal(err)
	}
	if !st.Completed || st.SessionID != "s-42" {
		t.Fatalf("unexpected status %+v", st)
	}
}
