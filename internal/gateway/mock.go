package gateway

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"math"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	mockLatency     = 20 * time.Millisecond
	mockPerRune     = 20 * time.Millisecond
	mockMaxDuration = 6 * time.Second
)

// MockSpeech renders a short tone whose length follows the spoken line.
type MockSpeech struct{}

func NewMockSpeech() *MockSpeech { return &MockSpeech{} }

func (m *MockSpeech) GenerateSpeech(ctx context.Context, req SpeechRequest) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(mockLatency):
	}
	rate := req.SampleRate
	if rate <= 0 {
		rate = 24000
	}
	line := req.Prompt
	if i := strings.LastIndex(line, targetSpeaker+": "); i >= 0 {
		line = line[i+len(targetSpeaker)+2:]
	}
	d := time.Duration(utf8.RuneCountInString(line)) * mockPerRune
	if d > mockMaxDuration {
		d = mockMaxDuration
	}
	freq := 220.0
	if len(req.Speakers) > 0 {
		freq += float64(len(req.Speakers[0].Voice)%8) * 40
	}
	frames := int(d.Seconds() * float64(rate))
	pcm := make([]byte, frames*2)
	for i := 0; i < frames; i++ {
		v := 0.2 * math.Sin(2*math.Pi*freq*float64(i)/float64(rate))
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(v*math.MaxInt16)))
	}
	return pcm, nil
}

// MockText echoes the input for rewrites and builds a fixed-length script
// cycling through the allowed roles.
type MockText struct{}

func NewMockText() *MockText { return &MockText{} }

func (m *MockText) GenerateText(ctx context.Context, req TextRequest) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(mockLatency):
	}
	if req.Format != FormatScript {
		return strings.TrimSpace(req.Input) + "……！", nil
	}

	lines := []string{
		"静かに。誰かに聞かれているかもしれない。",
		"今の発言、少し焦っているように聞こえるね。",
		"待ってください、私は本当のことを言っています！",
		"証拠はあるのか？感情論では誰も吊れない。",
		"…この村に、まだ嘘つきが潜んでいる。",
		"今日の投票で決着をつけよう。",
	}
	n := 5
	if req.Mode == ScriptDay {
		n = 6
	}
	var turns []Turn
	for i := 0; i < n && len(req.Roles) > 0; i++ {
		turns = append(turns, Turn{
			RoleID: req.Roles[i%len(req.Roles)],
			Text:   lines[i%len(lines)],
		})
	}
	out, err := json.Marshal(map[string][]Turn{"turns": turns})
	if err != nil {
		return "", err
	}
	return string(out), nil
}
