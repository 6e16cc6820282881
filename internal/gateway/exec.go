package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"

	"github.com/mattn/go-shellwords"
)

// ExecSpeech runs an external command per request. The request is written
// to stdin as JSON; stdout carries JSON lines of base64 PCM chunks.
type ExecSpeech struct {
	cmd []string
	mu  sync.Mutex
}

type execSpeechRequest struct {
	Prompt     string    `json:"prompt"`
	Speakers   []Speaker `json:"speakers"`
	SampleRate int       `json:"sample_rate"`
	Channels   int       `json:"channels"`
}

type execSpeechResponse struct {
	PCMBase64 string `json:"pcm_base64"`
	Final     bool   `json:"final"`
}

func NewExecSpeech(command string) (*ExecSpeech, error) {
	args, err := parseCommand(command)
	if err != nil {
		return nil, fmt.Errorf("parse speech command: %w", err)
	}
	return &ExecSpeech{cmd: args}, nil
}

func (e *ExecSpeech) GenerateSpeech(ctx context.Context, req SpeechRequest) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	input, err := json.Marshal(execSpeechRequest{
		Prompt:     req.Prompt,
		Speakers:   req.Speakers,
		SampleRate: req.SampleRate,
		Channels:   1,
	})
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	var pcm []byte
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var resp execSpeechResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			abort(cmd)
			return nil, fmt.Errorf("decode speech exec response: %w", err)
		}
		chunk, err := base64.StdEncoding.DecodeString(resp.PCMBase64)
		if err != nil {
			abort(cmd)
			return nil, fmt.Errorf("decode speech exec pcm: %w", err)
		}
		pcm = append(pcm, chunk...)
	}
	scanErr := scanner.Err()
	if err := cmd.Wait(); err != nil {
		return nil, fmt.Errorf("speech exec command failed: %w", err)
	}
	if scanErr != nil {
		return nil, scanErr
	}
	return pcm, nil
}

// ExecText runs an external command that reads a JSON request on stdin and
// answers with a single JSON object carrying the content.
type ExecText struct {
	cmd []string
	mu  sync.Mutex
}

type execTextResponse struct {
	Content string `json:"content"`
}

func NewExecText(command string) (*ExecText, error) {
	args, err := parseCommand(command)
	if err != nil {
		return nil, fmt.Errorf("parse text command: %w", err)
	}
	return &ExecText{cmd: args}, nil
}

func (e *ExecText) GenerateText(ctx context.Context, req TextRequest) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	payload := map[string]any{
		"prompt": req.Prompt,
		"format": req.Format,
		"input":  req.Input,
	}
	if req.Format == FormatScript {
		payload["roles"] = req.Roles
		payload["mode"] = req.Mode
		payload["schema"] = json.RawMessage(scriptSchema)
	}
	input, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	cmd := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("text exec command failed: %w", err)
	}

	var resp execTextResponse
	if err := json.Unmarshal(output, &resp); err != nil {
		return "", fmt.Errorf("decode text exec response: %w", err)
	}
	return resp.Content, nil
}

func abort(cmd *exec.Cmd) {
	_ = cmd.Process.Kill()
	_ = cmd.Wait()
}

func parseCommand(command string) ([]string, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, err
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("command empty")
	}
	return args, nil
}
