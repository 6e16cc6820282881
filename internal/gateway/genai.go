package gateway

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/genai"
)

// GenAI talks to the Gemini API for both speech and text.
type GenAI struct {
	client      *genai.Client
	speechModel string
	textModel   string
}

func NewGenAI(ctx context.Context, apiKey, speechModel, textModel string) (*GenAI, error) {
	if apiKey == "" {
		return nil, errors.New("genai api key empty")
	}
	return newGenAI(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}, speechModel, textModel)
}

func newGenAI(ctx context.Context, cc *genai.ClientConfig, speechModel, textModel string) (*GenAI, error) {
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &GenAI{client: client, speechModel: speechModel, textModel: textModel}, nil
}

func (g *GenAI) GenerateSpeech(ctx context.Context, req SpeechRequest) ([]byte, error) {
	speakers := make([]*genai.SpeakerVoiceConfig, 0, len(req.Speakers))
	for _, s := range req.Speakers {
		speakers = append(speakers, &genai.SpeakerVoiceConfig{
			Speaker: s.Name,
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: s.Voice},
			},
		})
	}
	cfg := &genai.GenerateContentConfig{
		ResponseModalities: []string{string(genai.ModalityAudio)},
		SpeechConfig: &genai.SpeechConfig{
			MultiSpeakerVoiceConfig: &genai.MultiSpeakerVoiceConfig{SpeakerVoiceConfigs: speakers},
		},
	}
	resp, err := g.client.Models.GenerateContent(ctx, g.speechModel, genai.Text(req.Prompt), cfg)
	if err != nil {
		return nil, err
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return nil, nil
	}
	part := resp.Candidates[0].Content.Parts[0]
	if part.InlineData == nil {
		return nil, nil
	}
	return part.InlineData.Data, nil
}

func (g *GenAI) GenerateText(ctx context.Context, req TextRequest) (string, error) {
	var cfg *genai.GenerateContentConfig
	if req.Format == FormatScript {
		cfg = &genai.GenerateContentConfig{
			ResponseMIMEType: "application/json",
			ResponseSchema: &genai.Schema{
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"turns": {
						Type: genai.TypeArray,
						Items: &genai.Schema{
							Type: genai.TypeObject,
							Properties: map[string]*genai.Schema{
								"roleId": {Type: genai.TypeString},
								"text":   {Type: genai.TypeString},
							},
							Required: []string{"roleId", "text"},
						},
					},
				},
				Required: []string{"turns"},
			},
		}
	}
	resp, err := g.client.Models.GenerateContent(ctx, g.textModel, genai.Text(req.Prompt), cfg)
	if err != nil {
		return "", err
	}
	return resp.Text(), nil
}
