// Package ai wraps the OpenAI API for transcription, handwriting OCR, face
// analysis and diary content classification.
package ai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"
	"github.com/sirupsen/logrus"

	"mindforms_diary_bot/internal/logging"
)

// ErrClientNotInitialised is returned when attempting to call the API without a configured client.
var ErrClientNotInitialised = errors.New("openai client not initialised")

// ErrInvalidResponse is returned when the model reply cannot be decoded.
var ErrInvalidResponse = errors.New("invalid model response")

const (
	chatTimeout       = 60 * time.Second
	transcribeTimeout = 120 * time.Second

	// ClassOther marks content the classifier could not place.
	ClassOther = "other"
)

// Transcript is the result of speech to text.
type Transcript struct {
	Text     string `json:"text"`
	Language string `json:"language,omitempty"`
}

// OCRResult is the result of handwriting recognition.
type OCRResult struct {
	RawText     string  `json:"raw_text"`
	CleanedText string  `json:"cleaned_text"`
	Language    string  `json:"language"`
	Confidence  float64 `json:"confidence"`
	Notes       string  `json:"notes"`
}

// FaceAnalysis is a conservative estimate of emotion and stress.
type FaceAnalysis struct {
	DominantEmotion string  `json:"dominant_emotion"`
	StressLevel     float64 `json:"stress_level_0_10"`
	Confidence      float64 `json:"confidence"`
	Notes           string  `json:"notes"`
}

// Classification is the classifier's guess for an entry type. Type is an
// entry type name or ClassOther.
type Classification struct {
	Type       string  `json:"event_type"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

// Client wraps the OpenAI SDK.
type Client struct {
	client *openai.Client
	model  openai.ChatModel
	logger *logrus.Entry
}

// Option customizes the underlying SDK client.
type Option = option.RequestOption

// New returns a Client. Without an API key the client is inert: analysis
// calls return ErrClientNotInitialised and classification falls back to
// defaults.
func New(apiKey, model string, logger *logrus.Entry, opts ...Option) *Client {
	if logger == nil {
		logger = logging.Component("ai")
	}
	if strings.TrimSpace(model) == "" {
		model = string(openai.ChatModelGPT4oMini)
	}

	c := &Client{model: openai.ChatModel(model), logger: logger}
	if strings.TrimSpace(apiKey) == "" {
		return c
	}

	client := openai.NewClient(append([]Option{option.WithAPIKey(apiKey)}, opts...)...)
	c.client = &client
	return c
}

// Enabled reports whether an API key was configured.
func (c *Client) Enabled() bool {
	return c != nil && c.client != nil
}

// Transcribe converts a voice note to text.
func (c *Client) Transcribe(ctx context.Context, audio []byte, filename, mime string) (Transcript, error) {
	if !c.Enabled() {
		return Transcript{}, ErrClientNotInitialised
	}
	if len(audio) == 0 {
		return Transcript{}, errors.New("audio cannot be empty")
	}

	ctx, cancel := context.WithTimeout(ctx, transcribeTimeout)
	defer cancel()

	resp, err := c.client.Audio.Transcriptions.New(ctx, openai.AudioTranscriptionNewParams{
		File:  openai.File(bytes.NewReader(audio), filename, mime),
		Model: openai.AudioModelWhisper1,
	})
	if err != nil {
		return Transcript{}, fmt.Errorf("transcribe: %w", err)
	}

	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return Transcript{}, fmt.Errorf("transcribe: empty text: %w", ErrInvalidResponse)
	}

	return Transcript{Text: text, Language: resp.Language}, nil
}

// OCRHandwriting extracts handwritten text from a photo.
func (c *Client) OCRHandwriting(ctx context.Context, image []byte, mime string) (OCRResult, error) {
	var out OCRResult
	err := c.visionJSON(ctx,
		"You are an OCR + editor for handwritten personal notes. Return only valid JSON.",
		`Extract handwritten text from the image.
Return JSON:
{
  "raw_text": "...",
  "cleaned_text": "...",
  "language": "...",
  "confidence": 0.0-1.0,
  "notes": "short"
}
raw_text is a faithful transcription preserving line breaks. cleaned_text fixes spelling and obvious missing letters without changing meaning.`,
		image, mime, &out)
	if err != nil {
		return OCRResult{}, fmt.Errorf("ocr handwriting: %w", err)
	}
	if strings.TrimSpace(out.CleanedText) == "" {
		out.CleanedText = out.RawText
	}

	return out, nil
}

// AnalyzeFace estimates dominant emotion and stress from a face photo.
// Missing fields take conservative defaults.
func (c *Client) AnalyzeFace(ctx context.Context, image []byte, mime string) (FaceAnalysis, error) {
	out := FaceAnalysis{StressLevel: -1, Confidence: -1}
	err := c.visionJSON(ctx,
		"You analyze facial expression conservatively. Return only valid JSON.",
		`Estimate dominant emotion and stress level from the face.
Return JSON:
{
  "dominant_emotion": "neutral|happy|sad|angry|fear|surprise|disgust",
  "stress_level_0_10": 0-10,
  "confidence": 0.0-1.0,
  "notes": "short"
}
If the face is not clearly visible, return low confidence and explain in notes.`,
		image, mime, &out)
	if err != nil {
		return FaceAnalysis{}, fmt.Errorf("analyze face: %w", err)
	}

	if strings.TrimSpace(out.DominantEmotion) == "" {
		out.DominantEmotion = "neutral"
	}
	if out.StressLevel < 0 {
		out.StressLevel = 5
	}
	if out.Confidence < 0 {
		out.Confidence = 0.3
	}
	if strings.TrimSpace(out.Notes) == "" {
		out.Notes = "Response format incomplete"
	}

	return out, nil
}

var (
	textClasses  = []string{"reflection", "dream", "mindform", "drawing", ClassOther}
	imageClasses = []string{"mindform", "face_photo", "drawing", ClassOther}
)

// ClassifyText guesses the entry type of a text message. Failures fall back
// to a low-confidence reflection.
func (c *Client) ClassifyText(ctx context.Context, text string) Classification {
	if !c.Enabled() {
		return Classification{Type: "reflection", Confidence: 1, Reasoning: "classifier disabled"}
	}

	prompt := fmt.Sprintf(`Analyze this diary entry text and classify it into one of these categories:
- reflection: Daily thoughts, reflections, feelings, experiences, general diary entries
- dream: Dreams, dream descriptions, sleep experiences
- mindform: Only if explicitly about handwritten notes
- drawing: Descriptions of drawings or art
- other: Anything else

Text to classify:
%s

Return JSON:
{"event_type": "reflection|dream|mindform|drawing|other", "confidence": 0.0-1.0, "reasoning": "brief explanation"}`, text)

	var out Classification
	if err := c.chatJSON(ctx, "You are a content classifier for a personal diary. Return only valid JSON.",
		[]openai.ChatCompletionContentPartUnionParam{openai.TextContentPart(prompt)}, &out); err != nil {
		c.logger.WithField("event", "classify_text_failed").WithError(err).Warn("text classification failed")
		return Classification{Type: "reflection", Confidence: 0.3, Reasoning: "classification failed"}
	}

	return normalizeClass(out, textClasses, "reflection")
}

// ClassifyImage guesses whether a photo is handwriting, a face or a drawing.
// Failures fall back to a low-confidence "other".
func (c *Client) ClassifyImage(ctx context.Context, image []byte, mime string) Classification {
	if !c.Enabled() {
		return Classification{Type: ClassOther, Reasoning: "classifier disabled"}
	}

	var out Classification
	err := c.visionJSON(ctx,
		"You are an image classifier for a personal diary. Return only valid JSON.",
		`Analyze this image and classify it into one of these categories:
- mindform: Handwritten text, notes, journal entries (text written by hand)
- face_photo: A clear photo of a person's face
- drawing: Drawings, sketches, artwork, illustrations
- other: Anything else

Return JSON:
{"event_type": "mindform|face_photo|drawing|other", "confidence": 0.0-1.0, "reasoning": "brief explanation"}`,
		image, mime, &out)
	if err != nil {
		c.logger.WithField("event", "classify_image_failed").WithError(err).Warn("image classification failed")
		return Classification{Type: ClassOther, Confidence: 0.3, Reasoning: "classification failed"}
	}

	return normalizeClass(out, imageClasses, ClassOther)
}

func normalizeClass(c Classification, allowed []string, fallback string) Classification {
	c.Type = strings.ToLower(strings.TrimSpace(c.Type))
	valid := false
	for _, name := range allowed {
		if c.Type == name {
			valid = true
			break
		}
	}
	if !valid {
		c.Type = fallback
	}
	if c.Confidence < 0 {
		c.Confidence = 0
	}
	if c.Confidence > 1 {
		c.Confidence = 1
	}
	return c
}

func (c *Client) visionJSON(ctx context.Context, system, prompt string, image []byte, mime string, out any) error {
	if !c.Enabled() {
		return ErrClientNotInitialised
	}
	if len(image) == 0 {
		return errors.New("image cannot be empty")
	}
	if strings.TrimSpace(mime) == "" {
		mime = http.DetectContentType(image)
	}

	dataURL := "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(image)
	parts := []openai.ChatCompletionContentPartUnionParam{
		openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{URL: dataURL}),
		openai.TextContentPart(prompt),
	}

	return c.chatJSON(ctx, system, parts, out)
}

func (c *Client) chatJSON(ctx context.Context, system string, parts []openai.ChatCompletionContentPartUnionParam, out any) error {
	if !c.Enabled() {
		return ErrClientNotInitialised
	}

	req := openai.ChatCompletionNewParams{
		Model: c.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			{
				OfSystem: &openai.ChatCompletionSystemMessageParam{
					Content: openai.ChatCompletionSystemMessageParamContentUnion{
						OfString: openai.String(system),
					},
				},
			},
			openai.UserMessage(parts),
		},
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		},
		Temperature:         openai.Float(0.1),
		MaxCompletionTokens: openai.Int(1024),
	}

	ctx, cancel := context.WithTimeout(ctx, chatTimeout)
	defer cancel()

	resp, err := c.client.Chat.Completions.New(ctx, req)
	if err != nil {
		return err
	}
	if len(resp.Choices) == 0 {
		return fmt.Errorf("no completion received: %w", ErrInvalidResponse)
	}

	return decodeJSON(resp.Choices[0].Message.Content, out)
}

// decodeJSON tolerates markdown code fences and a single-element array around
// the expected object.
func decodeJSON(content string, out any) error {
	raw := strings.TrimSpace(content)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	raw = strings.TrimSpace(raw)

	if strings.HasPrefix(raw, "[") {
		var list []json.RawMessage
		if err := json.Unmarshal([]byte(raw), &list); err != nil || len(list) == 0 {
			return fmt.Errorf("decode list reply: %w", ErrInvalidResponse)
		}
		raw = string(list[0])
	}

	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("decode reply %q: %v: %w", truncate(raw, 80), err, ErrInvalidResponse)
	}

	return nil
}

// IsPermanent reports whether retrying err cannot help: a missing client or a
// 4xx API error other than rate limiting.
func IsPermanent(err error) bool {
	if errors.Is(err, ErrClientNotInitialised) {
		return true
	}

	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 &&
			apiErr.StatusCode != http.StatusTooManyRequests &&
			apiErr.StatusCode != http.StatusRequestTimeout
	}

	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
