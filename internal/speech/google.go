package speech

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	texttospeech "cloud.google.com/go/texttospeech/apiv1"
	"cloud.google.com/go/texttospeech/apiv1/texttospeechpb"
	"google.golang.org/api/option"

	"nestalert/internal/config"
)

// Synthesizer turns text into MP3 bytes.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// ErrEmptyAudio is returned when the service answers without audio content.
var ErrEmptyAudio = errors.New("speech: synthesizer returned no audio")

// Google synthesizes through Cloud Text-to-Speech. The client is created on
// first use so that missing credentials surface as a synthesis failure.
type Google struct {
	credentials string
	language    string
	voice       string
	gender      texttospeechpb.SsmlVoiceGender
	timeout     time.Duration

	mu     sync.Mutex
	client *texttospeech.Client
}

// NewGoogle builds a synthesizer from the tts section of the config.
func NewGoogle(cfg config.TTSConfig) *Google {
	return &Google{
		credentials: cfg.CredentialsFile,
		language:    cfg.LanguageCode,
		voice:       cfg.VoiceName,
		gender:      parseGender(cfg.Gender),
		timeout:     cfg.Timeout,
	}
}

func parseGender(s string) texttospeechpb.SsmlVoiceGender {
	switch strings.ToLower(s) {
	case "female":
		return texttospeechpb.SsmlVoiceGender_FEMALE
	case "neutral":
		return texttospeechpb.SsmlVoiceGender_NEUTRAL
	default:
		return texttospeechpb.SsmlVoiceGender_MALE
	}
}

func (g *Google) connect() (*texttospeech.Client, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.client != nil {
		return g.client, nil
	}
	var opts []option.ClientOption
	if g.credentials != "" {
		opts = append(opts, option.WithCredentialsFile(g.credentials))
	}
	// The client outlives any single request, so it is not tied to one.
	c, err := texttospeech.NewClient(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("speech: create tts client: %w", err)
	}
	g.client = c
	return c, nil
}

// Synthesize requests MP3 audio for text with the configured voice.
func (g *Google) Synthesize(ctx context.Context, text string) ([]byte, error) {
	client, err := g.connect()
	if err != nil {
		return nil, err
	}
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	resp, err := client.SynthesizeSpeech(ctx, &texttospeechpb.SynthesizeSpeechRequest{
		Input: &texttospeechpb.SynthesisInput{
			InputSource: &texttospeechpb.SynthesisInput_Text{Text: text},
		},
		Voice: &texttospeechpb.VoiceSelectionParams{
			LanguageCode: g.language,
			Name:         g.voice,
			SsmlGender:   g.gender,
		},
		AudioConfig: &texttospeechpb.AudioConfig{
			AudioEncoding: texttospeechpb.AudioEncoding_MP3,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("speech: synthesize: %w", err)
	}
	if len(resp.GetAudioContent()) == 0 {
		return nil, ErrEmptyAudio
	}
	return resp.GetAudioContent(), nil
}

// Close releases the underlying client, if one was created.
func (g *Google) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.client == nil {
		return nil
	}
	err := g.client.Close()
	g.client = nil
	return err
}

const fallbackEndpoint = "https://translate.google.com/translate_tts"

// FallbackURL returns a public TTS stream URL that the speaker can fetch
// directly, without our host being involved.
func FallbackURL(text, lang string) string {
	return fallbackEndpoint + "?ie=UTF-8&q=" + url.QueryEscape(text) + "&tl=" + url.QueryEscape(lang) + "&client=tw-ob"
}
