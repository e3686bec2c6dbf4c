package speech

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/zhouzirui/novel-mvp/backend/internal/model/speech"
)

const (
	defaultTTSURL   = "wss://openspeech.bytedance.com/api/v3/tts/unidirectional/stream"
	defaultVoice    = "zh_female_vv_uranus_bigtts"
	defaultFormat   = "mp3"
	defaultTimeout  = 30 * time.Second
	mismatchMessage = "resource ID is mismatched with speaker related resource"
)

var (
	// ErrSpeech 是所有语音合成失败的根错误
	ErrSpeech = errors.New("speech synthesis failed")
	// ErrEmptyText 表示没有可合成的文本
	ErrEmptyText = fmt.Errorf("%w: text is empty", ErrSpeech)
	// ErrEmptyAudio 表示服务端没有返回音频
	ErrEmptyAudio = fmt.Errorf("%w: audio is empty", ErrSpeech)
)

// Synthesizer 把文本合成为语音，emotion 是情绪类别，可以为空
type Synthesizer interface {
	Synthesize(ctx context.Context, sessionID, text, emotion string) (*speech.TTSResponse, error)
}

// VolcengineTTSClient 火山引擎 TTS WebSocket 客户端
type VolcengineTTSClient struct {
	config  *speech.SpeechConfig
	dialer  *websocket.Dialer
	url     string
	timeout time.Duration
}

// NewVolcengineTTSClient 创建火山引擎 TTS 客户端
func NewVolcengineTTSClient(cfg *speech.SpeechConfig) (*VolcengineTTSClient, error) {
	if cfg == nil {
		return nil, fmt.Errorf("火山引擎语音配置未初始化")
	}
	if _, _, err := resolveCredentials(cfg); err != nil {
		return nil, err
	}

	url := defaultTTSURL
	if base := strings.TrimSpace(cfg.BaseURL); strings.HasPrefix(base, "ws://") || strings.HasPrefix(base, "wss://") {
		url = base
	}
	timeout := defaultTimeout
	if cfg.Timeout > 0 {
		timeout = time.Duration(cfg.Timeout) * time.Second
	}

	return &VolcengineTTSClient{
		config:  cfg,
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		url:     url,
		timeout: timeout,
	}, nil
}

// Synthesize 实现 Synthesizer，使用配置中的音色、语速与语言
func (c *VolcengineTTSClient) Synthesize(ctx context.Context, sessionID, text, emotion string) (*speech.TTSResponse, error) {
	return c.SynthesizeSpeechWS(ctx, &speech.TTSRequest{
		SessionID: sessionID,
		Text:      text,
		Emotion:   emotion,
	})
}

// SynthesizeSpeechWS 使用 WebSocket 协议进行语音合成。
// 音色与资源 ID 不匹配时依次尝试候选资源与候选音色。
func (c *VolcengineTTSClient) SynthesizeSpeechWS(ctx context.Context, req *speech.TTSRequest) (*speech.TTSResponse, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, ErrEmptyText
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	speakers := resolveTTSSpeakerCandidates(req.Voice, c.config.TTSVoice)
	var lastMismatch error

	for speakerIdx, speaker := range speakers {
		for resourceIdx, resourceID := range resolveTTSResourceCandidates(speaker) {
			resp, err := c.synthesizeWithResource(ctx, req, speaker, resourceID)
			if err == nil {
				if resourceIdx > 0 || speakerIdx > 0 {
					log.Printf("[TTS] fallback voice=%s resource=%s succeeded", speaker, resourceID)
				}
				return resp, nil
			}
			if !isResourceMismatchError(err) {
				return nil, err
			}
			log.Printf("[TTS] voice %s resource %s mismatch: %v", speaker, resourceID, err)
			lastMismatch = err
		}
	}

	if lastMismatch != nil {
		return nil, lastMismatch
	}
	return nil, fmt.Errorf("%w: no compatible resource id for voices %v", ErrSpeech, speakers)
}

type ttsServerMessage struct {
	ReqID    string `json:"reqid"`
	Code     int    `json:"code"`
	Message  string `json:"message"`
	Sequence int    `json:"sequence"`
	Data     string `json:"data"`
	Addition struct {
		Duration string `json:"duration,omitempty"`
	} `json:"addition,omitempty"`
}

func (c *VolcengineTTSClient) synthesizeWithResource(ctx context.Context, req *speech.TTSRequest, speaker, resourceID string) (*speech.TTSResponse, error) {
	appKey, accessKey, err := resolveCredentials(c.config)
	if err != nil {
		return nil, err
	}
	connectID := uuid.New().String()

	header := http.Header{}
	header.Set("X-Api-App-Key", appKey)
	header.Set("X-Api-Access-Key", accessKey)
	header.Set("X-Api-Resource-Id", resourceID)
	header.Set("X-Api-Connect-Id", connectID)

	conn, resp, err := c.dialer.DialContext(ctx, c.url, header)
	if err != nil {
		return nil, fmt.Errorf("%w: connect: %v", ErrSpeech, err)
	}
	defer conn.Close()
	if resp != nil {
		if logid := resp.Header.Get("X-Tt-Logid"); logid != "" {
			log.Printf("[TTS] connected logid=%s", logid)
		}
	}

	// 连接上的阻塞读写随 ctx 结束
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	ttsReq := c.buildTTSRequest(req, speaker)
	payload, err := json.Marshal(ttsReq)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal TTS request: %w", err)
	}
	frame, err := NewClientRequest(payload, GzipCompression)
	if err != nil {
		return nil, fmt.Errorf("failed to compress TTS request: %w", err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, frame.Encode()); err != nil {
		return nil, fmt.Errorf("%w: send request: %v", ErrSpeech, err)
	}

	var (
		audio    bytes.Buffer
		reqID    string
		duration int64
	)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, fmt.Errorf("%w: %w", ErrSpeech, ctxErr)
			}
			return nil, fmt.Errorf("%w: read response: %v", ErrSpeech, err)
		}

		msg, err := DecodeFrame(data)
		if err != nil {
			return nil, fmt.Errorf("%w: decode frame: %v", ErrSpeech, err)
		}

		body, err := msg.Body()
		if err != nil {
			return nil, fmt.Errorf("%w: decompress payload: %v", ErrSpeech, err)
		}

		switch msg.Type {
		case ErrorFrame:
			return nil, fmt.Errorf("%w: server error %d: %s", ErrSpeech, msg.ErrorCode, string(body))

		case AudioOnlyServerResponse:
			audio.Write(body)

		case FullServerResponse:
			var serverResp ttsServerMessage
			if len(body) > 0 {
				if err := json.Unmarshal(body, &serverResp); err != nil {
					log.Printf("[TTS] failed to unmarshal response payload: %v", err)
				} else {
					if serverResp.Code != 0 && serverResp.Code != 3000 {
						return nil, fmt.Errorf("%w: api error %d: %s", ErrSpeech, serverResp.Code, serverResp.Message)
					}
					if serverResp.ReqID != "" {
						reqID = serverResp.ReqID
					}
					if parsed, err := parseDuration(serverResp.Addition.Duration); err == nil && parsed > 0 {
						duration = parsed
					}
					if serverResp.Data != "" {
						chunk, err := base64.StdEncoding.DecodeString(serverResp.Data)
						if err != nil {
							return nil, fmt.Errorf("%w: decode audio chunk: %v", ErrSpeech, err)
						}
						audio.Write(chunk)
					}
				}
			}

			finished := (msg.hasEvent() && msg.Event == EventSessionFinished) || msg.IsLast() || serverResp.Sequence < 0
			if !finished {
				continue
			}
			if audio.Len() == 0 {
				return nil, ErrEmptyAudio
			}
			if reqID == "" {
				reqID = connectID
			}
			return &speech.TTSResponse{
				SessionID:    ttsReq.User.UID,
				AudioData:    audio.Bytes(),
				Format:       ttsReq.ReqParams.AudioParams.Format,
				DurationMs:   duration,
				Voice:        speaker,
				ResourceID:   resourceID,
				Emotion:      ttsReq.ReqParams.AudioParams.Emotion,
				EmotionScale: ttsReq.ReqParams.AudioParams.EmotionScale,
				RequestID:    reqID,
			}, nil

		default:
			log.Printf("[TTS] unexpected frame type: %d", msg.Type)
		}
	}
}

type volcengineTTSRequest struct {
	User struct {
		UID string `json:"uid"`
	} `json:"user"`
	ReqParams struct {
		Speaker     string                   `json:"speaker"`
		Text        string                   `json:"text"`
		AudioParams volcengineTTSAudioParams `json:"audio_params"`
		Additions   string                   `json:"additions,omitempty"`
		Language    string                   `json:"language,omitempty"`
	} `json:"req_params"`
}

type volcengineTTSAudioParams struct {
	Format       string  `json:"format"`
	SampleRate   int     `json:"sample_rate"`
	SpeedRatio   float32 `json:"speed_ratio,omitempty"`
	VolumeRatio  float32 `json:"volume_ratio,omitempty"`
	Emotion      string  `json:"emotion,omitempty"`
	EmotionScale float32 `json:"emotion_scale,omitempty"`
}

// buildTTSRequest 构建符合火山引擎 API 格式的 TTS 请求
func (c *VolcengineTTSClient) buildTTSRequest(req *speech.TTSRequest, speaker string) *volcengineTTSRequest {
	ttsReq := &volcengineTTSRequest{}

	ttsReq.User.UID = strings.TrimSpace(req.SessionID)
	if ttsReq.User.UID == "" {
		ttsReq.User.UID = uuid.New().String()
	}
	ttsReq.ReqParams.Speaker = speaker
	ttsReq.ReqParams.Text = req.Text

	format := strings.TrimSpace(req.Format)
	if format == "" || format == "wav" {
		format = defaultFormat
	}
	params := &ttsReq.ReqParams.AudioParams
	params.Format = format
	params.SampleRate = 24000

	speed := req.Speed
	if speed <= 0 {
		speed = c.config.TTSSpeed
	}
	if speed > 0 && speed != 1.0 {
		params.SpeedRatio = speed
	}

	volume := req.Volume
	if volume <= 0 {
		volume = c.config.TTSVolume
	}
	if volume > 0 && volume != 1.0 {
		params.VolumeRatio = volume
	}

	if label, scale, ok := emotionParameters(speaker, req.Emotion, req.Text); ok {
		params.Emotion = label
		params.EmotionScale = scale
	}

	language := strings.TrimSpace(req.Language)
	if language == "" {
		language = strings.TrimSpace(c.config.TTSLanguage)
	}
	ttsReq.ReqParams.Language = language
	ttsReq.ReqParams.Additions = `{"disable_markdown_filter":false}`
	return ttsReq
}

// resolveCredentials 返回规范化后的 AppID 与 AccessToken，缺失时给出明确错误。
func resolveCredentials(cfg *speech.SpeechConfig) (string, string, error) {
	appID := strings.TrimSpace(cfg.AppID)
	token := strings.TrimSpace(cfg.AccessToken)
	if token == "" {
		token = strings.TrimSpace(cfg.APIKey)
	}
	if appID == "" || token == "" {
		return "", "", fmt.Errorf("火山引擎语音配置缺少 AppID 或 AccessToken")
	}
	return appID, token, nil
}

func resolveTTSResourceCandidates(voice string) []string {
	const (
		defaultResource = "volc.service_type.10029"
		megaResource    = "volc.megatts.default"
		seedResource    = "seed-tts-2.0"
	)

	voice = strings.TrimSpace(voice)
	if voice == "" {
		return []string{defaultResource, seedResource}
	}
	if strings.HasPrefix(voice, "S_") {
		return []string{megaResource}
	}

	normalized := strings.ToLower(voice)
	for _, hint := range []string{"bigtts", "seed", "megatts", "uranus", "venus", "jupiter", "saturn", "mars"} {
		if strings.Contains(normalized, hint) {
			return []string{seedResource, defaultResource}
		}
	}
	return []string{defaultResource, seedResource}
}

var voiceAliases = map[string]string{
	"narrator":   "zh_male_M392_conversation_wvae_bigtts",
	"companion":  "zh_female_vv_uranus_bigtts",
	"warm":       "zh_male_yourougongzi_emo_v2_mars_bigtts",
	"en_default": "en_female_amy_jupiter_bigtts",
}

// resolveTTSSpeakerCandidates 返回去重后的候选音色：请求音色、配置音色、默认音色
func resolveTTSSpeakerCandidates(requested, configured string) []string {
	var candidates []string
	add := func(s string) {
		s = strings.TrimSpace(s)
		if s == "" {
			return
		}
		if mapped, ok := voiceAliases[strings.ToLower(s)]; ok {
			s = mapped
		}
		for _, existing := range candidates {
			if strings.EqualFold(existing, s) {
				return
			}
		}
		candidates = append(candidates, s)
	}

	add(requested)
	add(configured)
	if len(candidates) == 0 {
		add(defaultVoice)
	}
	return candidates
}

func isResourceMismatchError(err error) bool {
	return err != nil && strings.Contains(err.Error(), mismatchMessage)
}

// parseDuration 解析时长字符串（毫秒）
func parseDuration(durationStr string) (int64, error) {
	if durationStr == "" {
		return 0, nil
	}
	return strconv.ParseInt(durationStr, 10, 64)
}
