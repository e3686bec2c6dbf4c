package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"

	"github.com/zhouzirui/novel-mvp/backend/internal/config"
	"github.com/zhouzirui/novel-mvp/backend/internal/model/protocol"
	speechmodel "github.com/zhouzirui/novel-mvp/backend/internal/model/speech"
	"github.com/zhouzirui/novel-mvp/backend/internal/service/auth"
	"github.com/zhouzirui/novel-mvp/backend/internal/service/speech"
)

const storyCommand = "/story"

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if err := godotenv.Load(); err != nil {
		log.Printf("[WARN] 无法加载 .env，改用系统环境变量: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("配置加载失败: %v", err)
	}

	mode := flag.String("mode", "", "测试模式: chat 或 tts")
	url := flag.String("url", "ws://localhost:8080/ws", "会话网关地址")
	user := flag.String("user", "dev-user", "签发访问令牌使用的用户 ID")
	conversationID := flag.String("conversation", "", "会话 ID，留空则自动生成")
	text := flag.String("text", "", "TTS 输入文本")
	emotion := flag.String("emotion", "", "TTS 情绪标签，例如 joy、슬픔")
	voice := flag.String("voice", "", "TTS 声音 ID，默认使用配置中的 TTSVoice")
	outputPath := flag.String("out", "", "音频输出路径 (tts: 文件; chat: 目录)")
	timeout := flag.Duration("timeout", 45*time.Second, "请求超时时间")

	flag.Parse()

	switch *mode {
	case "chat":
		id := *conversationID
		if id == "" {
			id = uuid.NewString()
		}
		runChat(cfg, *url, *user, id, *outputPath)
	case "tts":
		ctx, cancel := context.WithTimeout(context.Background(), *timeout)
		defer cancel()
		runTTS(ctx, cfg, *text, *voice, *emotion, *outputPath)
	default:
		flag.Usage()
		log.Fatal("请通过 -mode=chat 或 -mode=tts 指定测试模式")
	}
}

func runChat(cfg *config.Config, url, userID, conversationID, outputDir string) {
	signer := auth.NewSigner(cfg.Auth.Secret, cfg.Auth.Issuer, cfg.Auth.Audience)
	token, err := signer.SignAccess(userID, userID+"@localhost", time.Hour)
	if err != nil {
		log.Fatalf("签发令牌失败: %v", err)
	}

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		log.Fatalf("连接网关失败: %v", err)
	}
	defer conn.Close()

	if err := send(conn, protocol.AuthRequest{Token: token}); err != nil {
		log.Fatalf("发送认证失败: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		audioCount := 0
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				log.Printf("连接结束: %v", err)
				return
			}
			msg, err := protocol.Decode(data)
			if err != nil {
				log.Printf("无法解析的帧: %v", err)
				continue
			}
			if audio, ok := msg.(protocol.AudioOutput); ok && outputDir != "" {
				audioCount++
				saveAudio(outputDir, audioCount, audio)
				continue
			}
			printMessage(msg)
		}
	}()

	log.Printf("会话 %s 已开始，输入文字对话，输入 %s 生成故事，Ctrl-D 退出", conversationID, storyCommand)
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var msg protocol.Message = protocol.TextInput{Text: line, ConversationID: conversationID}
		if strings.HasPrefix(line, storyCommand) {
			var highlights []string
			if rest := strings.TrimSpace(strings.TrimPrefix(line, storyCommand)); rest != "" {
				highlights = strings.Split(rest, ",")
			}
			msg = protocol.GenerateStory{ConversationID: conversationID, Highlights: highlights}
		}
		if err := send(conn, msg); err != nil {
			log.Fatalf("发送失败: %v", err)
		}
	}

	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
	}
}

func send(conn *websocket.Conn, msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func printMessage(msg protocol.Message) {
	switch m := msg.(type) {
	case protocol.AuthResponse:
		log.Printf("认证结果: success=%t %s", m.Success, m.Message)
	case protocol.TextOutput:
		fmt.Printf("\n[AI] %s\n", m.Text)
		if m.Emotion != "" {
			fmt.Printf("  emotion: %s\n", m.Emotion)
		}
		for _, q := range m.SuggestedQuestions {
			fmt.Printf("  - %s\n", q)
		}
		if m.ReadyForStory {
			fmt.Printf("  素材已足够，输入 %s 生成故事\n  collected: %s\n", storyCommand, m.CollectedContext)
		}
	case protocol.StoryOutput:
		fmt.Printf("\n《%s》 (%s, %s)\n%s\n", m.Title, m.Genre, m.Emotion, m.Content)
		if m.EmotionalArc != "" {
			fmt.Printf("  arc: %s\n", m.EmotionalArc)
		}
	case protocol.AudioOutput:
		log.Printf("收到音频: %d bytes format=%s emotion=%s", len(m.AudioData), m.Format, m.Emotion)
	case protocol.Error:
		log.Printf("错误 %s: %s", m.Code, m.Message)
	default:
		log.Printf("收到 %s", msg.Type())
	}
}

func saveAudio(dir string, n int, audio protocol.AudioOutput) {
	format := audio.Format
	if format == "" {
		format = "mp3"
	}
	path := filepath.Join(dir, fmt.Sprintf("reply-%03d.%s", n, format))
	if err := os.WriteFile(path, audio.AudioData, 0o644); err != nil {
		log.Printf("写入音频文件失败: %v", err)
		return
	}
	log.Printf("音频已保存: %s (emotion=%s)", path, audio.Emotion)
}

func runTTS(ctx context.Context, cfg *config.Config, text, voice, emotion, outputPath string) {
	if !cfg.Speech.Enabled {
		log.Fatal("语音服务未启用，请先在环境变量中配置 SPEECH_* 或 Ark 凭证")
	}
	if strings.TrimSpace(text) == "" {
		log.Fatal("TTS 模式需要通过 -text 提供待合成文本")
	}

	client, err := speech.NewVolcengineTTSClient(cfg.Speech.ClientConfig())
	if err != nil {
		log.Fatalf("初始化 TTS 客户端失败: %v", err)
	}

	if voice == "" {
		voice = cfg.Speech.TTSVoice
	}
	if outputPath == "" {
		outputPath = fmt.Sprintf("tts-output-%d.mp3", time.Now().Unix())
	}

	req := &speechmodel.TTSRequest{
		SessionID: fmt.Sprintf("manual-%d", time.Now().UnixNano()),
		Text:      text,
		Voice:     voice,
		Language:  cfg.Speech.TTSLanguage,
		Emotion:   emotion,
	}

	log.Printf("开始进行 TTS 测试: session=%s voice=%s emotion=%s", req.SessionID, voice, emotion)

	resp, err := client.SynthesizeSpeechWS(ctx, req)
	if err != nil {
		log.Fatalf("TTS 调用失败: %v", err)
	}

	if err := os.WriteFile(outputPath, resp.AudioData, 0o644); err != nil {
		log.Fatalf("写入音频文件失败: %v", err)
	}

	log.Printf("TTS 合成成功: 输出文件 %s, 时长=%dms voice=%s resource=%s", outputPath, resp.DurationMs, resp.Voice, resp.ResourceID)
}
