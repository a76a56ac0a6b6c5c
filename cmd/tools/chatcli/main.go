package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/zhouzirui/chatmate/backend/internal/config"
	"github.com/zhouzirui/chatmate/backend/internal/model/persona"
	speechmodel "github.com/zhouzirui/chatmate/backend/internal/model/speech"
	"github.com/zhouzirui/chatmate/backend/internal/service/ai"
	"github.com/zhouzirui/chatmate/backend/internal/service/conversation"
	"github.com/zhouzirui/chatmate/backend/internal/service/speech"
	"github.com/zhouzirui/chatmate/backend/internal/service/voice"
	"github.com/zhouzirui/chatmate/backend/pkg/utils"
)

const (
	// 16kHz 16bit 单声道，200ms 一包
	chunkSize     = 6400
	chunkInterval = 200 * time.Millisecond
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var personaFile string
	var logLevel string

	rootCmd := &cobra.Command{
		Use:   "chatmate",
		Short: "Terminal client for the Chatmate companion",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if err := godotenv.Load(); err != nil {
				fmt.Fprintln(os.Stderr, "[WARN] .env not loaded, using system environment variables")
			}
			utils.SetupLogger(logLevel, "console")
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runChat(ctx, cmd.InOrStdin(), cmd.OutOrStdout(), personaFile)
		},
	}
	rootCmd.PersistentFlags().StringVar(&personaFile, "persona-file", "", "YAML persona definition")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level")

	rootCmd.AddCommand(newTranscribeCommand())
	return rootCmd
}

func loadPersona(path string) (persona.Persona, error) {
	if path == "" {
		return persona.Default(), nil
	}
	return persona.LoadFile(path)
}

// runChat 在终端里驱动一个会话控制器
func runChat(ctx context.Context, in io.Reader, out io.Writer, personaFile string) error {
	p, err := loadPersona(personaFile)
	if err != nil {
		return err
	}

	// 配置或客户端失败时仍创建会话，由控制器展示初始化错误
	var client *ai.Client
	cfg, err := config.Load()
	if err == nil {
		client, err = ai.NewClient(ctx, cfg.AI, p)
	}
	open := conversation.ClientOpener(client)
	if err != nil {
		open = conversation.FailedOpener(err)
	}

	controller := conversation.New(open, p)
	unsubscribe := controller.Subscribe(func(ev conversation.Event) {
		switch ev.Type {
		case conversation.EventDelta:
			fmt.Fprint(out, ev.Delta)
		case conversation.EventError:
			if ev.Error != "" {
				fmt.Fprintf(out, "\n[error] %s\n", ev.Error)
			}
		}
	})
	defer unsubscribe()

	if err := controller.Initialize(ctx); err != nil {
		log.Debug().Err(err).Msg("session initialization failed")
	}

	snapshot := controller.Snapshot()
	for _, msg := range snapshot.Messages {
		fmt.Fprintf(out, "%s: %s\n", p.Name, msg.Content)
	}
	if !snapshot.Ready {
		return nil
	}

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		if text == "/quit" {
			return nil
		}

		fmt.Fprintf(out, "%s: ", p.Name)
		controller.SendMessage(ctx, text)
		fmt.Fprintln(out)

		if ctx.Err() != nil {
			return nil
		}
	}
}

func newTranscribeCommand() *cobra.Command {
	var audioPath string
	var language string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "transcribe",
		Short: "Stream a raw PCM file through voice input and print the transcript",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if !cfg.Speech.Enabled {
				return errors.New("speech recognition is not configured, set SPEECH_APP_ID and SPEECH_ACCESS_TOKEN")
			}
			if language == "" {
				language = cfg.Speech.Language
			}

			audio, err := os.ReadFile(audioPath)
			if err != nil {
				return errors.Wrap(err, "read audio")
			}

			factory := speech.NewFactory(&speechmodel.SpeechConfig{
				AppID:          cfg.Speech.AppID,
				AccessToken:    cfg.Speech.AccessToken,
				BaseURL:        cfg.Speech.BaseURL,
				Language:       language,
				ConcurrentMode: cfg.Speech.ConcurrentMode,
				Timeout:        cfg.Speech.Timeout,
			})

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			transcript, err := transcribe(ctx, factory, audio, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), transcript)
			return nil
		},
	}
	cmd.Flags().StringVar(&audioPath, "audio", "", "16kHz 16-bit mono PCM file")
	cmd.Flags().StringVar(&language, "lang", "", "Recognition language, defaults to SPEECH_LANGUAGE")
	cmd.Flags().DurationVar(&timeout, "timeout", 45*time.Second, "Overall timeout")
	_ = cmd.MarkFlagRequired("audio")
	return cmd
}

// transcribe 按实时节奏推送音频，等待识别会话结束后返回最终文本
func transcribe(ctx context.Context, factory voice.Factory, audio []byte, progress io.Writer) (string, error) {
	if factory == nil {
		return "", errors.New("speech recognition is not configured")
	}

	ended := make(chan struct{})
	var once sync.Once
	tracked := func(rc speechmodel.RecognizerConfig, h speechmodel.Handlers) (voice.Recognizer, error) {
		onEnd := h.OnEnd
		h.OnEnd = func() {
			onEnd()
			once.Do(func() { close(ended) })
		}
		return factory(rc, h)
	}

	controller := voice.New(tracked)
	defer controller.Close()

	unsubscribe := controller.Subscribe(func(s voice.State) {
		if s.Transcript != "" {
			fmt.Fprintf(progress, "\r... %s", s.Transcript)
		}
	})
	defer unsubscribe()

	if !controller.State().Supported {
		return "", errors.New("speech recognition is not supported with the current configuration")
	}

	controller.Start()
	if state := controller.State(); !state.IsRecording {
		return "", errors.Errorf("recognition did not start: %s", state.Error)
	}

	ticker := time.NewTicker(chunkInterval)
	defer ticker.Stop()
	for offset := 0; offset < len(audio); offset += chunkSize {
		end := min(offset+chunkSize, len(audio))
		if err := controller.WriteAudio(audio[offset:end]); err != nil {
			// 识别会话已提前结束
			if errors.Is(err, voice.ErrNotRecording) {
				break
			}
			return "", err
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
	controller.Stop()

	select {
	case <-ended:
	case <-ctx.Done():
		return "", errors.Wrap(ctx.Err(), "waiting for final result")
	}
	fmt.Fprintln(progress)

	state := controller.State()
	if state.Error != "" {
		return "", errors.New(state.Error)
	}
	return state.Transcript, nil
}
