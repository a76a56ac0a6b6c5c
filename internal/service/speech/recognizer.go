package speech

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	speechmodel "github.com/zhouzirui/chatmate/backend/internal/model/speech"
)

const (
	defaultEndpoint    = "wss://openspeech.bytedance.com/api/v3/sauc/bigmodel_async"
	resourceDuration   = "volc.bigasr.sauc.duration"   // 小时版
	resourceConcurrent = "volc.bigasr.sauc.concurrent" // 并发版
	defaultTimeout     = 10 * time.Second

	// 与浏览器识别事件保持一致的错误码
	codeNetwork = "network"
	codeDecode  = "bad-response"
)

var ErrNotStarted = errors.New("recognition not started")

// Recognizer streams PCM audio (16 kHz, 16-bit, mono) to the Volcengine
// bigmodel ASR and reports utterances through speech.Handlers. Handlers are
// called from the receive goroutine only.
type Recognizer struct {
	cfg      *speechmodel.SpeechConfig
	rc       speechmodel.RecognizerConfig
	handlers speechmodel.Handlers
	appID    string
	token    string
	dialer   *websocket.Dialer

	mu         sync.Mutex
	conn       *websocket.Conn
	sequence   int32
	stopping   bool
	generation uint64
}

type asrRequest struct {
	User struct {
		UID string `json:"uid,omitempty"`
	} `json:"user"`
	Audio struct {
		Language string `json:"language,omitempty"`
		Format   string `json:"format"`
		Codec    string `json:"codec"`
		Rate     int    `json:"rate"`
		Bits     int    `json:"bits"`
		Channel  int    `json:"channel"`
	} `json:"audio"`
	Request struct {
		ModelName      string `json:"model_name"`
		EnableITN      bool   `json:"enable_itn"`
		EnablePunc     bool   `json:"enable_punc"`
		ShowUtterances bool   `json:"show_utterances"`
		ResultType     string `json:"result_type"`
		EndWindowSize  int    `json:"end_window_size,omitempty"`
	} `json:"request"`
}

type asrUtterance struct {
	Text      string `json:"text"`
	StartTime int64  `json:"start_time"`
	EndTime   int64  `json:"end_time"`
	Definite  bool   `json:"definite"`
}

type asrResponse struct {
	Code     int    `json:"code"`
	Message  string `json:"message"`
	Sequence int    `json:"sequence"`
	Result   struct {
		Text       string         `json:"text"`
		Utterances []asrUtterance `json:"utterances,omitempty"`
	} `json:"result"`
}

// NewRecognizer validates credentials. Missing credentials wrap speech.ErrUnsupported.
func NewRecognizer(cfg *speechmodel.SpeechConfig, rc speechmodel.RecognizerConfig, handlers speechmodel.Handlers) (*Recognizer, error) {
	appID, token, err := resolveCredentials(cfg)
	if err != nil {
		return nil, err
	}

	return &Recognizer{
		cfg:      cfg,
		rc:       rc,
		handlers: handlers,
		appID:    appID,
		token:    token,
		dialer: &websocket.Dialer{
			HandshakeTimeout: timeoutOf(cfg),
		},
	}, nil
}

func timeoutOf(cfg *speechmodel.SpeechConfig) time.Duration {
	if cfg.Timeout > 0 {
		return time.Duration(cfg.Timeout) * time.Second
	}
	return defaultTimeout
}

func (r *Recognizer) endpoint() string {
	if r.cfg.BaseURL != "" {
		return r.cfg.BaseURL
	}
	return defaultEndpoint
}

// Start opens a recognition session. A previous session must have ended.
func (r *Recognizer) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conn != nil {
		return errors.New("recognition already started")
	}

	connectID := uuid.NewString()
	header := http.Header{}
	header.Set("X-Api-App-Key", r.appID)
	header.Set("X-Api-Access-Key", r.token)
	resourceID := resourceDuration
	if r.cfg.ConcurrentMode {
		resourceID = resourceConcurrent
	}
	header.Set("X-Api-Resource-Id", resourceID)
	header.Set("X-Api-Connect-Id", connectID)

	ctx, cancel := context.WithTimeout(context.Background(), timeoutOf(r.cfg))
	defer cancel()

	conn, resp, err := r.dialer.DialContext(ctx, r.endpoint(), header)
	if err != nil {
		return errors.Wrap(err, "connect to ASR websocket")
	}
	if logID := resp.Header.Get("X-Tt-Logid"); logID != "" {
		log.Debug().Str("component", "asr").Str("logid", logID).Str("connect_id", connectID).Msg("connected")
	}

	payload, err := json.Marshal(r.buildRequest(connectID))
	if err != nil {
		conn.Close()
		return errors.Wrap(err, "marshal ASR request")
	}
	compressed, err := CompressPayload(payload, GzipCompression)
	if err != nil {
		conn.Close()
		return err
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, EncodeMessage(NewFullClientRequest(compressed, GzipCompression))); err != nil {
		conn.Close()
		return errors.Wrap(err, "send ASR request")
	}

	r.conn = conn
	r.sequence = 1 // 完整请求占用序号 1
	r.stopping = false
	r.generation++
	go r.receive(conn, r.generation)

	return nil
}

func (r *Recognizer) buildRequest(connectID string) *asrRequest {
	req := &asrRequest{}
	req.User.UID = connectID

	req.Audio.Language = r.rc.Language
	req.Audio.Format = "pcm"
	req.Audio.Codec = "raw"
	req.Audio.Rate = 16000
	req.Audio.Bits = 16
	req.Audio.Channel = 1

	req.Request.ModelName = "bigmodel"
	req.Request.EnableITN = true
	req.Request.EnablePunc = true
	req.Request.ShowUtterances = true
	req.Request.ResultType = "full"
	if !r.rc.Continuous {
		req.Request.EndWindowSize = 800 // 强制判停时间 800ms
	}
	return req
}

// WriteAudio sends one PCM chunk.
func (r *Recognizer) WriteAudio(pcm []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conn == nil || r.stopping {
		return ErrNotStarted
	}
	if len(pcm) == 0 {
		return nil
	}

	compressed, err := CompressPayload(pcm, GzipCompression)
	if err != nil {
		return err
	}
	r.sequence++
	msg := NewAudioOnlyRequest(compressed, r.sequence, false, GzipCompression)
	if err := r.conn.WriteMessage(websocket.BinaryMessage, EncodeMessage(msg)); err != nil {
		return errors.Wrap(err, "send audio chunk")
	}
	return nil
}

// Stop sends the last packet; the final result and end event follow asynchronously.
func (r *Recognizer) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conn == nil || r.stopping {
		return
	}
	r.stopping = true

	empty, _ := CompressPayload(nil, GzipCompression)
	r.sequence++
	msg := NewAudioOnlyRequest(empty, r.sequence, true, GzipCompression)
	if err := r.conn.WriteMessage(websocket.BinaryMessage, EncodeMessage(msg)); err != nil {
		log.Warn().Err(err).Str("component", "asr").Msg("send last packet failed")
		r.conn.Close()
		return
	}
	_ = r.conn.SetReadDeadline(time.Now().Add(timeoutOf(r.cfg)))
}

// Close drops the connection without delivering further events.
func (r *Recognizer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conn == nil {
		return nil
	}
	r.generation++
	err := r.conn.Close()
	r.conn = nil
	r.stopping = false
	return err
}

func (r *Recognizer) current(generation uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.generation == generation
}

func (r *Recognizer) receive(conn *websocket.Conn, generation uint64) {
	defer func() {
		conn.Close()

		r.mu.Lock()
		live := r.generation == generation
		if live {
			r.conn = nil
			r.stopping = false
		}
		r.mu.Unlock()

		if live && r.handlers.OnEnd != nil {
			r.handlers.OnEnd()
		}
	}()

	finalized := 0
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			r.mu.Lock()
			stopping := r.stopping
			r.mu.Unlock()
			if !stopping && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				r.fail(generation, codeNetwork, err.Error())
			}
			return
		}

		msg, err := DecodeMessage(data)
		if err != nil {
			r.fail(generation, codeDecode, err.Error())
			return
		}

		switch msg.Header.MessageType {
		case ErrorMessage:
			payload, _ := DecompressPayload(msg.Payload, msg.Header.CompressionMethod)
			r.fail(generation, strconv.FormatUint(uint64(msg.ErrorCode), 10), string(payload))
			return

		case FullServerResponse:
			payload, err := DecompressPayload(msg.Payload, msg.Header.CompressionMethod)
			if err != nil {
				r.fail(generation, codeDecode, err.Error())
				return
			}

			var resp asrResponse
			if err := json.Unmarshal(payload, &resp); err != nil {
				log.Warn().Err(err).Str("component", "asr").Msg("failed to unmarshal response")
				continue
			}
			if resp.Code != 0 && resp.Code != 20000000 {
				r.fail(generation, strconv.Itoa(resp.Code), resp.Message)
				return
			}

			last := msg.IsLastPacket() || resp.Sequence < 0
			event, newlyFinal := r.toResultEvent(resp, finalized, last)
			finalized += newlyFinal
			if len(event.Results) > 0 && r.current(generation) && r.handlers.OnResult != nil {
				r.handlers.OnResult(event)
			}

			if last {
				return
			}
			if !r.rc.Continuous && newlyFinal > 0 {
				r.Stop()
			}
		}
	}
}

// toResultEvent maps utterances to results. Only the leading run of definite
// utterances is final, so a segment is never finalized twice. ResultIndex
// counts the final segments delivered in earlier events.
func (r *Recognizer) toResultEvent(resp asrResponse, finalized int, last bool) (speechmodel.ResultEvent, int) {
	event := speechmodel.ResultEvent{ResultIndex: finalized}

	utterances := resp.Result.Utterances
	if len(utterances) == 0 && resp.Result.Text != "" && finalized == 0 {
		utterances = []asrUtterance{{Text: resp.Result.Text, Definite: last}}
	}

	leading := 0
	for i, u := range utterances {
		// 前面仍有未定稿的句子时，后面的定稿句先按中间结果上报
		final := (u.Definite || last) && leading == i
		if final {
			leading++
		}
		if !final && !r.rc.InterimResults {
			break
		}
		event.Results = append(event.Results, speechmodel.Result{
			Final:        final,
			Alternatives: []speechmodel.Alternative{{Transcript: u.Text, Confidence: confidenceOf(u.Text)}},
		})
	}

	if leading < finalized {
		return speechmodel.ResultEvent{}, 0
	}
	if !r.rc.InterimResults && leading == finalized {
		return speechmodel.ResultEvent{}, 0
	}
	return event, leading - finalized
}

func (r *Recognizer) fail(generation uint64, code, message string) {
	log.Warn().Str("component", "asr").Str("code", code).Str("message", message).Msg("recognition failed")
	if r.current(generation) && r.handlers.OnError != nil {
		r.handlers.OnError(speechmodel.ErrorEvent{Code: code, Message: message})
	}
}

func confidenceOf(text string) float64 {
	if text == "" {
		return 0
	}
	return 0.95
}
