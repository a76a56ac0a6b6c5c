package speech

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	speechmodel "github.com/zhouzirui/chatmate/backend/internal/model/speech"
	"github.com/zhouzirui/chatmate/backend/internal/service/voice"
)

type utterance struct {
	text     string
	definite bool
}

func serverResponse(t *testing.T, seq int32, last bool, utterances ...utterance) []byte {
	t.Helper()

	body := asrResponse{Code: 20000000, Sequence: int(seq)}
	for _, u := range utterances {
		body.Result.Utterances = append(body.Result.Utterances, asrUtterance{Text: u.text, Definite: u.definite})
	}
	flags := PositiveSequenceNumber
	if last {
		flags = NegativeSequenceNumber
		seq = -seq
		body.Sequence = int(seq)
	}

	payload, err := json.Marshal(body)
	require.NoError(t, err)
	compressed, err := CompressPayload(payload, GzipCompression)
	require.NoError(t, err)

	return EncodeMessage(&Message{
		Header:   NewHeader(FullServerResponse, flags, JSONSerialization, GzipCompression),
		Sequence: seq,
		Payload:  compressed,
	})
}

type recorder struct {
	results chan speechmodel.ResultEvent
	errs    chan speechmodel.ErrorEvent
	ended   chan struct{}
}

func newRecorder() *recorder {
	return &recorder{
		results: make(chan speechmodel.ResultEvent, 8),
		errs:    make(chan speechmodel.ErrorEvent, 8),
		ended:   make(chan struct{}, 8),
	}
}

func (r *recorder) handlers() speechmodel.Handlers {
	return speechmodel.Handlers{
		OnResult: func(ev speechmodel.ResultEvent) { r.results <- ev },
		OnError:  func(ev speechmodel.ErrorEvent) { r.errs <- ev },
		OnEnd:    func() { r.ended <- struct{}{} },
	}
}

func waitFor[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for recognizer event")
	}
	var zero T
	return zero
}

func testSpeechConfig(server *httptest.Server) *speechmodel.SpeechConfig {
	return &speechmodel.SpeechConfig{
		AppID:       "app",
		AccessToken: "token",
		BaseURL:     "ws" + strings.TrimPrefix(server.URL, "http"),
		Timeout:     5,
	}
}

func readMessage(conn *websocket.Conn) *Message {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil
	}
	msg, err := DecodeMessage(data)
	if err != nil {
		return nil
	}
	return msg
}

func TestNewRecognizerWithoutCredentialsIsUnsupported(t *testing.T) {
	_, err := NewRecognizer(&speechmodel.SpeechConfig{AppID: "app"}, speechmodel.DefaultRecognizerConfig(), speechmodel.Handlers{})
	assert.True(t, errors.Is(err, speechmodel.ErrUnsupported))

	_, err = NewRecognizer(nil, speechmodel.DefaultRecognizerConfig(), speechmodel.Handlers{})
	assert.True(t, errors.Is(err, speechmodel.ErrUnsupported))
}

func TestRecognizerStreamsUtterances(t *testing.T) {
	received := make(chan *Message, 4)
	upgrader := websocket.Upgrader{}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "app", r.Header.Get("X-Api-App-Key"))
		assert.Equal(t, "token", r.Header.Get("X-Api-Access-Key"))
		assert.Equal(t, resourceDuration, r.Header.Get("X-Api-Resource-Id"))
		assert.NotEmpty(t, r.Header.Get("X-Api-Connect-Id"))

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		received <- readMessage(conn)
		_ = conn.WriteMessage(websocket.BinaryMessage, serverResponse(t, 2, false, utterance{"hello", false}))
		_ = conn.WriteMessage(websocket.BinaryMessage, serverResponse(t, 3, false, utterance{"hello", true}, utterance{"wor", false}))

		received <- readMessage(conn)
		received <- readMessage(conn)
		_ = conn.WriteMessage(websocket.BinaryMessage, serverResponse(t, 4, true, utterance{"hello", true}, utterance{"world", true}))
	}))
	defer server.Close()

	rec := newRecorder()
	recognizer, err := NewRecognizer(testSpeechConfig(server), speechmodel.DefaultRecognizerConfig(), rec.handlers())
	require.NoError(t, err)
	require.NoError(t, recognizer.Start())

	first := waitFor(t, rec.results)
	assert.Equal(t, 0, first.ResultIndex)
	require.Len(t, first.Results, 1)
	assert.False(t, first.Results[0].Final)

	second := waitFor(t, rec.results)
	assert.Equal(t, 0, second.ResultIndex)
	require.Len(t, second.Results, 2)
	assert.True(t, second.Results[0].Final)
	assert.Equal(t, "hello", second.Results[0].Transcript())
	assert.False(t, second.Results[1].Final)

	require.NoError(t, recognizer.WriteAudio([]byte{1, 2, 3, 4}))
	recognizer.Stop()

	third := waitFor(t, rec.results)
	assert.Equal(t, 1, third.ResultIndex)
	require.Len(t, third.Results, 2)
	assert.True(t, third.Results[1].Final)
	assert.Equal(t, "world", third.Results[1].Transcript())

	waitFor(t, rec.ended)
	assert.Empty(t, rec.errs)

	full := waitFor(t, received)
	require.NotNil(t, full)
	assert.Equal(t, FullClientRequest, full.Header.MessageType)
	payload, err := DecompressPayload(full.Payload, full.Header.CompressionMethod)
	require.NoError(t, err)
	var req asrRequest
	require.NoError(t, json.Unmarshal(payload, &req))
	assert.Equal(t, "bigmodel", req.Request.ModelName)
	assert.Equal(t, "en-US", req.Audio.Language)
	assert.Equal(t, 16000, req.Audio.Rate)

	audio := waitFor(t, received)
	require.NotNil(t, audio)
	assert.Equal(t, AudioOnlyRequest, audio.Header.MessageType)
	assert.Equal(t, int32(2), audio.Sequence)
	pcm, err := DecompressPayload(audio.Payload, audio.Header.CompressionMethod)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, pcm)

	last := waitFor(t, received)
	require.NotNil(t, last)
	assert.True(t, last.IsLastPacket())
	assert.Equal(t, int32(-3), last.Sequence)

	assert.ErrorIs(t, recognizer.WriteAudio([]byte{5}), ErrNotStarted)
}

func TestRecognizerReportsServerError(t *testing.T) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		readMessage(conn)
		payload, _ := CompressPayload([]byte("invalid audio"), GzipCompression)
		_ = conn.WriteMessage(websocket.BinaryMessage, EncodeMessage(&Message{
			Header:    NewHeader(ErrorMessage, NoSequenceNumber, JSONSerialization, GzipCompression),
			ErrorCode: 45000001,
			Payload:   payload,
		}))
	}))
	defer server.Close()

	rec := newRecorder()
	recognizer, err := NewRecognizer(testSpeechConfig(server), speechmodel.DefaultRecognizerConfig(), rec.handlers())
	require.NoError(t, err)
	require.NoError(t, recognizer.Start())

	ev := waitFor(t, rec.errs)
	assert.Equal(t, "45000001", ev.Code)
	assert.Equal(t, "invalid audio", ev.Message)
	waitFor(t, rec.ended)
}

func TestRecognizerCloseSuppressesEvents(t *testing.T) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for readMessage(conn) != nil {
		}
	}))
	defer server.Close()

	rec := newRecorder()
	recognizer, err := NewRecognizer(testSpeechConfig(server), speechmodel.DefaultRecognizerConfig(), rec.handlers())
	require.NoError(t, err)
	require.NoError(t, recognizer.Start())
	require.NoError(t, recognizer.Close())

	select {
	case <-rec.ended:
		t.Fatal("closed recognizer must not emit end")
	case ev := <-rec.errs:
		t.Fatalf("closed recognizer must not emit error: %+v", ev)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestRecognizerStartFailsWhenUnreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	cfg := testSpeechConfig(server)
	server.Close()

	recognizer, err := NewRecognizer(cfg, speechmodel.DefaultRecognizerConfig(), newRecorder().handlers())
	require.NoError(t, err)
	assert.Error(t, recognizer.Start())
}

func TestFactoryAppliesLanguageOverride(t *testing.T) {
	assert.Nil(t, NewFactory(nil))

	factory := NewFactory(&speechmodel.SpeechConfig{AppID: "app", AccessToken: "token", Language: "zh-CN"})
	rec, err := factory(speechmodel.DefaultRecognizerConfig(), speechmodel.Handlers{})
	require.NoError(t, err)
	assert.Equal(t, "zh-CN", rec.(*Recognizer).rc.Language)

	_, err = NewFactory(&speechmodel.SpeechConfig{})(speechmodel.DefaultRecognizerConfig(), speechmodel.Handlers{})
	assert.True(t, errors.Is(err, speechmodel.ErrUnsupported))
}

func TestRecognizerSingleUtteranceStopsAfterFirstFinal(t *testing.T) {
	received := make(chan *Message, 4)
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		received <- readMessage(conn)
		_ = conn.WriteMessage(websocket.BinaryMessage, serverResponse(t, 2, false, utterance{"hello", true}))

		// 客户端收到第一个定稿结果后自行发送最后一包
		received <- readMessage(conn)
		_ = conn.WriteMessage(websocket.BinaryMessage, serverResponse(t, 3, true, utterance{"hello", true}))
	}))
	defer server.Close()

	rc := speechmodel.DefaultRecognizerConfig()
	rc.Continuous = false

	rec := newRecorder()
	recognizer, err := NewRecognizer(testSpeechConfig(server), rc, rec.handlers())
	require.NoError(t, err)
	require.NoError(t, recognizer.Start())

	first := waitFor(t, rec.results)
	assert.Equal(t, 0, first.ResultIndex)
	require.Len(t, first.Results, 1)
	assert.True(t, first.Results[0].Final)

	second := waitFor(t, rec.results)
	assert.Equal(t, 1, second.ResultIndex)
	waitFor(t, rec.ended)

	full := waitFor(t, received)
	require.NotNil(t, full)
	payload, err := DecompressPayload(full.Payload, full.Header.CompressionMethod)
	require.NoError(t, err)
	var req asrRequest
	require.NoError(t, json.Unmarshal(payload, &req))
	assert.Equal(t, 800, req.Request.EndWindowSize)

	last := waitFor(t, received)
	require.NotNil(t, last)
	assert.True(t, last.IsLastPacket())
	assert.Equal(t, int32(-2), last.Sequence)

	assert.ErrorIs(t, recognizer.WriteAudio([]byte{1}), ErrNotStarted)
}

func TestRecognizerWithoutInterimResults(t *testing.T) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		readMessage(conn)
		_ = conn.WriteMessage(websocket.BinaryMessage, serverResponse(t, 2, false, utterance{"hel", false}))
		_ = conn.WriteMessage(websocket.BinaryMessage, serverResponse(t, 3, false,
			utterance{"hello", true}, utterance{"wor", false}, utterance{"again", true}))
		_ = conn.WriteMessage(websocket.BinaryMessage, serverResponse(t, 4, false, utterance{"hello", true}, utterance{"worl", false}))
		_ = conn.WriteMessage(websocket.BinaryMessage, serverResponse(t, 5, true, utterance{"hello", true}, utterance{"world", true}))
	}))
	defer server.Close()

	rc := speechmodel.DefaultRecognizerConfig()
	rc.InterimResults = false

	rec := newRecorder()
	recognizer, err := NewRecognizer(testSpeechConfig(server), rc, rec.handlers())
	require.NoError(t, err)
	require.NoError(t, recognizer.Start())

	first := waitFor(t, rec.results)
	assert.Equal(t, 0, first.ResultIndex)
	require.Len(t, first.Results, 1)
	assert.True(t, first.Results[0].Final)
	assert.Equal(t, "hello", first.Results[0].Transcript())

	second := waitFor(t, rec.results)
	assert.Equal(t, 1, second.ResultIndex)
	require.Len(t, second.Results, 2)
	assert.True(t, second.Results[1].Final)
	assert.Equal(t, "world", second.Results[1].Transcript())

	waitFor(t, rec.ended)
	assert.Empty(t, rec.results)
}

type stubRecognizer struct{}

func (stubRecognizer) Start() error { return nil }
func (stubRecognizer) Stop()        {}

func TestLateDefiniteUtteranceIsFinalizedOnce(t *testing.T) {
	var handlers speechmodel.Handlers
	controller := voice.New(func(_ speechmodel.RecognizerConfig, h speechmodel.Handlers) (voice.Recognizer, error) {
		handlers = h
		return stubRecognizer{}, nil
	})
	defer controller.Close()
	controller.Start()
	require.True(t, controller.State().IsRecording)

	r := &Recognizer{rc: speechmodel.DefaultRecognizerConfig()}
	finalized := 0
	responses := [][]asrUtterance{
		{{Text: "A"}, {Text: "B", Definite: true}},
		{{Text: "A", Definite: true}, {Text: "B", Definite: true}},
		{{Text: "A", Definite: true}, {Text: "B", Definite: true}, {Text: "C"}},
	}
	for _, utterances := range responses {
		var resp asrResponse
		resp.Result.Utterances = utterances
		event, newlyFinal := r.toResultEvent(resp, finalized, false)
		finalized += newlyFinal
		handlers.OnResult(event)
	}

	assert.Equal(t, 2, finalized)
	assert.Equal(t, "A B", controller.State().Transcript)
}
