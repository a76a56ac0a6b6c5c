package conversation

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/chatmate/backend/internal/model/chat"
	"github.com/zhouzirui/chatmate/backend/internal/model/persona"
	"github.com/zhouzirui/chatmate/backend/internal/service/ai"
)

type fakeStream struct {
	chunks []string
	err    error
	next   int
	closed bool
}

func (s *fakeStream) Recv() (string, error) {
	if s.next < len(s.chunks) {
		chunk := s.chunks[s.next]
		s.next++
		return chunk, nil
	}
	if s.err != nil {
		return "", s.err
	}
	return "", io.EOF
}

func (s *fakeStream) Close() { s.closed = true }

type fakeSession struct {
	replies  [][]string
	failWith error
	openErr  error
	texts    []string
	streams  []*fakeStream
}

func (f *fakeSession) SendStream(_ context.Context, text string) (ai.TextStream, error) {
	f.texts = append(f.texts, text)
	if f.openErr != nil {
		return nil, f.openErr
	}

	var chunks []string
	if len(f.replies) > 0 {
		chunks = f.replies[0]
		f.replies = f.replies[1:]
	}
	stream := &fakeStream{chunks: chunks, err: f.failWith}
	f.streams = append(f.streams, stream)
	return stream, nil
}

func openerFor(session Session) Opener {
	return func(context.Context) (Session, error) {
		return session, nil
	}
}

func newReadyController(t *testing.T, session *fakeSession) *Controller {
	t.Helper()
	c := New(openerFor(session), persona.Default())
	require.NoError(t, c.Initialize(context.Background()))
	return c
}

func TestInitializeSeedsGreeting(t *testing.T) {
	c := newReadyController(t, &fakeSession{})

	snap := c.Snapshot()
	require.Len(t, snap.Messages, 1)
	assert.Equal(t, chat.RoleModel, snap.Messages[0].Role)
	assert.Equal(t, "Hello! I'm Chatmate, your empathetic AI companion. How are you feeling today?", snap.Messages[0].Content)
	assert.True(t, snap.Ready)
	assert.False(t, snap.Loading)
	assert.Empty(t, snap.Error)
}

func TestInitializeFailureMessages(t *testing.T) {
	cases := []struct {
		name string
		open Opener
		want string
	}{
		{
			name: "structured error",
			open: FailedOpener(errors.New("ARK_API_KEY is missing")),
			want: "Failed to initialize AI session: ARK_API_KEY is missing. Please check your API key.",
		},
		{
			name: "empty error",
			open: FailedOpener(errors.New("")),
			want: unknownInitMessage,
		},
		{
			name: "panic with error",
			open: func(context.Context) (Session, error) { panic(errors.New("boom")) },
			want: "Failed to initialize AI session: boom. Please check your API key.",
		},
		{
			name: "panic with value",
			open: func(context.Context) (Session, error) { panic(42) },
			want: unknownInitMessage,
		},
		{
			name: "nil opener",
			open: nil,
			want: unknownInitMessage,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := New(tc.open, persona.Default())
			require.Error(t, c.Initialize(context.Background()))

			snap := c.Snapshot()
			assert.Empty(t, snap.Messages)
			assert.False(t, snap.Ready)
			assert.Equal(t, tc.want, snap.Error)
		})
	}
}

func TestSendMessageWithoutSessionIsNoop(t *testing.T) {
	session := &fakeSession{}
	c := New(FailedOpener(errors.New("no key")), persona.Default())
	_ = c.Initialize(context.Background())

	assert.False(t, c.SendMessage(context.Background(), "hello"))
	assert.Empty(t, c.Snapshot().Messages)
	assert.Empty(t, session.texts)
}

func TestSendMessageBlankInputAppendsNothing(t *testing.T) {
	session := &fakeSession{}
	c := newReadyController(t, session)

	for _, text := range []string{"", "   ", "\n\t"} {
		assert.False(t, c.SendMessage(context.Background(), text))
	}
	assert.Len(t, c.Snapshot().Messages, 1)
	assert.Empty(t, session.texts)
}

func TestSendMessageConcatenatesChunksInOrder(t *testing.T) {
	session := &fakeSession{replies: [][]string{{"Hel", "lo, ", "world"}}}
	c := newReadyController(t, session)

	require.True(t, c.SendMessage(context.Background(), "hi"))

	snap := c.Snapshot()
	require.Len(t, snap.Messages, 3)
	assert.Equal(t, chat.Message{Role: chat.RoleUser, Content: "hi"}, snap.Messages[1])
	assert.Equal(t, chat.Message{Role: chat.RoleModel, Content: "Hello, world"}, snap.Messages[2])
	assert.True(t, session.streams[0].closed)
}

func TestSendMessageWhileLoadingIsNoop(t *testing.T) {
	session := &fakeSession{replies: [][]string{{"one", "two"}}}
	c := newReadyController(t, session)

	var (
		reentered   bool
		countDuring int
	)
	c.Subscribe(func(ev Event) {
		if ev.Type != EventDelta || reentered {
			return
		}
		reentered = true
		assert.True(t, c.Loading())
		assert.False(t, c.SendMessage(context.Background(), "again"))
		countDuring = len(c.Snapshot().Messages)
	})

	require.True(t, c.SendMessage(context.Background(), "first"))

	assert.True(t, reentered)
	assert.Equal(t, 3, countDuring)
	assert.Len(t, c.Snapshot().Messages, 3)
	assert.Equal(t, []string{"first"}, session.texts)
}

func TestStreamMessageDeliversOnlyItsOwnTurn(t *testing.T) {
	session := &fakeSession{replies: [][]string{{"one", "two"}, {"three"}}}
	c := newReadyController(t, session)

	var rejected []Event
	c.Subscribe(func(ev Event) {
		if ev.Type != EventDelta || ev.Delta != "one" {
			return
		}
		// 其他来源在本轮进行中抢先发送
		assert.False(t, c.StreamMessage(context.Background(), "again", func(ev Event) {
			rejected = append(rejected, ev)
		}))
	})

	var own []EventType
	require.True(t, c.StreamMessage(context.Background(), "first", func(ev Event) {
		own = append(own, ev.Type)
	}))
	require.True(t, c.SendMessage(context.Background(), "second"))

	assert.Empty(t, rejected)
	assert.Equal(t, []EventType{EventLoading, EventMessage, EventMessage, EventDelta, EventDelta, EventLoading}, own)
	assert.Equal(t, []string{"first", "second"}, session.texts)
}

func TestStreamFailurePreservesPartialContent(t *testing.T) {
	session := &fakeSession{
		replies:  [][]string{{"Par"}},
		failWith: &ai.TransportError{Op: "receive", Err: errors.New("reset")},
	}
	c := newReadyController(t, session)

	require.True(t, c.SendMessage(context.Background(), "hi"))

	snap := c.Snapshot()
	require.Len(t, snap.Messages, 4)
	assert.Equal(t, "Par", snap.Messages[2].Content)
	assert.Equal(t, chat.Message{Role: chat.RoleModel, Content: sendFailureMessage}, snap.Messages[3])
	assert.Equal(t, sendFailureMessage, snap.Error)
	assert.False(t, snap.Loading)
}

func TestStreamFailureOverwritesEmptyPlaceholder(t *testing.T) {
	session := &fakeSession{openErr: &ai.TransportError{Op: "open stream", Err: errors.New("dial")}}
	c := newReadyController(t, session)

	require.True(t, c.SendMessage(context.Background(), "hi"))

	snap := c.Snapshot()
	require.Len(t, snap.Messages, 3)
	assert.Equal(t, chat.Message{Role: chat.RoleModel, Content: sendFailureMessage}, snap.Messages[2])
	assert.Equal(t, sendFailureMessage, snap.Error)
	assert.False(t, snap.Loading)
}

func TestNextSendClearsError(t *testing.T) {
	session := &fakeSession{openErr: errors.New("dial")}
	c := newReadyController(t, session)
	require.True(t, c.SendMessage(context.Background(), "first"))
	require.NotEmpty(t, c.Snapshot().Error)

	session.openErr = nil
	session.replies = [][]string{{"ok"}}
	require.True(t, c.SendMessage(context.Background(), "second"))

	snap := c.Snapshot()
	assert.Empty(t, snap.Error)
	require.Len(t, snap.Messages, 5)
	assert.Equal(t, sendFailureMessage, snap.Messages[2].Content)
	assert.Equal(t, "ok", snap.Messages[4].Content)
}

func TestOnlyTailModelMessageChanges(t *testing.T) {
	session := &fakeSession{replies: [][]string{{"a", "b"}, {"c"}}}
	c := newReadyController(t, session)

	var events []Event
	c.Subscribe(func(ev Event) { events = append(events, ev) })

	before := c.Snapshot().Messages
	require.True(t, c.SendMessage(context.Background(), "one"))
	mid := c.Snapshot().Messages
	require.True(t, c.SendMessage(context.Background(), "two"))
	after := c.Snapshot().Messages

	assert.Equal(t, before, mid[:len(before)])
	assert.Equal(t, mid, after[:len(mid)])

	loading := false
	for _, ev := range events {
		switch ev.Type {
		case EventLoading:
			loading = ev.Loading
		case EventDelta:
			assert.True(t, loading)
		}
	}
	assert.False(t, loading)
}

func TestAppendChunkIgnoresNonModelTail(t *testing.T) {
	c := newReadyController(t, &fakeSession{})

	c.mu.Lock()
	c.messages = append(c.messages, chat.Message{Role: chat.RoleUser, Content: "me"})
	c.mu.Unlock()

	c.appendChunk("stray")

	snap := c.Snapshot()
	assert.Equal(t, "me", snap.Messages[len(snap.Messages)-1].Content)
}

func TestConversationScenario(t *testing.T) {
	session := &fakeSession{replies: [][]string{{"I ", "hear ", "you."}}}
	c := newReadyController(t, session)

	require.True(t, c.SendMessage(context.Background(), "I feel anxious"))

	snap := c.Snapshot()
	assert.Equal(t, []chat.Message{
		{Role: chat.RoleModel, Content: persona.Default().Greeting},
		{Role: chat.RoleUser, Content: "I feel anxious"},
		{Role: chat.RoleModel, Content: "I hear you."},
	}, snap.Messages)
	assert.False(t, snap.Loading)
	assert.Empty(t, snap.Error)
}

func TestUnsubscribeStopsEvents(t *testing.T) {
	session := &fakeSession{replies: [][]string{{"x"}}}
	c := newReadyController(t, session)

	count := 0
	cancel := c.Subscribe(func(Event) { count++ })
	cancel()

	require.True(t, c.SendMessage(context.Background(), "hi"))
	assert.Zero(t, count)
}
