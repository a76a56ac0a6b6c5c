package speech

import "errors"

// ErrUnsupported is returned by recognizer factories when speech recognition
// cannot be offered at all (no credentials, no engine).
var ErrUnsupported = errors.New("speech recognition is not supported")

// Alternative is one candidate transcription of a segment.
type Alternative struct {
	Transcript string  `json:"transcript"`
	Confidence float64 `json:"confidence"`
}

// Result is one recognition segment. Final segments are committed by the
// engine; interim ones may still change.
type Result struct {
	Final        bool          `json:"isFinal"`
	Alternatives []Alternative `json:"alternatives"`
}

// Transcript returns the text of the best alternative.
func (r Result) Transcript() string {
	if len(r.Alternatives) == 0 {
		return ""
	}
	return r.Alternatives[0].Transcript
}

// ResultEvent carries the engine's current result list. Entries before
// ResultIndex were already delivered as final in earlier events.
type ResultEvent struct {
	ResultIndex int      `json:"resultIndex"`
	Results     []Result `json:"results"`
}

// ErrorEvent is a platform-reported recognition failure.
type ErrorEvent struct {
	Code    string `json:"error"`
	Message string `json:"message"`
}

// Handlers receives recognizer events. Implementations call them from their
// own goroutine, never from inside Start or Stop.
type Handlers struct {
	OnResult func(ResultEvent)
	OnError  func(ErrorEvent)
	OnEnd    func()
}
