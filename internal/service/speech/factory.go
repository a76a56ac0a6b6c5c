package speech

import (
	speechmodel "github.com/zhouzirui/chatmate/backend/internal/model/speech"
	"github.com/zhouzirui/chatmate/backend/internal/service/voice"
)

// NewFactory 返回为每个会话创建 Recognizer 的工厂，cfg 为 nil 时语音输入不可用
func NewFactory(cfg *speechmodel.SpeechConfig) voice.Factory {
	if cfg == nil {
		return nil
	}

	return func(rc speechmodel.RecognizerConfig, h speechmodel.Handlers) (voice.Recognizer, error) {
		if cfg.Language != "" {
			rc.Language = cfg.Language
		}
		rec, err := NewRecognizer(cfg, rc, h)
		if err != nil {
			return nil, err
		}
		return rec, nil
	}
}
