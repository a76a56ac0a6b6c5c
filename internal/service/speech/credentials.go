package speech

import (
	"strings"

	"github.com/pkg/errors"

	speechmodel "github.com/zhouzirui/chatmate/backend/internal/model/speech"
)

// resolveCredentials 返回规范化后的 AppID 与 AccessToken，缺失时视为不支持语音识别。
func resolveCredentials(cfg *speechmodel.SpeechConfig) (string, string, error) {
	if cfg == nil {
		return "", "", errors.Wrap(speechmodel.ErrUnsupported, "speech config not initialized")
	}

	appID := strings.TrimSpace(cfg.AppID)
	token := strings.TrimSpace(cfg.AccessToken)
	if appID == "" || token == "" {
		return "", "", errors.Wrap(speechmodel.ErrUnsupported, "missing AppID or AccessToken")
	}

	return appID, token, nil
}
