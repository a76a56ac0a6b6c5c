package speech

// SpeechConfig 语音识别服务配置
type SpeechConfig struct {
	// Volcengine 配置
	AppID          string `json:"appId"`          // 火山引擎 APP ID
	AccessToken    string `json:"accessToken"`    // 火山引擎 Access Token
	BaseURL        string `json:"baseUrl"`        // 覆盖默认的 WebSocket 端点
	Language       string `json:"language"`       // 覆盖识别语言
	ConcurrentMode bool   `json:"concurrentMode"` // ASR并发模式（false为小时版）

	// 通用配置
	Timeout int `json:"timeout"` // seconds
}

// RecognizerConfig mirrors the knobs a platform recognizer is created with.
type RecognizerConfig struct {
	Continuous     bool   `json:"continuous"`
	InterimResults bool   `json:"interimResults"`
	Language       string `json:"lang"`
}

// DefaultRecognizerConfig is continuous, interim-enabled, US English recognition.
func DefaultRecognizerConfig() RecognizerConfig {
	return RecognizerConfig{
		Continuous:     true,
		InterimResults: true,
		Language:       "en-US",
	}
}
