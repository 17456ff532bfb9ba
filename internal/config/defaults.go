package config

const (
	defaultProjectRoot        = "~/.local/share/storyforge/projects"
	defaultLogDir             = "~/.local/share/storyforge/logs"
	defaultLogFormat          = "console"
	defaultLogLevel           = "info"
	defaultTextGenBaseURL     = "https://openrouter.ai/api/v1"
	defaultTextGenTimeout     = 120
	defaultMediaGenBaseURL    = "https://api.replicate.com/v1"
	defaultMediaGenTimeout    = 30
	defaultMediaPollSeconds   = 2
	defaultPredictTimeout     = 300
	defaultDownloadTimeout    = 60
	defaultEmbeddingsBaseURL  = "https://openrouter.ai/api/v1"
	defaultEmbeddingsModel    = "openai/text-embedding-3-small"
	defaultEmbeddingsTimeout  = 30
	defaultReuseThreshold     = 0.85
	defaultSchedulerInterval  = 15
	defaultDispatchParallel   = 1
	defaultDraftTextModel     = "meta-llama/llama-3.2-3b-instruct:free"
	defaultDraftImageModel    = "black-forest-labs/flux-schnell"
	defaultDraftVideoModel    = "minimax/video-01"
	defaultDraftAudioModel    = "minimax/speech-02-turbo"
	defaultFinalTextModel     = "anthropic/claude-sonnet-4"
	defaultFinalImageModel    = "black-forest-labs/flux-1.1-pro"
	defaultFinalVideoModel    = "google/veo-2"
	defaultFinalAudioModel    = "minimax/speech-02-hd"
	defaultDraftMaxTokens     = 2048
	defaultFinalMaxTokens     = 4096
	defaultDraftTemperature   = 0.7
	defaultFinalTemperature   = 0.7
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			ProjectRoot: defaultProjectRoot,
			LogDir:      defaultLogDir,
		},
		Tiers: Tiers{
			Draft: Tier{
				TextModel:   defaultDraftTextModel,
				ImageModel:  defaultDraftImageModel,
				VideoModel:  defaultDraftVideoModel,
				AudioModel:  defaultDraftAudioModel,
				MaxTokens:   defaultDraftMaxTokens,
				Temperature: defaultDraftTemperature,
			},
			Final: Tier{
				TextModel:   defaultFinalTextModel,
				ImageModel:  defaultFinalImageModel,
				VideoModel:  defaultFinalVideoModel,
				AudioModel:  defaultFinalAudioModel,
				MaxTokens:   defaultFinalMaxTokens,
				Temperature: defaultFinalTemperature,
			},
		},
		TextGen: TextGen{
			BaseURL:        defaultTextGenBaseURL,
			TimeoutSeconds: defaultTextGenTimeout,
		},
		MediaGen: MediaGen{
			BaseURL:         defaultMediaGenBaseURL,
			TimeoutSeconds:  defaultMediaGenTimeout,
			PollSeconds:     defaultMediaPollSeconds,
			PredictTimeout:  defaultPredictTimeout,
			DownloadTimeout: defaultDownloadTimeout,
		},
		Embeddings: Embeddings{
			BaseURL:        defaultEmbeddingsBaseURL,
			Model:          defaultEmbeddingsModel,
			TimeoutSeconds: defaultEmbeddingsTimeout,
		},
		Assets: Assets{
			ReuseThreshold: defaultReuseThreshold,
		},
		Scheduler: Scheduler{
			Enabled:          false,
			PollInterval:     defaultSchedulerInterval,
			DispatchParallel: defaultDispatchParallel,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
