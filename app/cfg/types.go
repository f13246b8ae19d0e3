package cfg

type Cfg struct {
	// Storage
	DBPath       string
	CacheBackend string
	RedisAddr    string
	SettingsFile string

	// HTTP service
	Port         string
	BaseUrl      string
	APIAccessKey string
	TaskKey      string
	DispatchMode string
	CallbackURL  string
	WorkerCount  int

	// Capabilities
	AIProvider    string
	AIEndpoint    string
	AIAPIKey      string
	AIModel       string
	AILightModel  string
	SearchAPIKey  string
	SearchEngine  string
	SearchRPS     float64
	SearchBaseURL string

	// Application metadata
	UserAgent string
	Timezone  string
	Debug     bool
	Version   string
}

const (
	DispatchLocal = "local"
	DispatchHTTP  = "http"

	CacheBackendSQL   = "sql"
	CacheBackendRedis = "redis"

	AIProviderAnthropic = "anthropic"
	AIProviderOpenAI    = "openai"
)
