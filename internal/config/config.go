package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
	TraceStdout  bool   `yaml:"trace_stdout"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	Node        NodeConfig       `yaml:"node"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Camera      CameraConfig     `yaml:"camera"`
	Frames      FramesConfig     `yaml:"frames"`
	PWM         PWMConfig        `yaml:"pwm"`
	Actuator    ActuatorConfig   `yaml:"actuator"`
	LLM         LLMConfig        `yaml:"llm"`
	Agent       AgentConfig      `yaml:"agent"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type NodeConfig struct {
	ID                string `yaml:"id"`
	Role              string `yaml:"role"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int    `yaml:"heartbeat_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxRuns       int    `yaml:"max_runs"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// CameraConfig drives the external capture programs.
type CameraConfig struct {
	Enabled         bool   `yaml:"enabled"`
	StreamCommand   string `yaml:"stream_command"`
	StillCommand    string `yaml:"still_command"`
	Width           int    `yaml:"width"`
	Height          int    `yaml:"height"`
	Framerate       int    `yaml:"framerate"`
	Codec           string `yaml:"codec"`
	StreamTimeoutMS int    `yaml:"stream_timeout_ms"`
	StillTimeoutMS  int    `yaml:"still_timeout_ms"`
	Quality         int    `yaml:"quality"`
	RestartDelayMS  int    `yaml:"restart_delay_ms"`
}

type FramesConfig struct {
	MaxFrameBytes    int `yaml:"max_frame_bytes"`
	SubscriberBuffer int `yaml:"subscriber_buffer"`
	ReadBufferBytes  int `yaml:"read_buffer_bytes"`
}

type PWMConfig struct {
	Mode      string `yaml:"mode"` // mock, i2c
	I2CBus    string `yaml:"i2c_bus"`
	Address   int    `yaml:"address"`
	Frequency int    `yaml:"frequency_hz"`
}

type ActuatorConfig struct {
	DriveDuty    int    `yaml:"drive_duty"`
	SettleMS     int    `yaml:"settle_ms"`
	StopMode     string `yaml:"stop_mode"` // brake, coast
	ServoBias    int    `yaml:"servo_bias"`
	CenterServos bool   `yaml:"center_servos"`
}

type LLMConfig struct {
	Mode        string  `yaml:"mode"` // mock, ollama, exec
	Endpoint    string  `yaml:"endpoint"`
	Command     string  `yaml:"command"`
	Model       string  `yaml:"model"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
	TimeoutMS   int     `yaml:"timeout_ms"`
	MockSteps   int     `yaml:"mock_steps"`
}

type AgentConfig struct {
	MaxIterations         int `yaml:"max_iterations"`
	HistoryTurns          int `yaml:"history_turns"`
	FrameTimeoutMS        int `yaml:"frame_timeout_ms"`
	ObservationRetries    int `yaml:"observation_retries"`
	ObservationRetryDelay int `yaml:"observation_retry_delay_ms"`
	DecisionRetries       int `yaml:"decision_retries"`
	MaxConcurrentRuns     int `yaml:"max_concurrent_runs"`
	DecisionFrameBuffer   int `yaml:"decision_frame_buffer"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-rover",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Enabled:        true,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Node: NodeConfig{
			ID:                "rover-1",
			Role:              "rover",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/rover-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxRuns:       1000,
		},
		Camera: CameraConfig{
			Enabled:         true,
			StreamCommand:   "rpicam-vid",
			StillCommand:    "rpicam-still",
			Width:           600,
			Height:          600,
			Framerate:       30,
			Codec:           "mjpeg",
			StreamTimeoutMS: 0,
			StillTimeoutMS:  1000,
			Quality:         90,
		},
		Frames: FramesConfig{
			MaxFrameBytes:    4 << 20,
			SubscriberBuffer: 4,
			ReadBufferBytes:  64 << 10,
		},
		PWM: PWMConfig{
			Mode:      "mock",
			I2CBus:    "1",
			Address:   0x40,
			Frequency: 50,
		},
		Actuator: ActuatorConfig{
			DriveDuty:    1400,
			SettleMS:     500,
			StopMode:     "brake",
			ServoBias:    10,
			CenterServos: true,
		},
		LLM: LLMConfig{
			Mode:        "mock",
			Endpoint:    "http://localhost:11434",
			Model:       "llava:latest",
			MaxTokens:   256,
			Temperature: 0,
			TimeoutMS:   60000,
			MockSteps:   3,
		},
		Agent: AgentConfig{
			MaxIterations:         50,
			HistoryTurns:          6,
			FrameTimeoutMS:        5000,
			ObservationRetries:    2,
			ObservationRetryDelay: 500,
			DecisionRetries:       2,
			MaxConcurrentRuns:     1,
			DecisionFrameBuffer:   1,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "ROVER_RUNTIME_NAME")
	overrideString(&cfg.Environment, "ROVER_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "ROVER_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "ROVER_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "ROVER_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "ROVER_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "ROVER_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.TraceStdout, "ROVER_TELEMETRY_TRACE_STDOUT")
	overrideBool(&cfg.Bus.Enabled, "ROVER_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "ROVER_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "ROVER_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "ROVER_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "ROVER_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "ROVER_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "ROVER_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "ROVER_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "ROVER_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "ROVER_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Node.ID, "ROVER_NODE_ID")
	overrideString(&cfg.Node.Role, "ROVER_NODE_ROLE")
	overrideInt(&cfg.Node.HeartbeatInterval, "ROVER_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "ROVER_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "ROVER_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "ROVER_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "ROVER_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxRuns, "ROVER_EVENT_STORE_MAX_RUNS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "ROVER_EVENT_STORE_VACUUM_ON_START")
	overrideBool(&cfg.Camera.Enabled, "ROVER_CAMERA_ENABLED")
	overrideString(&cfg.Camera.StreamCommand, "ROVER_CAMERA_STREAM_COMMAND")
	overrideString(&cfg.Camera.StillCommand, "ROVER_CAMERA_STILL_COMMAND")
	overrideInt(&cfg.Camera.Width, "ROVER_CAMERA_WIDTH")
	overrideInt(&cfg.Camera.Height, "ROVER_CAMERA_HEIGHT")
	overrideInt(&cfg.Camera.Framerate, "ROVER_CAMERA_FRAMERATE")
	overrideInt(&cfg.Camera.RestartDelayMS, "ROVER_CAMERA_RESTART_DELAY_MS")
	overrideInt(&cfg.Frames.MaxFrameBytes, "ROVER_FRAMES_MAX_FRAME_BYTES")
	overrideInt(&cfg.Frames.SubscriberBuffer, "ROVER_FRAMES_SUBSCRIBER_BUFFER")
	overrideString(&cfg.PWM.Mode, "ROVER_PWM_MODE")
	overrideString(&cfg.PWM.I2CBus, "ROVER_PWM_I2C_BUS")
	overrideInt(&cfg.PWM.Address, "ROVER_PWM_ADDRESS")
	overrideInt(&cfg.PWM.Frequency, "ROVER_PWM_FREQUENCY_HZ")
	overrideInt(&cfg.Actuator.DriveDuty, "ROVER_ACTUATOR_DRIVE_DUTY")
	overrideInt(&cfg.Actuator.SettleMS, "ROVER_ACTUATOR_SETTLE_MS")
	overrideString(&cfg.Actuator.StopMode, "ROVER_ACTUATOR_STOP_MODE")
	overrideString(&cfg.LLM.Mode, "ROVER_LLM_MODE")
	overrideString(&cfg.LLM.Endpoint, "ROVER_LLM_ENDPOINT")
	overrideString(&cfg.LLM.Command, "ROVER_LLM_COMMAND")
	overrideString(&cfg.LLM.Model, "ROVER_LLM_MODEL")
	overrideInt(&cfg.LLM.MaxTokens, "ROVER_LLM_MAX_TOKENS")
	overrideFloat(&cfg.LLM.Temperature, "ROVER_LLM_TEMPERATURE")
	overrideInt(&cfg.LLM.TimeoutMS, "ROVER_LLM_TIMEOUT_MS")
	overrideInt(&cfg.Agent.MaxIterations, "ROVER_AGENT_MAX_ITERATIONS")
	overrideInt(&cfg.Agent.HistoryTurns, "ROVER_AGENT_HISTORY_TURNS")
	overrideInt(&cfg.Agent.FrameTimeoutMS, "ROVER_AGENT_FRAME_TIMEOUT_MS")
	overrideInt(&cfg.Agent.DecisionRetries, "ROVER_AGENT_DECISION_RETRIES")
	overrideInt(&cfg.Agent.MaxConcurrentRuns, "ROVER_AGENT_MAX_CONCURRENT_RUNS")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseInt(strings.TrimSpace(value), 0, 64); err == nil {
			*target = int(parsed)
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

// Validate checks a fully merged configuration.
func Validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Node.ID == "" {
		return errors.New("node.id must not be empty")
	}
	if cfg.Node.HeartbeatInterval <= 0 {
		return errors.New("node.heartbeat_interval_ms must be positive")
	}
	if cfg.Node.HeartbeatTimeout <= cfg.Node.HeartbeatInterval {
		return errors.New("node.heartbeat_timeout_ms must be greater than heartbeat interval")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionMode != "ephemeral" && cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Camera.Enabled {
		if strings.TrimSpace(cfg.Camera.StreamCommand) == "" {
			return errors.New("camera.stream_command must be set when the camera is enabled")
		}
		if cfg.Camera.Width <= 0 || cfg.Camera.Height <= 0 {
			return errors.New("camera.width and camera.height must be positive")
		}
		if cfg.Camera.Framerate <= 0 {
			return errors.New("camera.framerate must be positive")
		}
		if cfg.Camera.StreamTimeoutMS < 0 || cfg.Camera.RestartDelayMS < 0 {
			return errors.New("camera timeouts must be >= 0")
		}
	}
	if cfg.Frames.MaxFrameBytes <= 0 {
		return errors.New("frames.max_frame_bytes must be positive")
	}
	if cfg.Frames.SubscriberBuffer <= 0 {
		return errors.New("frames.subscriber_buffer must be >= 1")
	}
	if cfg.Frames.ReadBufferBytes <= 0 {
		return errors.New("frames.read_buffer_bytes must be positive")
	}
	switch cfg.PWM.Mode {
	case "mock":
	case "i2c":
		if cfg.PWM.Address <= 0 || cfg.PWM.Address > 0x7F {
			return errors.New("pwm.address must be a 7-bit i2c address")
		}
	default:
		return errors.New("pwm.mode must be one of mock|i2c")
	}
	if cfg.PWM.Frequency < 24 || cfg.PWM.Frequency > 1526 {
		return errors.New("pwm.frequency_hz must be between 24 and 1526")
	}
	if cfg.Actuator.DriveDuty <= 0 || cfg.Actuator.DriveDuty > 4095 {
		return errors.New("actuator.drive_duty must be between 1 and 4095")
	}
	if cfg.Actuator.SettleMS < 50 || cfg.Actuator.SettleMS > 5000 {
		return errors.New("actuator.settle_ms must be between 50 and 5000")
	}
	switch cfg.Actuator.StopMode {
	case "brake", "coast":
	default:
		return errors.New("actuator.stop_mode must be one of brake|coast")
	}
	switch cfg.LLM.Mode {
	case "mock", "ollama", "exec":
	default:
		return errors.New("llm.mode must be one of mock|ollama|exec")
	}
	if cfg.LLM.Mode == "ollama" && cfg.LLM.Endpoint == "" {
		return errors.New("llm.endpoint must be set when mode=ollama")
	}
	if cfg.LLM.Mode == "exec" && cfg.LLM.Command == "" {
		return errors.New("llm.command must be set when mode=exec")
	}
	if cfg.LLM.MaxTokens < 0 {
		return errors.New("llm.max_tokens must be >= 0")
	}
	if cfg.LLM.TimeoutMS <= 0 {
		return errors.New("llm.timeout_ms must be positive")
	}
	if cfg.Agent.MaxIterations <= 0 {
		return errors.New("agent.max_iterations must be >= 1")
	}
	if cfg.Agent.HistoryTurns < 2 {
		return errors.New("agent.history_turns must be >= 2")
	}
	if cfg.Agent.FrameTimeoutMS <= 0 {
		return errors.New("agent.frame_timeout_ms must be positive")
	}
	if cfg.Agent.ObservationRetries < 0 || cfg.Agent.DecisionRetries < 0 {
		return errors.New("agent retries must be >= 0")
	}
	if cfg.Agent.MaxConcurrentRuns <= 0 {
		return errors.New("agent.max_concurrent_runs must be >= 1")
	}
	if cfg.Agent.DecisionFrameBuffer <= 0 {
		return errors.New("agent.decision_frame_buffer must be >= 1")
	}
	return nil
}
