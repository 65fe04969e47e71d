package gateway

import "time"

// Config configures the HTTP control plane.
type Config struct {
	Bind            string        `yaml:"bind"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// Provider defaults, applied to every run unless a thread-level override
	// is introduced later. Model is in "provider_id/model_id" form.
	Model            string `yaml:"model"`
	Instructions     string `yaml:"instructions"`
	ToolChoiceMode   string `yaml:"tool_choice_mode"`
	MaxToolCalls     int    `yaml:"max_tool_calls"`
	StatelessHistory bool   `yaml:"stateless_history"`

	CompactionStrideMessages    int `yaml:"compaction_stride_messages"`
	CompactionMaxNewCheckpoints int `yaml:"compaction_max_new_checkpoints"`

	RecentMessageLimit int `yaml:"recent_message_limit"`

	BashTimeout time.Duration `yaml:"bash_timeout"`
}

func (c *Config) defaults() {
	if c.Bind == "" {
		c.Bind = "127.0.0.1:8088"
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 30 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 5 * time.Second
	}
	if c.ToolChoiceMode == "" {
		c.ToolChoiceMode = "auto"
	}
	if c.MaxToolCalls <= 0 {
		c.MaxToolCalls = 32
	}
	if c.CompactionStrideMessages <= 0 {
		c.CompactionStrideMessages = 40
	}
	if c.CompactionMaxNewCheckpoints <= 0 {
		c.CompactionMaxNewCheckpoints = 1
	}
	if c.RecentMessageLimit <= 0 {
		c.RecentMessageLimit = 20
	}
	if c.BashTimeout <= 0 {
		c.BashTimeout = 60 * time.Second
	}
}
