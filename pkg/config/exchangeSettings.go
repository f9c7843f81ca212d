package config

// OutboxSettings controls the outbound pipeline.
type OutboxSettings struct {
	Enabled bool `mapstructure:"enabled"`
	Workers int  `mapstructure:"workers" validate:"gte=0"`
	// Source is the CloudEvents source stamped on published envelopes.
	Source string `mapstructure:"source"`
}

// InboxSettings controls the inbound pipeline.
type InboxSettings struct {
	Enabled bool `mapstructure:"enabled"`
	Workers int  `mapstructure:"workers" validate:"gte=0"`
	// Listen subscribes to the broker and accepts deliveries into the inbox.
	Listen bool `mapstructure:"listen"`
	// ForwardURL receives every inbound event when no in-process handler matches.
	ForwardURL string `mapstructure:"forward_url" validate:"omitempty,url"`
	// CorrelationField names the data attribute used when the envelope carries
	// no correlationkey extension.
	CorrelationField string `mapstructure:"correlation_field"`
}
