package config

type Observability struct {
	ServiceName string `mapstructure:"service_name" validate:"required"`
	// TracingURL is the OTLP/HTTP collector endpoint; tracing is off when empty.
	TracingURL  string `mapstructure:"tracing_url" validate:"omitempty,url"`
	MetricsAddr string `mapstructure:"metrics_addr"`
	LogLevel    string `mapstructure:"log_level" validate:"omitempty,oneof=debug info warn error"`
	LogFormat   string `mapstructure:"log_format" validate:"omitempty,oneof=json console"`
}

func (o *Observability) setDefaults() {
	if o.LogLevel == "" {
		o.LogLevel = "info"
	}
	if o.LogFormat == "" {
		o.LogFormat = "json"
	}
}
