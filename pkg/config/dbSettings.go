package config

// DbSettings selects and addresses the shared message store.
type DbSettings struct {
	Type string `mapstructure:"type" validate:"required,oneof=mongo postgres spanner memory"`
	// URI is the MongoDB connection string or the Spanner database path.
	URI  string `mapstructure:"uri" validate:"required_if=Type mongo,required_if=Type spanner"`
	DSN  string `mapstructure:"dsn" validate:"required_if=Type postgres"`
	Name string `mapstructure:"name"`
	// EnsureIndexes creates the Mongo indexes (or the Postgres schema) at startup.
	EnsureIndexes bool `mapstructure:"ensure_indexes"`
}

// LockSettings optionally moves the FIFO lock registry out of the message store.
type LockSettings struct {
	Type     string `mapstructure:"type" validate:"omitempty,oneof=redis"`
	RedisURL string `mapstructure:"redis_url" validate:"required_if=Type redis"`
}
