package store

// MaxTransactionItems is the engine's limit on descriptors per write unit.
const MaxTransactionItems = 100

// Config holds configuration for the Store.
type Config struct {
	// TableName is the single table every entity lives in.
	// Default: "twinstore"
	TableName string

	// MaxTransactionItems caps descriptors per write unit.
	// Default: 100
	// Max: 100
	MaxTransactionItems int

	// Retry bounds retries of transient failures.
	// Default: DefaultRetryPolicy()
	Retry RetryPolicy
}

// DefaultConfig returns the defaults for a single-table deployment.
func DefaultConfig() Config {
	return Config{
		TableName:           "twinstore",
		MaxTransactionItems: MaxTransactionItems,
		Retry:               DefaultRetryPolicy(),
	}
}

// validate ensures config values are within acceptable bounds.
func (c *Config) validate() {
	if c.TableName == "" {
		c.TableName = "twinstore"
	}
	if c.MaxTransactionItems < 1 || c.MaxTransactionItems > MaxTransactionItems {
		c.MaxTransactionItems = MaxTransactionItems
	}
	if c.Retry == (RetryPolicy{}) {
		c.Retry = DefaultRetryPolicy()
	}
	c.Retry.validate()
}
