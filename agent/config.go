// Assistant configuration.

package agent

import "github.com/Imro-iitr6394/E-commerce-Customer-Support/storage"

// DefaultThread is used when a caller gives no thread id.
const DefaultThread = "default_user"

// Config holds assistant behaviour settings.
type Config struct {
	// Namespace is the checkpoint namespace the graph writes to.
	Namespace string

	// HistoryLimit is how many memory entries seed each turn.
	HistoryLimit int

	// ReconcileTranscript overwrites the memory log with the graph's final
	// message list after each turn.
	ReconcileTranscript bool
}

// DefaultConfig returns the default assistant configuration.
func DefaultConfig() Config {
	return Config{HistoryLimit: storage.DefaultHistoryLimit}
}

func (c Config) historyLimit() int {
	if c.HistoryLimit <= 0 {
		return storage.DefaultHistoryLimit
	}
	return c.HistoryLimit
}
