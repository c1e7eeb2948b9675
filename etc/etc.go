package etc

import (
	"fmt"
	"time"

	"github.com/nrednav/cuid2"
)

func NewFreshID() string {
	return cuid2.Generate()
}

// FormatSeconds renders a duration the way log lines and debug messages show
// utterance lengths, e.g. "1.25s".
func FormatSeconds(d time.Duration) string {
	return fmt.Sprintf("%.2fs", d.Seconds())
}
