package consensus

import (
	"fmt"
	"log/slog"
	"os"
)

// fatalf stops the process on an invariant violation. Tests replace it to trap the call.
var fatalf = func(format string, args ...any) {
	slog.Error("fatal consensus invariant violation", "error", fmt.Sprintf(format, args...))
	os.Exit(1)
}
