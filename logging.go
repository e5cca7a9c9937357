package residue

import (
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"
	"github.com/ncruces/go-strftime"
)

// NewDefaultLogger builds the slog.Logger a Node falls back to when the
// embedding program does not supply one: a human-readable text handler when
// w is an interactive terminal, JSON otherwise, so piped/redirected output
// stays machine-parseable for log aggregation.
func NewDefaultLogger(w io.Writer) *slog.Logger {
	if f, ok := w.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
		return slog.New(slog.NewTextHandler(w, nil))
	}
	return slog.New(slog.NewJSONHandler(w, nil))
}

// formatBytes renders a byte count the way an operator reading server logs
// expects to see it (e.g. "4.2 kB"), used when logging log-sink file sizes.
func formatBytes(n int64) string {
	return humanize.Bytes(uint64(n))
}

// formatLogTimestamp renders a record's timestamp as a human-readable
// string for diagnostic log lines; the persisted Record itself always keeps
// the raw unix-nanos form.
func formatLogTimestamp(unixNanos int64) string {
	return strftime.Format("%Y-%m-%d %H:%M:%S", time.Unix(0, unixNanos).UTC())
}
