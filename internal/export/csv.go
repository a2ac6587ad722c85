package export

import (
	"encoding/csv"
	"io"
	"strconv"
	"time"

	"github.com/agentlens/loom/internal/session"
)

var csvHeader = []string{
	"session_key", "user_hash", "account_id", "session_id",
	"seq", "span_id", "trace_id", "parent_span_id",
	"kind", "name", "class", "link_rule", "causal_parent",
	"start_time", "end_time", "duration_ms",
	"input", "output",
}

// writeCSV emits one span row per record with the session fields flattened
// in, header first. An empty stream still gets the header so the file is
// self-describing.
func writeCSV(w io.Writer, sessions []session.Session) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, s := range sessions {
		for _, ss := range s.Spans {
			if err := cw.Write(csvRow(s, ss)); err != nil {
				return err
			}
		}
	}
	cw.Flush()
	return cw.Error()
}

func csvRow(s session.Session, ss session.SessionSpan) []string {
	end := ""
	if !ss.EndTime.IsZero() {
		end = ss.EndTime.UTC().Format(time.RFC3339Nano)
	}
	return []string{
		s.Key, s.UserHash, s.AccountID, s.SessionID,
		strconv.Itoa(ss.Seq), ss.SpanID, ss.TraceID, ss.ParentSpanID,
		string(ss.Kind), ss.Name, string(ss.Class), string(ss.LinkRule), ss.CausalParent,
		ss.StartTime.UTC().Format(time.RFC3339Nano), end,
		strconv.FormatInt(ss.DurationMS, 10),
		ss.Input, ss.Output,
	}
}
