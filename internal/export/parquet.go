package export

import (
	"io"

	"github.com/parquet-go/parquet-go"

	"github.com/agentlens/loom/internal/session"
)

// spanRow is the flat columnar schema: one record per span with session
// fields denormalized in. Times are millisecond epochs; zero means the
// span never finished.
type spanRow struct {
	SessionKey   string `parquet:"session_key"`
	UserHash     string `parquet:"user_hash"`
	AccountID    string `parquet:"account_id"`
	SessionID    string `parquet:"session_id"`
	Seq          int32  `parquet:"seq"`
	SpanID       string `parquet:"span_id"`
	TraceID      string `parquet:"trace_id"`
	ParentSpanID string `parquet:"parent_span_id"`
	Kind         string `parquet:"kind"`
	Name         string `parquet:"name"`
	Class        string `parquet:"class"`
	LinkRule     string `parquet:"link_rule"`
	CausalParent string `parquet:"causal_parent"`
	StartMS      int64  `parquet:"start_ms"`
	EndMS        int64  `parquet:"end_ms"`
	DurationMS   int64  `parquet:"duration_ms"`
	Input        string `parquet:"input"`
	Output       string `parquet:"output"`
}

// writeParquet emits the columnar form of a stream. An empty stream still
// produces a valid schema-only file.
func writeParquet(w io.Writer, sessions []session.Session) error {
	pw := parquet.NewGenericWriter[spanRow](w, parquet.Compression(&parquet.Snappy))
	for _, s := range sessions {
		rows := make([]spanRow, 0, len(s.Spans))
		for _, ss := range s.Spans {
			rows = append(rows, toParquetRow(s, ss))
		}
		if len(rows) == 0 {
			continue
		}
		if _, err := pw.Write(rows); err != nil {
			return err
		}
	}
	return pw.Close()
}

func toParquetRow(s session.Session, ss session.SessionSpan) spanRow {
	var endMS int64
	if !ss.EndTime.IsZero() {
		endMS = ss.EndTime.UnixMilli()
	}
	return spanRow{
		SessionKey:   s.Key,
		UserHash:     s.UserHash,
		AccountID:    s.AccountID,
		SessionID:    s.SessionID,
		Seq:          int32(ss.Seq),
		SpanID:       ss.SpanID,
		TraceID:      ss.TraceID,
		ParentSpanID: ss.ParentSpanID,
		Kind:         string(ss.Kind),
		Name:         ss.Name,
		Class:        string(ss.Class),
		LinkRule:     string(ss.LinkRule),
		CausalParent: ss.CausalParent,
		StartMS:      ss.StartTime.UnixMilli(),
		EndMS:        endMS,
		DurationMS:   ss.DurationMS,
		Input:        ss.Input,
		Output:       ss.Output,
	}
}
