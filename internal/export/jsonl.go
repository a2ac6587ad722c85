package export

import (
	"encoding/json"
	"io"
	"os"

	"github.com/agentlens/loom/internal/report"
	"github.com/agentlens/loom/internal/session"
)

// writeJSONL emits one session document per line.
func writeJSONL(w io.Writer, sessions []session.Session) error {
	enc := json.NewEncoder(w)
	for i := range sessions {
		if err := enc.Encode(&sessions[i]); err != nil {
			return err
		}
	}
	return nil
}

// writeReportJSON writes the quality report sidecar, indented for humans.
func writeReportJSON(path string, rep *report.Report) error {
	data, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}
