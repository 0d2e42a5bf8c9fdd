package checkpoint

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"path/filepath"
	"strings"
	"time"
)

// MirrorPath returns the path of the JSON mirror written next to a snapshot.
// It never equals snapshotPath, so a snapshot named *.json keeps its image.
func MirrorPath(snapshotPath string) string {
	ext := filepath.Ext(snapshotPath)
	base := strings.TrimSuffix(snapshotPath, ext)
	if strings.EqualFold(ext, ".json") {
		return base + ".mirror.json"
	}
	return base + ".json"
}

type mirrorCheckpoint struct {
	V               int                        `json:"v"`
	ID              string                     `json:"id"`
	TS              time.Time                  `json:"ts"`
	ChannelValues   map[string]json.RawMessage `json:"channel_values"`
	ChannelVersions map[string]int64           `json:"channel_versions"`
}

type mirrorEntry struct {
	Checkpoint mirrorCheckpoint `json:"checkpoint"`
	Metadata   Metadata         `json:"metadata"`
	Parent     *string          `json:"parent"`
}

// encodeMirror renders the store as indented JSON for humans. It is never read
// back.
func encodeMirror(threads threadLogs) ([]byte, error) {
	out := make(map[string]map[string]map[string]mirrorEntry, len(threads))
	for thread, namespaces := range threads {
		nsOut := make(map[string]map[string]mirrorEntry, len(namespaces))
		for ns, log := range namespaces {
			entries := make(map[string]mirrorEntry, len(log.records))
			for id, r := range log.records {
				e := mirrorEntry{
					Checkpoint: mirrorCheckpoint{
						V:               r.checkpoint.V,
						ID:              r.checkpoint.ID,
						TS:              r.checkpoint.TS,
						ChannelValues:   make(map[string]json.RawMessage, len(r.checkpoint.ChannelValues)),
						ChannelVersions: r.checkpoint.ChannelVersions,
					},
					Metadata: r.metadata,
				}
				for name, v := range r.checkpoint.ChannelValues {
					e.Checkpoint.ChannelValues[name] = mirrorValue(v)
				}
				if r.parentID != "" {
					parent := r.parentID
					e.Parent = &parent
				}
				entries[id] = e
			}
			nsOut[ns] = entries
		}
		out[thread] = nsOut
	}
	return json.MarshalIndent(out, "", "  ")
}

func mirrorValue(v TypedValue) json.RawMessage {
	var s string
	switch v.Type {
	case TypeNull, "":
		return json.RawMessage("null")
	case TypeJSON:
		if json.Valid(v.Data) {
			return json.RawMessage(v.Data)
		}
		s = string(v.Data)
	case TypeBytes:
		s = base64.StdEncoding.EncodeToString(v.Data)
	default:
		s = v.Type + ":" + hex.EncodeToString(v.Data)
	}
	quoted, _ := json.Marshal(s)
	return quoted
}
