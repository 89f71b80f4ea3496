// Copyright (c) 2024-2026 - for information on the respective copyright owner
// see the NOTICE file and/or the repository https://github.com/interactive-gym/session-engine.
//
// SPDX-License-Identifier: Apache-2.0

// Package export persists episode data to disk, one file per subject and
// episode. Rows are flat column maps serialized canonically, so the exports
// of two peers can be compared byte-for-byte after excluding the focus
// columns.
package export

import (
	"fmt"
	"path/filepath"
	"sort"

	"github.com/interactive-gym/session-engine/pkg/rollback"
	. "github.com/interactive-gym/session-engine/pkg/types"
	"github.com/interactive-gym/session-engine/pkg/utils"
	"go.uber.org/zap"
)

// EpisodeRecord is one finalized episode ready for persistence.
type EpisodeRecord struct {
	SubjectID        SubjectID     `json:"subjectId"`
	SessionID        string        `json:"sessionId"`
	Episode          int           `json:"episode"`
	TerminationFrame int           `json:"terminationFrame"`
	Rows             []Row         `json:"rows"`
	Status           SessionStatus `json:"status"`
}

// Row is one time-indexed record with flattened column keys, e.g.
// "actions.0", "infos.1.score", "isFocused.0".
type Row map[string]interface{}

// FocusColumn returns the focus column key of a player. Focus columns are
// excluded from byte-parity comparison; notification latency makes them
// diverge between peers.
func FocusColumn(p PlayerID) string {
	return fmt.Sprintf("isFocused.%d", p)
}

// Flatten converts a frame record into a flat export row. Focus columns for
// every listed human player are always present, even when no focus change
// ever happened.
func Flatten(rec *rollback.FrameRecord, humans []PlayerID) Row {
	row := Row{"frame": rec.Frame}
	for p, a := range rec.Actions {
		row[fmt.Sprintf("actions.%d", p)] = a
	}
	for p, r := range rec.Rewards {
		row[fmt.Sprintf("rewards.%d", p)] = r
	}
	for p, t := range rec.Terminated {
		row[fmt.Sprintf("terminated.%d", p)] = t
	}
	for p, t := range rec.Truncated {
		row[fmt.Sprintf("truncated.%d", p)] = t
	}
	for p, info := range rec.Infos {
		flattenInto(row, fmt.Sprintf("infos.%d", p), info)
	}
	for _, p := range humans {
		focused, ok := rec.Focused[p]
		if !ok {
			focused = true
		}
		row[FocusColumn(p)] = focused
	}
	if rec.WasSpeculative {
		row["wasSpeculative"] = true
	}
	return row
}

// flattenInto expands nested info maps with dot-joined keys. Non-map leaves
// are stored as-is; the canonical serializer handles float normalization.
func flattenInto(row Row, prefix string, v interface{}) {
	m, ok := v.(map[string]interface{})
	if !ok {
		row[prefix] = v
		return
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		flattenInto(row, prefix+"."+k, m[k])
	}
}

// FlattenAll converts an episode's confirmed rows in frame order.
func FlattenAll(recs []*rollback.FrameRecord, humans []PlayerID) []Row {
	rows := make([]Row, 0, len(recs))
	for _, rec := range recs {
		rows = append(rows, Flatten(rec, humans))
	}
	return rows
}

// ParityCheck compares two peers' exports of the same episode. Focus
// columns and the speculative-origin tag are excluded: notification latency
// and one-sided force-promotes make them diverge legitimately. Everything
// else must match byte-for-byte under canonical serialization.
func ParityCheck(a, b *EpisodeRecord, humans []PlayerID) bool {
	if len(a.Rows) != len(b.Rows) || a.TerminationFrame != b.TerminationFrame {
		return false
	}
	excluded := map[string]bool{"wasSpeculative": true}
	for _, p := range humans {
		excluded[FocusColumn(p)] = true
	}
	for i := range a.Rows {
		if !rowsEqual(a.Rows[i], b.Rows[i], excluded) {
			return false
		}
	}
	return true
}

func rowsEqual(a, b Row, excluded map[string]bool) bool {
	stripped := func(row Row) Row {
		out := Row{}
		for k, v := range row {
			if !excluded[k] {
				out[k] = v
			}
		}
		return out
	}
	ca, errA := rollback.CanonicalJSON(stripped(a))
	cb, errB := rollback.CanonicalJSON(stripped(b))
	if errA != nil || errB != nil {
		return false
	}
	return string(ca) == string(cb)
}

// WriterConf configures a Writer.
type WriterConf struct {
	BaseDir string
	Fio     utils.FileIO
	Logger  *zap.SugaredLogger
}

// NewWriter returns a writer rooted at the configured base directory.
func NewWriter(conf *WriterConf) *Writer {
	if conf.Fio == nil {
		conf.Fio = utils.Fio
	}
	return &Writer{conf: conf}
}

// Writer persists episode records. Files are append-only per subject and
// episode; an exclusive advisory lock enforces the single-writer rule.
type Writer struct {
	conf *WriterConf
}

// Path returns the export file of a subject's episode.
func (w *Writer) Path(subject SubjectID, episode int) string {
	return filepath.Join(w.conf.BaseDir, string(subject), fmt.Sprintf("episode_%d.json", episode))
}

// WriteEpisode serializes the record canonically and appends it to the
// subject's episode file. Returns the written path.
func (w *Writer) WriteEpisode(rec *EpisodeRecord) (string, error) {
	dir := filepath.Join(w.conf.BaseDir, string(rec.SubjectID))
	if err := w.conf.Fio.CreatePath(dir); err != nil {
		return "", fmt.Errorf("creating export directory %s: %v", dir, err)
	}
	path := w.Path(rec.SubjectID, rec.Episode)
	data, err := rollback.CanonicalJSON(rec)
	if err != nil {
		return "", fmt.Errorf("serializing episode %d for %s: %v", rec.Episode, rec.SubjectID, err)
	}
	file, err := w.conf.Fio.OpenAppend(path)
	if err != nil {
		return "", fmt.Errorf("opening export file %s: %v", path, err)
	}
	defer file.Close()
	if err := w.conf.Fio.LockExclusive(file); err != nil {
		return "", fmt.Errorf("export file %s is locked by another writer: %v", path, err)
	}
	defer func() {
		if err := w.conf.Fio.Unlock(file); err != nil {
			w.conf.Logger.Errorf("unlocking export file %s: %v", path, err)
		}
	}()
	if _, err := file.Write(append(data, '\n')); err != nil {
		return "", fmt.Errorf("writing export file %s: %v", path, err)
	}
	w.conf.Logger.Infow("episode data exported",
		"subjectId", rec.SubjectID,
		"episode", rec.Episode,
		"rows", len(rec.Rows),
		"isPartial", rec.Status.IsPartial,
		"path", path,
	)
	return path, nil
}
