package ledger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
)

const (
	manifestFile    = "manifest.json"
	descriptionFile = "description"

	ProgressInProgress  = "in_progress"
	ProgressCompleted   = "completed"
	ProgressInterrupted = "interrupted"
)

type SessionRecord struct {
	ID             string `json:"id"`
	StartedAtUTC   string `json:"started_at_utc"`
	CompletedAtUTC string `json:"completed_at_utc,omitempty"`
	RowsAppended   int    `json:"rows_appended"`
}

// Manifest is the progress record of a run directory.
type Manifest struct {
	Name          string          `json:"name"`
	Backend       string          `json:"backend"`
	CreatedAtUTC  string          `json:"created_at_utc"`
	ProgressFlag  string          `json:"progress_flag"`
	Sessions      []SessionRecord `json:"sessions,omitempty"`
	Interruptions []string        `json:"interruptions,omitempty"`
}

func writeManifest(dir string, m Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	tmp := filepath.Join(dir, manifestFile+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(dir, manifestFile))
}

func readManifest(dir string) (Manifest, bool, error) {
	data, err := os.ReadFile(filepath.Join(dir, manifestFile))
	if err != nil {
		if os.IsNotExist(err) {
			return Manifest{}, false, nil
		}
		return Manifest{}, false, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, false, err
	}
	return m, true, nil
}

// List returns the manifests of every run under root, newest first.
func List(root string) ([]Manifest, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return []Manifest{}, nil
		}
		return nil, err
	}
	runs := make([]Manifest, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		m, ok, err := readManifest(filepath.Join(root, entry.Name()))
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		runs = append(runs, m)
	}
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].CreatedAtUTC == runs[j].CreatedAtUTC {
			return runs[i].Name < runs[j].Name
		}
		return runs[i].CreatedAtUTC > runs[j].CreatedAtUTC
	})
	return runs, nil
}
