package registry

import (
	"context"
	"fmt"

	"github.com/angeloszaimis/node-selector/internal/selection"
)

// Document is the registry snapshot for one service role. Versions are
// ordered oldest first, so the last entry is the newest registered version.
type Document struct {
	CurrentVersion string   `json:"current_version"`
	Versions       []string `json:"versions"`
	Nodes          []Node   `json:"nodes"`
}

type Node struct {
	Endpoint string `json:"endpoint"`
	SPID     uint64 `json:"sp_id"`
	Owner    string `json:"owner"`
}

func (d *Document) candidates() []selection.Candidate {
	out := make([]selection.Candidate, 0, len(d.Nodes))
	for _, n := range d.Nodes {
		out = append(out, selection.Candidate{Endpoint: n.Endpoint, SPID: n.SPID, Owner: n.Owner})
	}
	return out
}

func (d *Document) version(index int) (string, error) {
	if index < 0 || index >= len(d.Versions) {
		return "", fmt.Errorf("version index %d out of range [0,%d)", index, len(d.Versions))
	}
	return d.Versions[index], nil
}

// Static serves a fixed Document.
type Static struct {
	doc Document
}

func NewStatic(doc Document) *Static {
	return &Static{doc: doc}
}

func (s *Static) Candidates(context.Context) ([]selection.Candidate, error) {
	return s.doc.candidates(), nil
}

func (s *Static) CurrentVersion(context.Context) (string, error) {
	return s.doc.CurrentVersion, nil
}

func (s *Static) VersionCount(context.Context) (int, error) {
	return len(s.doc.Versions), nil
}

func (s *Static) Version(_ context.Context, index int) (string, error) {
	return s.doc.version(index)
}
