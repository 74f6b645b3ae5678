// Package viz draws the change history of an archived workspace document.
package viz

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/automerge/automerge-go"
	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"
)

// Counts is what a workspace document held at one point in its history.
type Counts struct {
	Messages int
	Tasks    int
	Members  int
}

func (c Counts) String() string {
	return fmt.Sprintf("msgs=%d tasks=%d members=%d", c.Messages, c.Tasks, c.Members)
}

func sizeOf(doc *automerge.Doc, key string) int {
	v, err := doc.Path(key).Get()
	if err != nil || v.Kind() != automerge.KindMap {
		return 0
	}
	return v.Map().Len()
}

// CountsAt reports the size of each collection in doc.
func CountsAt(doc *automerge.Doc) Counts {
	return Counts{
		Messages: sizeOf(doc, "messages"),
		Tasks:    sizeOf(doc, "tasks"),
		Members:  sizeOf(doc, "members"),
	}
}

// RenderHistory writes an SVG with one node per change, labelled with the collection sizes at that
// change, and an edge from each dependency.
func RenderHistory(doc *automerge.Doc, outputPath string) error {
	g := graphviz.New()
	defer g.Close()

	graph, err := g.Graph()
	if err != nil {
		return fmt.Errorf("failed to setup graph: %w", err)
	}
	defer graph.Close()

	changes, err := doc.Changes()
	if err != nil {
		return fmt.Errorf("failed to generate changes: %w", err)
	}

	nodeMap := make(map[string]*cgraph.Node)
	edgeCounter := 0
	for _, change := range changes {
		docAt, err := doc.Fork(change.Hash())
		if err != nil {
			return fmt.Errorf("failed to checkout %s: %w", change.Hash(), err)
		}

		n, err := graph.CreateNode(change.Hash().String())
		if err != nil {
			return fmt.Errorf("failed to create node: %w", err)
		}
		n.SetLabel(fmt.Sprintf("%s %s@%d\n%s\n%s", change.Hash().String()[:8], change.ActorID()[:8], change.ActorSeq(), change.Message(), CountsAt(docAt)))
		nodeMap[n.Name()] = n

		for _, hash := range change.Dependencies() {
			parent, ok := nodeMap[hash.String()]
			if !ok {
				continue
			}
			edgeCounter++
			if _, err := graph.CreateEdge(strconv.Itoa(edgeCounter), parent, n); err != nil {
				return fmt.Errorf("failed to create edge: %w", err)
			}
		}
	}

	var buff bytes.Buffer
	if err := g.Render(graph, graphviz.SVG, &buff); err != nil {
		return fmt.Errorf("failed to render: %w", err)
	}
	if err := os.WriteFile(outputPath, buff.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write: %w", err)
	}
	return nil
}

// RenderToTemp renders into a fresh file under the temp dir and returns its path.
func RenderToTemp(doc *automerge.Doc, name string) (string, error) {
	f, err := os.CreateTemp("", filepath.Base(name)+"-*.svg")
	if err != nil {
		return "", fmt.Errorf("failed to create output file: %w", err)
	}
	_ = f.Close()
	if err := RenderHistory(doc, f.Name()); err != nil {
		return "", err
	}
	return f.Name(), nil
}
