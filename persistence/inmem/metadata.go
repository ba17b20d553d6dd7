package inmem

import (
	"context"
	"fmt"
	"sort"

	"github.com/conveyorhq/conveyor/model"
	"github.com/conveyorhq/conveyor/persistence"
)

func (s *Store) SaveWorkflowDefinition(ctx context.Context, wf model.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	versions := s.definitions[wf.Name]
	if versions == nil {
		versions = make(map[int]model.Workflow)
		s.definitions[wf.Name] = versions
	}
	versions[wf.Version] = wf
	return nil
}

func (s *Store) GetWorkflowDefinition(ctx context.Context, name string, version int) (*model.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.definitions[name][version]
	if !ok {
		return nil, persistence.NotFoundError{Kind: "workflow", Key: fmt.Sprintf("%s:%d", name, version)}
	}
	return &wf, nil
}

// GetLatestWorkflowDefinition returns the highest published version.
func (s *Store) GetLatestWorkflowDefinition(ctx context.Context, name string) (*model.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *model.Workflow
	for _, wf := range s.definitions[name] {
		if !wf.Published {
			continue
		}
		if latest == nil || wf.Version > latest.Version {
			copied := wf
			latest = &copied
		}
	}
	if latest == nil {
		return nil, persistence.NotFoundError{Kind: "workflow", Key: name}
	}
	return latest, nil
}

func (s *Store) ListWorkflowDefinitions(ctx context.Context) ([]model.WorkflowSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.WorkflowSummary, 0, len(s.definitions))
	for _, versions := range s.definitions {
		for _, wf := range versions {
			out = append(out, summarize(wf))
		}
	}
	sortSummaries(out)
	return out, nil
}

func (s *Store) ListWorkflowVersions(ctx context.Context, name string) ([]model.WorkflowSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.WorkflowSummary, 0, len(s.definitions[name]))
	for _, wf := range s.definitions[name] {
		out = append(out, summarize(wf))
	}
	sortSummaries(out)
	return out, nil
}

func (s *Store) DeleteWorkflowDefinition(ctx context.Context, name string, version int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.definitions[name][version]; !ok {
		return persistence.NotFoundError{Kind: "workflow", Key: fmt.Sprintf("%s:%d", name, version)}
	}
	delete(s.definitions[name], version)
	return nil
}

func summarize(wf model.Workflow) model.WorkflowSummary {
	return model.WorkflowSummary{
		Name:      wf.Name,
		Version:   wf.Version,
		Published: wf.Published,
		NodeCount: len(wf.Nodes),
		CreatedAt: wf.CreatedAt,
	}
}

func sortSummaries(summaries []model.WorkflowSummary) {
	sort.Slice(summaries, func(i, j int) bool {
		if summaries[i].Name != summaries[j].Name {
			return summaries[i].Name < summaries[j].Name
		}
		return summaries[i].Version < summaries[j].Version
	})
}
