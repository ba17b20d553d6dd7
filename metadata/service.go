package metadata

import (
	"context"
	"fmt"
	"time"

	"github.com/conveyorhq/conveyor/graph"
	"github.com/conveyorhq/conveyor/logger"
	"github.com/conveyorhq/conveyor/model"
	"github.com/conveyorhq/conveyor/persistence"
	c "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

// MetadataService owns the definition lifecycle. Definitions are validated
// by compilation before they are stored, an invalid graph never reaches the
// engine. Versions are immutable once published.
type MetadataService interface {
	SaveWorkflow(ctx context.Context, wf model.Workflow) (*model.WorkflowSummary, error)
	PublishWorkflow(ctx context.Context, name string, version int) (*model.Workflow, error)
	GetWorkflow(ctx context.Context, name string, version int) (*model.Workflow, error)
	ListWorkflows(ctx context.Context) ([]model.WorkflowSummary, error)
	ListWorkflowVersions(ctx context.Context, name string) ([]model.WorkflowSummary, error)
	DeleteWorkflow(ctx context.Context, name string, version int) error
	GetPlan(ctx context.Context, name string, version int) (*graph.CompiledPlan, error)
	GetMetadataStorage() persistence.MetadataStorage
}

type MetadataServiceImpl struct {
	storage   persistence.MetadataStorage
	planCache *c.Cache
}

var _ MetadataService = new(MetadataServiceImpl)

func NewMetadataService(storage persistence.MetadataStorage) *MetadataServiceImpl {
	return &MetadataServiceImpl{
		storage:   storage,
		planCache: c.New(c.NoExpiration, 10*time.Minute),
	}
}

// SaveWorkflow stores a new draft version. The submitted version number is
// ignored, the service assigns max existing version plus one.
func (s *MetadataServiceImpl) SaveWorkflow(ctx context.Context, wf model.Workflow) (*model.WorkflowSummary, error) {
	if wf.Name == "" {
		return nil, fmt.Errorf("workflow name is required")
	}
	if _, err := graph.Compile(&wf); err != nil {
		return nil, err
	}
	versions, err := s.storage.ListWorkflowVersions(ctx, wf.Name)
	if err != nil {
		return nil, err
	}
	next := 1
	for _, v := range versions {
		if v.Version >= next {
			next = v.Version + 1
		}
	}
	wf.Version = next
	wf.Published = false
	wf.CreatedAt = time.Now()
	if err := s.storage.SaveWorkflowDefinition(ctx, wf); err != nil {
		return nil, err
	}
	s.planCache.Delete(planKey(wf.Name, wf.Version))
	logger.Info("workflow definition saved", zap.String("workflow", wf.Name), zap.Int("version", wf.Version))
	return &model.WorkflowSummary{
		Name:      wf.Name,
		Version:   wf.Version,
		Published: false,
		NodeCount: len(wf.Nodes),
		CreatedAt: wf.CreatedAt,
	}, nil
}

func (s *MetadataServiceImpl) PublishWorkflow(ctx context.Context, name string, version int) (*model.Workflow, error) {
	wf, err := s.storage.GetWorkflowDefinition(ctx, name, version)
	if err != nil {
		return nil, err
	}
	if _, err := graph.Compile(wf); err != nil {
		return nil, err
	}
	wf.Published = true
	if err := s.storage.SaveWorkflowDefinition(ctx, *wf); err != nil {
		return nil, err
	}
	s.planCache.Delete(planKey(name, version))
	logger.Info("workflow definition published", zap.String("workflow", name), zap.Int("version", version))
	return wf, nil
}

// GetWorkflow resolves version zero to the latest published version.
func (s *MetadataServiceImpl) GetWorkflow(ctx context.Context, name string, version int) (*model.Workflow, error) {
	if version <= 0 {
		return s.storage.GetLatestWorkflowDefinition(ctx, name)
	}
	return s.storage.GetWorkflowDefinition(ctx, name, version)
}

func (s *MetadataServiceImpl) ListWorkflows(ctx context.Context) ([]model.WorkflowSummary, error) {
	return s.storage.ListWorkflowDefinitions(ctx)
}

func (s *MetadataServiceImpl) ListWorkflowVersions(ctx context.Context, name string) ([]model.WorkflowSummary, error) {
	return s.storage.ListWorkflowVersions(ctx, name)
}

func (s *MetadataServiceImpl) DeleteWorkflow(ctx context.Context, name string, version int) error {
	if err := s.storage.DeleteWorkflowDefinition(ctx, name, version); err != nil {
		return err
	}
	s.planCache.Delete(planKey(name, version))
	return nil
}

// GetPlan compiles on first use and caches, published versions are
// immutable so cached plans never go stale.
func (s *MetadataServiceImpl) GetPlan(ctx context.Context, name string, version int) (*graph.CompiledPlan, error) {
	if version <= 0 {
		wf, err := s.storage.GetLatestWorkflowDefinition(ctx, name)
		if err != nil {
			return nil, err
		}
		version = wf.Version
	}
	key := planKey(name, version)
	if cached, found := s.planCache.Get(key); found {
		return cached.(*graph.CompiledPlan), nil
	}
	wf, err := s.storage.GetWorkflowDefinition(ctx, name, version)
	if err != nil {
		return nil, err
	}
	plan, err := graph.Compile(wf)
	if err != nil {
		return nil, err
	}
	s.planCache.Set(key, plan, c.NoExpiration)
	return plan, nil
}

func (s *MetadataServiceImpl) GetMetadataStorage() persistence.MetadataStorage {
	return s.storage
}

func planKey(name string, version int) string {
	return fmt.Sprintf("%s:%d", name, version)
}
