package lifecycle

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/cortexflow/engine/errs"
	"github.com/cortexflow/engine/workflow"
)

// Template is a named, tagged, categorised starting point for Trigger:
// a pre-built schema callers can instantiate by template id instead of
// building (or knowing) the underlying workflow type's full definition
// (spec §5.9, "named/tagged/categorised workflow templates").
type Template struct {
	ID          string
	Name        string
	Category    string
	Tags        []string
	Description string
	Schema      *workflow.WorkflowSchema
}

// TemplateRegistry holds the set of templates a Service can resolve
// through TriggerTemplate.
type TemplateRegistry struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

func newTemplateRegistry() *TemplateRegistry {
	return &TemplateRegistry{templates: make(map[string]*Template)}
}

// RegisterTemplate adds or replaces a template.
func (s *Service) RegisterTemplate(t *Template) {
	s.templates.mu.Lock()
	defer s.templates.mu.Unlock()
	s.templates.templates[t.ID] = t
}

// TriggerTemplate resolves templateID to a concrete schema and runs the
// same Trigger pipeline.
func (s *Service) TriggerTemplate(ctx context.Context, templateID string, inputs any, overrides map[string]any) (uuid.UUID, error) {
	s.templates.mu.RLock()
	tmpl, ok := s.templates.templates[templateID]
	s.templates.mu.RUnlock()
	if !ok {
		return uuid.Nil, &errs.TemplateNotFound{TemplateID: templateID}
	}

	s.RegisterDefinition(tmpl.Schema)
	return s.Trigger(ctx, tmpl.Schema.WorkflowType, inputs, overrides)
}

// SearchTemplates filters templates by optional category, tag set, and
// keyword (matched case-insensitively against name/description); any
// empty filter is ignored. Results with no filters applied return every
// registered template.
func (s *Service) SearchTemplates(category string, tags []string, keyword string) []*Template {
	s.templates.mu.RLock()
	defer s.templates.mu.RUnlock()

	keyword = strings.ToLower(keyword)
	var out []*Template
	for _, t := range s.templates.templates {
		if category != "" && t.Category != category {
			continue
		}
		if len(tags) > 0 && !hasAllTags(t.Tags, tags) {
			continue
		}
		if keyword != "" &&
			!strings.Contains(strings.ToLower(t.Name), keyword) &&
			!strings.Contains(strings.ToLower(t.Description), keyword) {
			continue
		}
		out = append(out, t)
	}
	return out
}

func hasAllTags(have, want []string) bool {
	set := make(map[string]bool, len(have))
	for _, t := range have {
		set[t] = true
	}
	for _, t := range want {
		if !set[t] {
			return false
		}
	}
	return true
}
