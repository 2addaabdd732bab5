package service

import (
	"context"
	"log/slog"

	"github.com/bcnelson/provisioner/internal/domain"
	"github.com/bcnelson/provisioner/internal/matcher"
	"github.com/bcnelson/provisioner/internal/storage"
)

// TagService computes which tags apply to a node.
type TagService struct {
	store  storage.Storage
	logger *slog.Logger
}

// NewTagService creates a new TagService.
func NewTagService(store storage.Storage, logger *slog.Logger) *TagService {
	return &TagService{store: store, logger: logger}
}

// TagsFor evaluates every tag against the node's current facts and
// metadata. Nothing is cached; each call sees the latest rules.
func (s *TagService) TagsFor(ctx context.Context, node *domain.Node) ([]*domain.Tag, error) {
	return s.tagsFor(ctx, s.store, node)
}

func (s *TagService) tagsFor(ctx context.Context, db storage.Storage, node *domain.Node) ([]*domain.Tag, error) {
	tags, err := db.ListTags(ctx)
	if err != nil {
		return nil, err
	}

	// Rules may read operator-set metadata as well as facts, so a metadata
	// change re-runs binding too.
	values := matcher.Values{Facts: node.Facts, Meta: node.Metadata}
	var matched []*domain.Tag
	for _, tag := range tags {
		ok, err := matcher.Match(tag.Rule, values)
		if err != nil {
			// A broken rule must not stop the node from being evaluated
			// against the remaining tags.
			s.logger.Warn("tag rule failed to evaluate",
				"tag", tag.Name, "node", node.Name(), "error", err)
			continue
		}
		if ok {
			matched = append(matched, tag)
		}
	}
	return matched, nil
}

// tagNames returns the lower-cased names of tags as a set.
func tagNames(tags []*domain.Tag) map[string]struct{} {
	set := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		set[foldName(t.Name)] = struct{}{}
	}
	return set
}
