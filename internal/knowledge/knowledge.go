package knowledge

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// Query describes what the farmer needs guidance on.
type Query struct {
	Crop     string
	Stage    string
	Question string
}

// SearchText is the text embedded for vector search.
func (q Query) SearchText() string {
	return strings.TrimSpace(fmt.Sprintf("Scientific guidance for %s at %s stage. %s", q.Crop, q.Stage, q.Question))
}

// Retriever returns grounding text for a query.
type Retriever interface {
	Retrieve(ctx context.Context, q Query) (string, error)
}

// Static answers every query with the standard manual guidance.
type Static struct{}

func (Static) Retrieve(_ context.Context, q Query) (string, error) {
	return fmt.Sprintf("Standard agricultural manual recommends focus on irrigation and nitrogen-based fertilizer during the %s phase of %s.", q.Stage, q.Crop), nil
}

// Service queries Primary and falls back to Static guidance on error or an
// empty result.
type Service struct {
	Primary Retriever
	Logger  *zap.Logger
}

func (s Service) Retrieve(ctx context.Context, q Query) (string, error) {
	if s.Primary == nil {
		return Static{}.Retrieve(ctx, q)
	}
	text, err := s.Primary.Retrieve(ctx, q)
	if err != nil || strings.TrimSpace(text) == "" {
		if s.Logger != nil {
			s.Logger.Warn("knowledge lookup degraded to static guidance",
				zap.String("crop", q.Crop), zap.String("stage", q.Stage), zap.Error(err))
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return Static{}.Retrieve(ctx, q)
	}
	return text, nil
}
