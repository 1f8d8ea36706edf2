package provider

import (
	"context"
	"fmt"

	"github.com/mojisejr/mimi-vibe-backend/internal/models"
)

// MockProvider answers instantly without calling any upstream. Used when
// MOCK_LLM is enabled for local development.
type MockProvider struct{}

func NewMockProvider() *MockProvider {
	return &MockProvider{}
}

func (m *MockProvider) Generate(_ context.Context, payload models.ReadingPayload) (Result, error) {
	return Result{
		Text:  fmt.Sprintf("The cards hear your question %q. Trust the path you are already on.", payload.Question),
		Model: "mock",
	}, nil
}
