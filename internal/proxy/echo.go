package proxy

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/bigdegenenergy/open-cloud-ops/tollgate/pkg/models"
)

// Echo is a local completer that answers with the prompt itself. It lets the
// gateway run end to end without an upstream provider.
type Echo struct{}

// Backend names the echo backend for cache keys.
func (Echo) Backend() string {
	return string(models.BackendEcho)
}

// Complete returns the prompt prefixed with "echo: ".
func (Echo) Complete(ctx context.Context, req models.CompletionRequest) (*models.Completion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	content := "echo: " + strings.TrimSpace(req.Prompt)
	return &models.Completion{
		Content:      content,
		Model:        req.Model,
		InputTokens:  int64(utf8.RuneCountInString(req.Prompt) / 4),
		OutputTokens: int64(utf8.RuneCountInString(content) / 4),
	}, nil
}
