package webview

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/peerwatch/api/schemas"
	"github.com/xkilldash9x/peerwatch/internal/config"
	"github.com/xkilldash9x/peerwatch/internal/webview/cdp"
	"github.com/xkilldash9x/peerwatch/internal/webview/headless"
)

// NewBackend builds the backend named by cfg.Backend.
func NewBackend(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) (schemas.Backend, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", headless.Name:
		return headless.New(cfg, logger), nil
	case cdp.Name:
		b, err := cdp.New(ctx, cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to start cdp backend: %w", err)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unknown webview backend %q", cfg.Backend)
	}
}
