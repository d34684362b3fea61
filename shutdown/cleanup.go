package shutdown

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"imagegen_backend/core"
)

// tempImagePattern matches the files the image store writes before renaming.
const tempImagePattern = ".tmp-*.png"

// RemoveTempImages returns a hook deleting partial image files left in dir by
// writes that never reached their rename. Removal failures are logged, not
// returned, so they never block shutdown.
func RemoveTempImages(logger *zap.Logger, dir string) core.ShutdownFunc {
	return func(ctx context.Context) error {
		_, err := removeTempImages(ctx, logger, dir)
		return err
	}
}

func removeTempImages(ctx context.Context, logger *zap.Logger, dir string) (int, error) {
	matches, err := filepath.Glob(filepath.Join(dir, tempImagePattern))
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, path := range matches {
		if ctx.Err() != nil {
			logger.Warn("temp image cleanup interrupted", zap.Int("remaining", len(matches)-removed))
			return removed, nil
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			logger.Warn("failed to remove temp image", zap.String("path", path), zap.Error(err))
			continue
		}
		removed++
	}
	if removed > 0 {
		logger.Info("removed partial images", zap.String("dir", dir), zap.Int("count", removed))
	}
	return removed, nil
}
