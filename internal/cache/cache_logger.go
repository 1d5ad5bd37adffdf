package cache

import (
	"context"
	"fmt"
	"log/slog"
)

// SafeInvalidatePattern safely invalidates cache pattern with logging
func SafeInvalidatePattern(ctx context.Context, helper *CacheHelper, pattern string) {
	if err := helper.InvalidatePattern(ctx, pattern); err != nil {
		slog.ErrorContext(ctx, "Failed to invalidate cache pattern",
			"error", err,
			"pattern", pattern)
	}
}

// SafeDelete safely deletes cache keys with logging
func SafeDelete(ctx context.Context, helper *CacheHelper, keys ...string) {
	if err := helper.Delete(ctx, keys...); err != nil {
		slog.ErrorContext(ctx, "Failed to delete cache keys",
			"error", err,
			"keys", keys)
	}
}

// InvalidateTestCache invalidates cached test definitions
func InvalidateTestCache(ctx context.Context, cm *CacheManager, testID uint) {
	SafeDelete(ctx, cm.Test,
		fmt.Sprintf("id:%d", testID),
		fmt.Sprintf("questions:%d", testID))
	SafeInvalidatePattern(ctx, cm.Test, "list:*")
}

// InvalidateAttemptCache invalidates cached attempt state after a write
func InvalidateAttemptCache(ctx context.Context, cm *CacheManager, attemptID uint) {
	SafeDelete(ctx, cm.Fast, fmt.Sprintf("attempt:id:%d", attemptID))
}

// InvalidateSubmissionCache invalidates cached submissions after grading
func InvalidateSubmissionCache(ctx context.Context, cm *CacheManager, submissionID, attemptID uint) {
	SafeDelete(ctx, cm.Submission,
		fmt.Sprintf("id:%d", submissionID),
		fmt.Sprintf("attempt:%d", attemptID))
}
