package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// EnsureReady checks that the Engine is reachable and required models are
// available. Missing models are pulled automatically with progress output
// written to w. The chat model is then warmed up with a trivial request.
func EnsureReady(ctx context.Context, e Engine, chatModel, embedModel string, w io.Writer) error {
	if !e.IsRunning(ctx) {
		return fmt.Errorf("inference engine is not reachable; please ensure the backend is started")
	}

	models := make([]string, 0, 2)
	if chatModel != "" {
		models = append(models, chatModel)
	}
	if embedModel != "" && embedModel != chatModel {
		models = append(models, embedModel)
	}

	for _, model := range models {
		if e.HasModel(ctx, model) {
			fmt.Fprintf(w, "model %s: ready\n", model)
			continue
		}

		fmt.Fprintf(w, "model %s: pulling...\n", model)
		err := e.PullModel(ctx, model, func(p PullProgress) {
			if p.Total > 0 {
				pct := float64(p.Completed) / float64(p.Total) * 100
				fmt.Fprintf(w, "  %s %.0f%%\n", p.Status, pct)
			} else {
				fmt.Fprintf(w, "  %s\n", p.Status)
			}
		})
		if errors.Is(err, ErrPullUnsupported) {
			fmt.Fprintf(w, "model %s: not listed, assuming it is served remotely\n", model)
			continue
		}
		if err != nil {
			return fmt.Errorf("pulling model %s: %w", model, err)
		}
		fmt.Fprintf(w, "model %s: ready\n", model)
	}

	if chatModel == "" {
		return nil
	}
	fmt.Fprintf(w, "model %s: warming up...\n", chatModel)
	warmCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if _, err := e.Chat(warmCtx, chatModel, []Message{{Role: "user", Content: "ping"}}); err != nil {
		fmt.Fprintf(w, "model %s: warm-up failed (non-fatal): %v\n", chatModel, err)
	} else {
		fmt.Fprintf(w, "model %s: warm\n", chatModel)
	}
	return nil
}
