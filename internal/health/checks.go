package health

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// ReadinessSource reports whether a dependency finished initialising.
// [*model.Loader] implements it.
type ReadinessSource interface {
	Ready() bool
}

// ModelChecker passes once the synthesis model is loaded.
func ModelChecker(src ReadinessSource) Checker {
	return Checker{
		Name: "model",
		Check: func(context.Context) error {
			if !src.Ready() {
				return errors.New("model not loaded")
			}
			return nil
		},
	}
}

// StorageChecker passes when every directory exists and accepts new files.
func StorageChecker(dirs ...string) Checker {
	return Checker{
		Name: "storage",
		Check: func(ctx context.Context) error {
			for _, dir := range dirs {
				if err := ctx.Err(); err != nil {
					return err
				}
				f, err := os.CreateTemp(dir, ".readyz-*")
				if err != nil {
					return fmt.Errorf("%s not writable: %w", filepath.Base(dir), err)
				}
				name := f.Name()
				f.Close()
				os.Remove(name)
			}
			return nil
		},
	}
}

// BreakerSource reports circuit breaker states by backend name.
// [*synth.Invoker] implements it.
type BreakerSource interface {
	BreakerStates() map[string]string
}

// BreakerChecker reports backends whose circuit breaker is open. The check
// is optional: an open breaker recovers on its own and the API still
// answers, so readiness is only degraded.
func BreakerChecker(src BreakerSource) Checker {
	return Checker{
		Name:     "backend",
		Optional: true,
		Check: func(context.Context) error {
			var open []string
			for name, state := range src.BreakerStates() {
				if state == "open" {
					open = append(open, name)
				}
			}
			if len(open) == 0 {
				return nil
			}
			slices.Sort(open)
			return fmt.Errorf("circuit open for %s", strings.Join(open, ", "))
		},
	}
}
