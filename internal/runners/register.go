package runners

import "github.com/inferplane/inferplane/internal/runner"

// RegisterDefaults binds the built-in models to reg. This replaces the
// original's import-time @model_runner decorator registration with an
// explicit call the gateway and worker both make at startup, so the set of
// available models is visible at the call site instead of scattered across
// package init functions.
func RegisterDefaults(reg *runner.Registry) {
	reg.Register("superres-x4", NewSuperResolutionRunner)
	reg.Register("image-scoring-v1", NewImageScoringRunner)
}
