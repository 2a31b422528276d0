package api

import "github.com/fako1024/skalekit/pkg/scale"

// WithLogger sets the logger
func WithLogger(logger scale.Logger) func(*API) {
	return func(api *API) {
		api.logger = logger
	}
}
