package composer

import "github.com/desertthunder/pmx/internal/models"

type options struct {
	maxHops int
	shape   *models.Shape
	kind    models.ServiceKind
	params  map[string]string
}

// Option adjusts a single composition.
type Option func(*options)

// WithMaxHops overrides the configured hop bound.
func WithMaxHops(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxHops = n
		}
	}
}

// WithShape keeps only chains whose aggregate shape is s.
func WithShape(s models.Shape) Option {
	return func(o *options) { o.shape = &s }
}

// WithKind traverses only services of kind k.
func WithKind(k models.ServiceKind) Option {
	return func(o *options) { o.kind = k }
}

// WithParameters skips services with a required parameter that neither params nor a default supplies.
func WithParameters(params map[string]string) Option {
	return func(o *options) { o.params = params }
}
