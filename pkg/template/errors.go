package template

import "errors"

var (
	ErrInvalidCatalog = errors.New("template: invalid catalog")
	ErrRender         = errors.New("template: render failed")
)
