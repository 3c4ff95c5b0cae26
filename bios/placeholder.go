package bios

import (
	"context"
	"errors"
)

// placeholderAdapter stands in for vendors without a settings channel.
// Pull synthesizes a marker document; the engine never pushes one.
type placeholderAdapter struct {
	vendor string
}

func (a *placeholderAdapter) Name() string { return "placeholder" }

func (a *placeholderAdapter) Pull(context.Context) (Document, error) {
	return Placeholder(), nil
}

func (a *placeholderAdapter) Push(context.Context, Document, []Change) (bool, error) {
	return false, errors.New("placeholder channel cannot push settings")
}
