package converter

import (
	"context"
	"fmt"

	"github.com/kirillkom/hybrid-rag/internal/core/domain"
	"github.com/kirillkom/hybrid-rag/internal/core/ports"
)

// Router sends formats Local understands to Local and everything else to the remote service.
type Router struct {
	local  *Local
	remote ports.Converter
}

// NewRouter accepts a nil remote; unsupported formats then fail as invalid input.
func NewRouter(local *Local, remote ports.Converter) *Router {
	if local == nil {
		local = NewLocal()
	}
	return &Router{local: local, remote: remote}
}

func (r *Router) Convert(ctx context.Context, raw []byte, mimeType string) (string, error) {
	if r.local.Supports(mimeType) {
		return r.local.Convert(ctx, raw, mimeType)
	}
	if r.remote == nil {
		return "", domain.WrapError(domain.ErrInvalidInput, "convert", fmt.Errorf("no converter for mime type %q", mimeType))
	}
	return r.remote.Convert(ctx, raw, mimeType)
}
