package bridge

import (
	"context"
	"errors"
	"fmt"

	"anypay.backend/internal/domain/entities"
	domainerrors "anypay.backend/internal/domain/errors"
	"anypay.backend/internal/metrics"
)

// StatusSource resolves the delivery state of a bridge message
type StatusSource interface {
	MessageStatus(ctx context.Context, messageID string, sourceChain, destinationChain uint64) (*entities.BridgeMessageStatus, error)
}

type namedSource struct {
	name   string
	source StatusSource
}

// Fallback queries its sources in order. The first terminal answer wins; a pending
// answer is kept while later sources are asked.
type Fallback struct {
	sources []namedSource
}

// NewFallback creates an empty composite source
func NewFallback() *Fallback {
	return &Fallback{}
}

// Add appends a source under a name used for metrics labels
func (f *Fallback) Add(name string, source StatusSource) *Fallback {
	if source != nil {
		f.sources = append(f.sources, namedSource{name: name, source: source})
	}
	return f
}

// MessageStatus implements StatusSource
func (f *Fallback) MessageStatus(ctx context.Context, messageID string, sourceChain, destinationChain uint64) (*entities.BridgeMessageStatus, error) {
	var (
		pending *entities.BridgeMessageStatus
		errs    []error
	)
	for _, s := range f.sources {
		st, err := s.source.MessageStatus(ctx, messageID, sourceChain, destinationChain)
		if err != nil {
			metrics.BridgePolls.WithLabelValues(s.name, "error").Inc()
			errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
			if ctx.Err() != nil {
				break
			}
			continue
		}
		metrics.BridgePolls.WithLabelValues(s.name, string(st.State)).Inc()
		if st.State.IsTerminal() {
			return st, nil
		}
		if pending == nil {
			pending = st
		}
	}
	if pending != nil {
		return pending, nil
	}
	if len(errs) == 0 {
		return nil, fmt.Errorf("no bridge status source configured: %w", domainerrors.ErrBridgeStatusUnavailable)
	}
	return nil, fmt.Errorf("%w: %w", domainerrors.ErrBridgeStatusUnavailable, errors.Join(errs...))
}
