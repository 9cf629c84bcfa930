// Package resolver chooses the concrete segment chain that serves a pipe
// request, from the local catalog and the peer snapshots.
package resolver

import (
	"fmt"
	"log/slog"

	"github.com/c360/semstreams-robotics/catalog"
	"github.com/c360/semstreams-robotics/errors"
	"github.com/c360/semstreams-robotics/metric"
	"github.com/c360/semstreams-robotics/types"
)

// Source provides candidate pipe descriptors
type Source interface {
	LocalPipes(category string) []catalog.PipeDescriptor
	RemotePipes(category string) []catalog.RemotePipe
}

// SegmentInstance is one resolved position of a pipe: the cataloged
// segment and the specifier that constrained it, if any.
type SegmentInstance struct {
	Descriptor catalog.SegmentDescriptor
	Specifier  types.SegmentSpecifier
}

// Resolution is the concrete ordered chain chosen for a request. Origin is
// empty for local pipes and holds the advertising peer otherwise.
type Resolution struct {
	Descriptor catalog.PipeDescriptor
	Origin     string
	Segments   []SegmentInstance
}

// IsRemote reports whether the chosen pipe was advertised by a peer
func (r Resolution) IsRemote() bool {
	return r.Origin != ""
}

type candidate struct {
	desc   catalog.PipeDescriptor
	origin string
}

// Resolve picks the eligible pipe of category with the highest reliability.
// Local pipes come first in insertion order, then, unless localOnly, peer
// pipes by origin id. Ties go to the earliest candidate.
func Resolve(src Source, category string, specifiers []types.SegmentSpecifier, localOnly bool) (Resolution, error) {
	var candidates []candidate
	for _, p := range src.LocalPipes(category) {
		candidates = append(candidates, candidate{desc: p})
	}
	if !localOnly {
		for _, rp := range src.RemotePipes(category) {
			candidates = append(candidates, candidate{desc: rp.Descriptor, origin: rp.Origin})
		}
	}

	best := -1
	for i, c := range candidates {
		if !eligible(c.desc, specifiers) {
			continue
		}
		if best < 0 || c.desc.Reliability > candidates[best].desc.Reliability {
			best = i
		}
	}

	if best < 0 {
		return Resolution{}, errors.New(errors.ErrResolutionFailed, "Resolver", "Resolve",
			fmt.Sprintf("no pipe of category %q satisfies %d specifier(s) (local_only=%t, candidates=%d)",
				category, len(specifiers), localOnly, len(candidates)), nil)
	}

	winner := candidates[best]
	if len(winner.desc.Segments) == 0 {
		return Resolution{}, errors.New(errors.ErrResolutionFailed, "Resolver", "Resolve",
			fmt.Sprintf("pipe %s/%s has no segments", category, winner.desc.Name), nil)
	}

	res := Resolution{
		Descriptor: winner.desc.Clone(),
		Origin:     winner.origin,
		Segments:   make([]SegmentInstance, len(winner.desc.Segments)),
	}
	for i, seg := range res.Descriptor.Segments {
		res.Segments[i].Descriptor = seg
		if i < len(specifiers) {
			res.Segments[i].Specifier = specifiers[i].Clone()
		}
	}
	return res, nil
}

// eligible reports whether specifier i is satisfied by segment i for every i.
func eligible(desc catalog.PipeDescriptor, specifiers []types.SegmentSpecifier) bool {
	if len(desc.Segments) == 0 || len(specifiers) > len(desc.Segments) {
		return false
	}
	for i, spec := range specifiers {
		if !satisfies(desc.Segments[i], spec) {
			return false
		}
	}
	return true
}

func satisfies(seg catalog.SegmentDescriptor, spec types.SegmentSpecifier) bool {
	if spec.SegmentType != "" && spec.SegmentType != seg.Type {
		return false
	}
	return seg.Accepts(spec.Topics.InputTypes()) &&
		seg.Provides(spec.Topics.OutputTypes()) &&
		seg.Takes(spec.Parameters.Names())
}

// Resolver wraps Resolve with logging and metrics
type Resolver struct {
	source  Source
	logger  *slog.Logger
	metrics *metric.Metrics
}

// New creates a resolver over source. A nil logger uses slog.Default().
func New(source Source, logger *slog.Logger, registry *metric.MetricsRegistry) *Resolver {
	if logger == nil {
		logger = slog.Default().With("component", "resolver")
	}
	return &Resolver{source: source, logger: logger, metrics: registry.CoreMetrics()}
}

// Resolve resolves a request against the resolver's source
func (r *Resolver) Resolve(category string, specifiers []types.SegmentSpecifier, localOnly bool) (Resolution, error) {
	res, err := Resolve(r.source, category, specifiers, localOnly)
	if err != nil {
		r.metrics.RecordResolution("failed")
		r.logger.Warn("Pipe resolution failed", "category", category,
			"specifiers", len(specifiers), "local_only", localOnly, "error", err)
		return res, err
	}

	outcome := "local"
	if res.IsRemote() {
		outcome = "remote"
	}
	r.metrics.RecordResolution(outcome)
	r.logger.Debug("Pipe resolved", "category", category, "pipe", res.Descriptor.Name,
		"origin", res.Origin, "segments", len(res.Segments),
		"reliability", float64(res.Descriptor.Reliability))
	return res, nil
}
