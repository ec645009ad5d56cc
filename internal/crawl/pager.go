package crawl

import (
	"context"
	"iter"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// OffsetStore persists the next offset per partition. checkpoint.Store
// satisfies it.
type OffsetStore interface {
	GetOffset(partition string) (int, error)
	SetOffset(partition string, offset int) error
}

// Page is one response of a paginated listing.
type Page struct {
	Items []RawItem
	// Last is set when the source says there is nothing after this page.
	Last bool
}

// PageFunc fetches the page at offset.
type PageFunc func(ctx context.Context, offset int) (Page, error)

// Pager walks one partition of an offset-paginated listing, persisting the
// next offset after every page so a resumed run picks up where this one
// stopped.
type Pager struct {
	Partition string
	Fetch     PageFunc
	// Step is how far the offset moves per page: the page size for
	// offset/limit APIs, 1 for page-number APIs.
	Step int
	// Start is the first offset when there is no checkpoint.
	Start   int
	Offsets OffsetStore
	Resume  bool
	// MaxItems caps the items yielded by this pager; 0 is unlimited.
	MaxItems int
	// MaxErrors consecutive failed pages end the partition. Default 3.
	MaxErrors int
	// MaxEmpty consecutive empty pages end the partition. Default 1. Empty
	// pages before the last are skipped past without moving the checkpoint;
	// the next non-empty page saves past them.
	MaxEmpty int
	Log       *zap.Logger
}

// Items yields every item of the partition. Pages that still fail after the
// fetch layer's retries are logged and skipped; only cancellation and
// checkpoint failures are yielded as errors. Offsets only move forward.
func (p *Pager) Items(ctx context.Context) iter.Seq2[RawItem, error] {
	return func(yield func(RawItem, error) bool) {
		log := p.Log
		if log == nil {
			log = zap.L()
		}
		log = log.With(zap.String("partition", p.Partition))
		step := max(p.Step, 1)
		maxErrors := p.MaxErrors
		if maxErrors <= 0 {
			maxErrors = 3
		}
		maxEmpty := max(p.MaxEmpty, 1)

		offset := p.Start
		if p.Resume && p.Offsets != nil {
			saved, err := p.Offsets.GetOffset(p.Partition)
			if err != nil {
				yield(nil, eris.Wrapf(err, "crawl: load offset %s", p.Partition))
				return
			}
			if saved > offset {
				offset = saved
				log.Info("resuming from checkpoint", zap.Int("offset", offset))
			}
		}

		emitted, failures, empties := 0, 0, 0
		for {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}

			page, err := p.Fetch(ctx, offset)
			if err != nil {
				if ctx.Err() != nil {
					yield(nil, ctx.Err())
					return
				}
				failures++
				log.Error("page fetch failed, skipping",
					zap.Int("offset", offset),
					zap.Int("consecutive_failures", failures),
					zap.Error(err),
				)
				if failures >= maxErrors {
					log.Warn("too many consecutive page failures, ending partition")
					return
				}
				offset += step
				if err := p.save(offset); err != nil {
					yield(nil, err)
					return
				}
				continue
			}
			failures = 0

			if len(page.Items) == 0 {
				empties++
				if empties >= maxEmpty {
					log.Debug("empty page, partition done", zap.Int("offset", offset))
					return
				}
				log.Debug("empty page, skipping", zap.Int("offset", offset), zap.Int("consecutive_empty", empties))
				offset += step
				continue
			}
			empties = 0

			for _, item := range page.Items {
				if p.MaxItems > 0 && emitted >= p.MaxItems {
					return
				}
				if !yield(item, nil) {
					return
				}
				emitted++
			}

			offset += step
			if err := p.save(offset); err != nil {
				yield(nil, err)
				return
			}
			if page.Last || (p.MaxItems > 0 && emitted >= p.MaxItems) {
				return
			}
		}
	}
}

func (p *Pager) save(offset int) error {
	if p.Offsets == nil {
		return nil
	}
	if err := p.Offsets.SetOffset(p.Partition, offset); err != nil {
		return eris.Wrapf(err, "crawl: save offset %s", p.Partition)
	}
	return nil
}

// Concat yields every element of each sequence in order, stopping at the
// first error.
func Concat(seqs ...iter.Seq2[RawItem, error]) iter.Seq2[RawItem, error] {
	return func(yield func(RawItem, error) bool) {
		for _, seq := range seqs {
			for item, err := range seq {
				if !yield(item, err) || err != nil {
					return
				}
			}
		}
	}
}
