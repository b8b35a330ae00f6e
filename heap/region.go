package heap

import (
	"unsafe"

	"github.com/dustin/go-humanize"
	"github.com/vkngwrapper/pagealloc/memutils"
	"github.com/vkngwrapper/pagealloc/memutils/metadata"
	"github.com/vkngwrapper/pagealloc/pages"
	"golang.org/x/exp/slog"
)

// ensureRegion maps the region the first time it is needed, sized to hold at least one record
// of the requested size
func (a *Allocator) ensureRegion(size int) {
	if a.base != nil {
		return
	}

	gross, err := memutils.RoundUpToPage(metadata.HeaderSize + size)
	if err != nil {
		panic(err)
	}

	a.base = a.reserve(nil, gross)
	a.capacity = gross
	a.floor = gross
	a.used = 0
	a.records.Init(a.base)

	a.logger.Debug("    Created region", addressAttr(a.base), slog.String("Capacity", humanize.IBytes(uint64(gross))))
}

// grow maps at least extra more bytes directly after the current end of the region
func (a *Allocator) grow(extra int) {
	rounded, err := memutils.RoundUpToPage(extra)
	if err != nil {
		panic(err)
	}

	a.reserve(unsafe.Add(a.base, a.capacity), rounded)
	a.capacity += rounded

	a.logger.Debug("    Grew region",
		slog.String("Extra", humanize.IBytes(uint64(rounded))),
		slog.Int("Pages", memutils.PageCount(a.capacity)),
		slog.String("Capacity", humanize.IBytes(uint64(a.capacity))))
}

// reserve maps length bytes at hint and clears them. A nil hint lets the provider choose.
func (a *Allocator) reserve(hint unsafe.Pointer, length int) unsafe.Pointer {
	memutils.DebugCheckPageMultiple(length, "mapping length")

	mem, err := a.provider.Map(hint, length)
	if err != nil {
		a.fail("failed to allocate memory for the allocator", pages.MapFailure(err))
	}

	clear(Bytes(mem, length))
	return mem
}

// release gives length bytes starting at offset back to the provider
func (a *Allocator) release(offset int, length int) {
	memutils.DebugCheckPageMultiple(offset, "unmap offset")
	memutils.DebugCheckPageMultiple(length, "unmap length")

	err := a.provider.Unmap(unsafe.Add(a.base, offset), length)
	if err != nil {
		a.fail("failed to release memory held by the allocator", pages.UnmapFailure(err))
	}
}

func (a *Allocator) fail(msg string, err *pages.FatalError) {
	a.logger.Error(msg, slog.String("Op", err.Op), slog.Int("ExitCode", err.Code), slog.Any("error", err.Err))
	a.fatal(err)
	panic(err)
}
