package apply

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/boguslaw-wojcik/crc32a"
	"github.com/cevaris/ordered_map"

	"github.com/ardnew/softdfu/device/class/dfu"
	"github.com/ardnew/softdfu/pkg"
)

// DefaultPollInterval is how often the applier checks the driver when no
// state change woke it.
const DefaultPollInterval = 50 * time.Millisecond

// Image describes a manifested firmware image.
type Image struct {
	Size     int64
	Checksum uint32 // CRC-32/BZIP2 (crc32a) of the whole image
	Blocks   int
}

// record is a ledger entry for a programmed block.
type record struct {
	length   int
	checksum uint32
}

// Applier programs the blocks staged by a DFU driver into a Store and
// manifests the image when the download ends.
//
// The applier owns the driver's state change callback and uses it to
// wake up; the driver must not be given another one.
type Applier struct {
	fw    *dfu.DFU
	store Store

	// Blocks programmed in the current session, keyed by image offset
	ledger *ordered_map.OrderedMap

	interval    time.Duration
	expected    uint32
	hasExpected bool
	last        Image
	hasLast     bool
	onManifest  func(Image)

	wake    chan struct{}
	restart atomic.Bool

	mutex sync.Mutex
}

// New creates an applier for fw writing to store.
func New(fw *dfu.DFU, store Store) *Applier {
	a := &Applier{
		fw:       fw,
		store:    store,
		ledger:   ordered_map.NewOrderedMap(),
		interval: DefaultPollInterval,
		wake:     make(chan struct{}, 1),
	}
	fw.SetOnStateChange(a.stateChanged)
	return a
}

// SetPollInterval sets the fallback poll interval.
func (a *Applier) SetPollInterval(interval time.Duration) {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	a.interval = interval
}

// SetExpectedChecksum makes manifestation fail with errVERIFY unless the
// image checksum equals crc.
func (a *Applier) SetExpectedChecksum(crc uint32) {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	a.expected = crc
	a.hasExpected = true
}

// SetOnManifest sets the callback for successfully manifested images.
func (a *Applier) SetOnManifest(cb func(Image)) {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	a.onManifest = cb
}

// Last returns the most recently manifested image.
func (a *Applier) Last() (Image, bool) {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	return a.last, a.hasLast
}

// Run services the driver until ctx is cancelled.
func (a *Applier) Run(ctx context.Context) error {
	a.mutex.Lock()
	interval := a.interval
	a.mutex.Unlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	pkg.LogDebug(pkg.ComponentApplier, "applier started")
	for {
		a.Step()

		select {
		case <-ctx.Done():
			pkg.LogDebug(pkg.ComponentApplier, "applier stopped")
			return nil
		case <-a.wake:
		case <-ticker.C:
		}
	}
}

// Step performs whatever work the driver's current state calls for.
func (a *Applier) Step() {
	if a.restart.Swap(false) {
		a.ledger = ordered_map.NewOrderedMap()
	}

	switch a.fw.State() {
	case dfu.StateDnBusy:
		block, ok := a.fw.Staged()
		if !ok {
			return
		}
		err := a.program(block)
		if cerr := a.fw.CompleteBlock(err); cerr != nil {
			// The host aborted while the block was being written
			pkg.LogDebug(pkg.ComponentApplier, "block discarded",
				"offset", block.Offset,
				"error", cerr)
		}

	case dfu.StateManifest, dfu.StateManifestSync:
		if a.fw.ManifestationComplete() {
			return
		}
		img, err := a.manifest()
		if cerr := a.fw.CompleteManifestation(err); cerr != nil {
			pkg.LogDebug(pkg.ComponentApplier, "manifestation discarded",
				"error", cerr)
			return
		}
		if err != nil {
			return
		}

		a.mutex.Lock()
		a.last = img
		a.hasLast = true
		cb := a.onManifest
		a.mutex.Unlock()

		pkg.LogInfo(pkg.ComponentApplier, "image manifested",
			"size", img.Size,
			"blocks", img.Blocks,
			"crc", fmt.Sprintf("%08x", img.Checksum))
		if cb != nil {
			cb(img)
		}
	}
}

// stateChanged runs on the goroutine that changed the driver state.
func (a *Applier) stateChanged(old, new dfu.State) {
	if new == dfu.StateIdle {
		a.restart.Store(true)
	}
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

// program writes block to the store and records it in the ledger.
func (a *Applier) program(block dfu.Block) error {
	if _, err := a.store.WriteAt(block.Data, int64(block.Offset)); err != nil {
		return classify(err)
	}
	a.ledger.Set(block.Offset, record{
		length:   len(block.Data),
		checksum: crc32a.Checksum(block.Data),
	})

	pkg.LogDebug(pkg.ComponentApplier, "block programmed",
		"offset", block.Offset,
		"length", len(block.Data))
	return nil
}

// manifest verifies the programmed blocks and finalizes the image.
func (a *Applier) manifest() (Image, error) {
	var (
		img     Image
		covered int64
		buf     [dfu.Capacity]byte
	)

	iter := a.ledger.IterFunc()
	for kv, ok := iter(); ok; kv, ok = iter() {
		offset := kv.Key.(uint32)
		rec := kv.Value.(record)

		data := buf[:rec.length]
		if _, err := a.store.ReadAt(data, int64(offset)); err != nil {
			return Image{}, dfu.NewStatusError(dfu.StatusErrVerify,
				fmt.Errorf("read back block at %d: %w", offset, err))
		}
		if crc32a.Checksum(data) != rec.checksum {
			return Image{}, dfu.NewStatusError(dfu.StatusErrVerify,
				fmt.Errorf("block at %d does not match what was written", offset))
		}

		if end := int64(offset) + int64(rec.length); end > img.Size {
			img.Size = end
		}
		covered += int64(rec.length)
		img.Blocks++
	}

	if img.Blocks == 0 {
		return Image{}, dfu.NewStatusError(dfu.StatusErrNotDone, errors.New("no blocks downloaded"))
	}
	// Blocks never overlap, so any gap shows up as missing bytes
	if covered != img.Size {
		return Image{}, dfu.NewStatusError(dfu.StatusErrNotDone,
			fmt.Errorf("image has gaps: %d of %d bytes downloaded", covered, img.Size))
	}

	if err := a.store.Truncate(img.Size); err != nil {
		return Image{}, dfu.NewStatusError(dfu.StatusErrWrite, err)
	}
	if err := a.store.Sync(); err != nil {
		return Image{}, dfu.NewStatusError(dfu.StatusErrWrite, err)
	}

	image := make([]byte, img.Size)
	if _, err := a.store.ReadAt(image, 0); err != nil && !errors.Is(err, io.EOF) {
		return Image{}, dfu.NewStatusError(dfu.StatusErrVerify, err)
	}
	img.Checksum = crc32a.Checksum(image)

	a.mutex.Lock()
	expected, check := a.expected, a.hasExpected
	a.mutex.Unlock()
	if check && img.Checksum != expected {
		return Image{}, dfu.NewStatusError(dfu.StatusErrVerify,
			fmt.Errorf("image checksum %08x, expected %08x", img.Checksum, expected))
	}

	a.ledger = ordered_map.NewOrderedMap()
	return img, nil
}

// classify maps a store error onto the DFU status reported to the host.
func classify(err error) error {
	switch {
	case errors.Is(err, io.EOF):
		return dfu.NewStatusError(dfu.StatusErrAddress, err)
	case errors.Is(err, os.ErrPermission):
		return dfu.NewStatusError(dfu.StatusErrWrite, err)
	default:
		return err
	}
}
