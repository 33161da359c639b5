// Package apply programs firmware downloaded through a DFU driver.
//
// The DFU driver only stages blocks; an [Applier] runs beside the device
// stack and does the slow work. In dfuDNBUSY it writes the staged block to
// a [Store] and calls CompleteBlock. In dfuMANIFEST it checks every block
// against what was written, requires the image to be contiguous, computes
// the CRC-32/BZIP2 checksum and calls CompleteManifestation. Store errors
// are reported to the host as DFU status codes: writes out of range as
// errADDRESS, failed writes as errWRITE, gaps as errNOTDONE and
// verification failures as errVERIFY.
//
//	store, err := apply.NewFileStore("firmware.bin", 1<<20)
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
//
//	applier := apply.New(fw, store)
//	applier.SetOnManifest(func(img apply.Image) {
//	    log.Printf("manifested %d bytes, crc %08x", img.Size, img.Checksum)
//	})
//	go applier.Run(ctx)
package apply
