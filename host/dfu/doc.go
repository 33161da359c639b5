// Package dfu is the host side of the USB DFU 1.1 protocol.
//
// A [Client] drives a device in DFU mode over any [Controller], the
// control transfer signature shared by gousb and the loopback HAL:
//
//	usb, err := dfu.OpenUSB(0x1209, 0xDF11)
//	if err != nil {
//	    return err
//	}
//	defer usb.Close()
//
//	info, err := dfu.Probe(usb)
//	if err != nil {
//	    return err
//	}
//	client := dfu.NewClient(usb, info.Interface.InterfaceNumber)
//	if err := client.SetTransferSize(int(info.Functional.TransferSize)); err != nil {
//	    return err
//	}
//	err = client.Download(ctx, image, nil)
//
// Download sends the image in wTransferSize blocks, polls DFU_GETSTATUS
// between blocks honoring bwPollTimeout, and waits through manifestation.
// An image needing more than 65536 blocks is refused before anything is
// sent, since wBlockNum would wrap. A device that reports an error is
// returned as a [*DeviceError].
package dfu
