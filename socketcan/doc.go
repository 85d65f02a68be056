// Package socketcan is a canhub driver for Linux SocketCAN interfaces
// (can0, vcan0, ...). It is only available on linux.
//
// A Driver is dialed for one interface, handed to canhub.NewController and
// then pumped with Run, which delivers every received frame to the
// controller's mailboxes:
//
//	drv, err := socketcan.Dial("can0")
//	...
//	cntl, err := canhub.NewController(0, drv)
//	...
//	go drv.Run(ctx)
package socketcan
