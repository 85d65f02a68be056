// Package canhub distributes received CAN frames from controllers to any
// number of independent client mailboxes.
//
// It includes:
//   - A core Frame type with validation, text and binary helpers
//   - Reference counted Messages shared by every mailbox that accepts them
//   - Mailboxes with hardware style acceptance filters and bounded queues
//   - Controllers, a Registry of them and a Client facade with blocking,
//     polling and timed reads
//   - A virtual loopback driver and a logging driver decorator
//
// The Linux SocketCAN driver lives in the socketcan subpackage.
package canhub
