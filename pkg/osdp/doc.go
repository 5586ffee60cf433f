/*
Package osdp implements the core of the OSDP (Open Supervised Device
Protocol) stack: packet framing, the CP and PD state machines, the
Secure Channel, and the command/event queues that connect an Access
Control Panel to one or more Peripheral Devices over a shared serial
bus.

The package does not open serial ports or enumerate devices itself; it
consumes a Channel (see channel.go) supplied by the caller. See the
cmd/ programs in this module for concrete channel implementations over
RS-485 serial and PC/SC card readers.
*/
package osdp
