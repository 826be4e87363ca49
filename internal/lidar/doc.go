// Package lidar decodes the UART byte stream of a spinning single-beam lidar
// into an angle-indexed scan.
//
// Two framing protocols are supported. The fixed protocol sends 42-byte
// frames led by 0xFA, each covering six consecutive degrees of a 360 slot
// revolution. The variable protocol sends frames led by four 0xAA bytes with
// a length-prefixed payload and a byte-sum checksum; each distance frame
// carries a complete 160 slot sweep.
//
// Data flows PacketSynchronizer -> FrameDecoder -> ScanAggregator, driven by
// a ScanLoop that owns a DeviceSession and a protocol DeviceAgent. Consumers
// poll Latest, receive pushes from Subscribe, or range over Scans.
package lidar
