// Copyright 2018 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sniffer

import (
	"encoding/binary"
	"io"
	"time"
)

// Classic libpcap file format, big endian, microsecond timestamps in UTC.
const (
	pcapMagic            = 0xa1b2c3d4
	pcapVersionMajor     = 2
	pcapVersionMinor     = 4
	pcapFileHeaderLen    = 24
	pcapPacketHeaderLen  = 16
	linkTypeEthernet     = 1
	pcapDefaultRecordCap = 2048
)

// pcapWriter writes a capture to w. It is not safe for concurrent use.
type pcapWriter struct {
	w       io.Writer
	snapLen uint32
	// buf is reused across records so that each is a single Write.
	buf []byte
}

// newPCAPWriter writes the file header to w.
func newPCAPWriter(w io.Writer, snapLen uint32) (*pcapWriter, error) {
	hdr := make([]byte, 0, pcapFileHeaderLen)
	hdr = binary.BigEndian.AppendUint32(hdr, pcapMagic)
	hdr = binary.BigEndian.AppendUint16(hdr, pcapVersionMajor)
	hdr = binary.BigEndian.AppendUint16(hdr, pcapVersionMinor)
	hdr = binary.BigEndian.AppendUint32(hdr, 0) // thiszone
	hdr = binary.BigEndian.AppendUint32(hdr, 0) // sigfigs
	hdr = binary.BigEndian.AppendUint32(hdr, snapLen)
	hdr = binary.BigEndian.AppendUint32(hdr, linkTypeEthernet)
	if _, err := w.Write(hdr); err != nil {
		return nil, err
	}
	return &pcapWriter{
		w:       w,
		snapLen: snapLen,
		buf:     make([]byte, 0, pcapDefaultRecordCap),
	}, nil
}

// writeRecord appends frame, truncated to the snap length, as captured at
// now.
func (p *pcapWriter) writeRecord(now time.Time, frame []byte) error {
	incl := frame
	if uint32(len(incl)) > p.snapLen {
		incl = incl[:p.snapLen]
	}
	now = now.UTC()
	b := p.buf[:0]
	b = binary.BigEndian.AppendUint32(b, uint32(now.Unix()))
	b = binary.BigEndian.AppendUint32(b, uint32(now.Nanosecond()/1000))
	b = binary.BigEndian.AppendUint32(b, uint32(len(incl)))
	b = binary.BigEndian.AppendUint32(b, uint32(len(frame)))
	b = append(b, incl...)
	p.buf = b
	_, err := p.w.Write(b)
	return err
}
