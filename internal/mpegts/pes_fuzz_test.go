package mpegts

import "testing"

func FuzzAnalyzePESHeader(f *testing.F) {
	f.Add(buildPES(0xE0, 90000, true, []byte{0xAA}))
	f.Add(buildPES(0xC0, 0, false, nil))
	f.Add([]byte{0x00, 0x00, 0x01, 0xE0, 0x00, 0x00, 0xFF, 0xFF, 0x40, 0x00, 0x0F})

	f.Fuzz(func(t *testing.T, data []byte) {
		typ, offset, _ := AnalyzePESHeader(data) // must not panic
		if typ >= PESMPEG1 && offset > len(data) {
			t.Errorf("payload offset %d beyond %d bytes", offset, len(data))
		}
	})
}
