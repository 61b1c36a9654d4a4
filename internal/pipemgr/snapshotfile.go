package pipemgr

import (
	"fmt"
	"os"

	"github.com/klauspost/compress/zstd"

	"github.com/pipehost/mux/internal/pipe"
)

// SaveFile writes the bit-exact snapshot stream of Save to path, zstd
// compressed. The wire contract stays byte-exact; only the file container
// on disk is compressed.
func (m *Manager) SaveFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("pipemgr: create snapshot file: %w", err)
	}
	defer f.Close()

	enc, err := zstd.NewWriter(f)
	if err != nil {
		return fmt.Errorf("pipemgr: new zstd writer: %w", err)
	}
	if err := m.Save(enc); err != nil {
		enc.Close()
		return err
	}
	return enc.Close()
}

// LoadFile is the SaveFile counterpart: it decompresses path and hands the
// bit-exact stream to Load.
func (m *Manager) LoadFile(path string, resolveHW func(pipe.ID) (pipe.HardwareEndpoint, bool), forceClosed func(pipe.ID)) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("pipemgr: open snapshot file: %w", err)
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return fmt.Errorf("pipemgr: new zstd reader: %w", err)
	}
	defer dec.Close()

	return m.Load(dec, resolveHW, forceClosed)
}
