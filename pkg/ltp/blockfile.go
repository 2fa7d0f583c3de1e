package ltp

import (
	"fmt"
	"os"

	"github.com/rs/xid"
)

// blockFile is the optional spill-to-disk backing for an import session's
// acquisition ZCO once its content outgrows max_acq_in_heap. Files are
// named "ltpblock.<engine>.<session>"; to avoid a collision window if a
// session number is reused immediately after a crash-restart, the file
// is written under a temporary xid-suffixed name and renamed into place
// only once created successfully.
type blockFile struct {
	f        *os.File
	finalName string
}

func openBlockFile(engineID, sessionNbr uint64) (*blockFile, error) {
	finalName := fmt.Sprintf("ltpblock.%d.%d", engineID, sessionNbr)
	tmpName := finalName + "." + xid.New().String() + ".tmp"
	f, err := os.OpenFile(tmpName, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("ltp: open block file %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, finalName); err != nil {
		f.Close()
		os.Remove(tmpName)
		return nil, fmt.Errorf("ltp: rename block file into place: %w", err)
	}
	return &blockFile{f: f, finalName: finalName}, nil
}

func (b *blockFile) WriteAt(data []byte, offset int64) error {
	_, err := b.f.WriteAt(data, offset)
	return err
}

func (b *blockFile) ReadAt(buf []byte, offset int64) error {
	_, err := b.f.ReadAt(buf, offset)
	return err
}

func (b *blockFile) Close() error {
	err := b.f.Close()
	os.Remove(b.finalName)
	return err
}
